package config

type Logger struct {
	Level    *string `json:"level"`
	Format   *string `json:"format"`
	Filename *string `json:"filename"`
}
