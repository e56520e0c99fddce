package config

type Config struct {
	Name     *string   `json:"name"`
	Logger   *Logger   `json:"logger"`
	Postgres *Postgres `json:"postgres"`
	Redis    *Redis    `json:"redis"`
	Poller   *Poller   `json:"poller"`
	Liveness *Liveness `json:"liveness"`
	Push     *Push     `json:"push"`
	InApp    *InApp    `json:"inApp"`
	Api      *Api      `json:"api"`
}
