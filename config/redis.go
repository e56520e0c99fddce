package config

// Redis holds the shared store used for slot locks
type Redis struct {
	Url         *string `json:"url"`
	Password    *string `json:"password"`
	Prefix      *string `json:"prefix"`
	Database    *int    `json:"database"`
	PoolSize    *int    `json:"poolSize"`
	DialTimeout *string `json:"dialTimeout"`
}
