package config

// Push configures the push delivery worker and its gateway
type Push struct {
	Enabled      *bool   `json:"enabled"`
	Schedule     *string `json:"schedule"`
	Url          *string `json:"url"`
	AccessToken  *string `json:"accessToken"`
	Timeout      *string `json:"timeout"`
	BatchSize    *int    `json:"batchSize"`
	MaxAttempts  *int    `json:"maxAttempts"`
	RetryBase    *string `json:"retryBase"`
	RetryMax     *string `json:"retryMax"`
	SendingLease *string `json:"sendingLease"`
}

type InApp struct {
	Enabled   *bool   `json:"enabled"`
	Schedule  *string `json:"schedule"`
	BatchSize *int    `json:"batchSize"`
}
