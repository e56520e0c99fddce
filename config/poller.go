package config

// Poller drives the per-pool slot passes
type Poller struct {
	Enabled     *bool   `json:"enabled"`
	Schedule    *string `json:"schedule"`
	LockTtl     *string `json:"lockTtl"`
	Concurrency *int    `json:"concurrency"`
	Pools       []*Pool `json:"pools"`
}

// Pool configures one pool adapter and its liveness policy
type Pool struct {
	Name             *string  `json:"name"`
	Enabled          *bool    `json:"enabled"`
	Url              *string  `json:"url"`
	Timeout          *string  `json:"timeout"`
	Retries          *int     `json:"retries"`
	RatePerSec       *float64 `json:"ratePerSec"`
	MissingAsOffline *bool    `json:"missingAsOffline"`
	OfflineGrace     *string  `json:"offlineGrace"`
}

// Find returns the pool section named name, or nil.
func (p *Poller) Find(name string) *Pool {
	for _, pool := range p.Pools {
		if pool.Name != nil && *pool.Name == name {
			return pool
		}
	}
	return nil
}
