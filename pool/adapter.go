// Package pool talks to third-party mining pool APIs and reduces their
// worker listings to a common (name, online, sample time) shape.
package pool

import (
	"context"
	"fmt"
	"time"

	"miner-uptime/config"
)

// Credentials identify one API account at a pool.
type Credentials struct {
	ApiKey    string
	ApiSecret string
	// Account is the pool sub-account / user id, for pools that need it.
	Account string
}

// WorkerSignal is one worker as reported by a pool.
type WorkerSignal struct {
	Name       string
	Online     bool
	Status     string
	SampleTime time.Time
}

// Scope tells the coordinator which miner fields must be shared by all
// miners answered through a single API call.
type Scope struct {
	Account bool
	Coin    bool
}

// Adapter is implemented once per pool family.
type Adapter interface {
	Name() string
	Scope() Scope
	Matcher() NameMatcher
	// Poll returns every worker the account reports. Workers that are not
	// returned are the caller's business.
	Poll(ctx context.Context, creds Credentials, coin string, workers []string) ([]WorkerSignal, error)
}

// New builds the adapter configured by cfg.
func New(cfg *config.Pool) (Adapter, error) {
	client := NewClient(cfg)
	switch *cfg.Name {
	case "viabtc":
		return NewViaBTC(client), nil
	case "f2pool":
		return NewF2Pool(client), nil
	case "antpool":
		return NewAntPool(client), nil
	default:
		return nil, fmt.Errorf("unknown pool %q", *cfg.Name)
	}
}
