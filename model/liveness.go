package model

import "time"

// Canonical liveness states
const (
	StateOnline   string = "ONLINE"
	StateOffline         = "OFFLINE"
	StateStale           = "STALE"
	StateDegraded        = "DEGRADED"
)

// LivenessState is the canonical state record kept per miner
type LivenessState struct {
	tableName struct{} `pg:"liveness_states"`

	MinerId     int64     `pg:"miner_id,pk"`
	State       string    `pg:"state"`
	StableSince time.Time `pg:"stable_since"`
	LastChange  time.Time `pg:"last_change"`
	LastSeen    time.Time `pg:"last_seen"`
	LastSignal  string    `pg:"last_signal"`
	FlapCount   int       `pg:"flap_count,use_zero"`
}

// StateEvent records one canonical transition. Rows are append-only and
// unique per (miner, slot, from, to).
type StateEvent struct {
	tableName struct{} `pg:"state_events"`

	Id        int64     `pg:"id,pk"`
	MinerId   int64     `pg:"miner_id"`
	FromState string    `pg:"from_state"`
	ToState   string    `pg:"to_state"`
	Slot      time.Time `pg:"slot"`
	Reason    string    `pg:"reason"`
	CreatedAt time.Time `pg:"created_at"`
}
