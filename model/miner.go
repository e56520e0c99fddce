package model

import "time"

// Coarse miner status
const (
	MinerStatusOnline  string = "online"
	MinerStatusOffline        = "offline"
)

// Miner is a rented unit as seen by the poller. Configuration columns are
// owned by the CRUD service; status and uptime columns are written here.
type Miner struct {
	tableName struct{} `pg:"miners"`

	Id           int64     `pg:"id,pk"`
	UserId       int64     `pg:"user_id"`
	Pool         string    `pg:"pool"`
	Coin         string    `pg:"coin"`
	WorkerName   string    `pg:"worker_name"`
	ApiKey       string    `pg:"api_key"`
	ApiSecret    string    `pg:"api_secret"`
	Account      string    `pg:"account"`
	UptimeHours  float64   `pg:"uptime_hours,use_zero"`
	UptimeSlot   time.Time `pg:"uptime_slot"`
	Status       string    `pg:"status"`
	LastOnlineAt time.Time `pg:"last_online_at"`
	CheckedAt    time.Time `pg:"checked_at"`
	CreatedAt    time.Time `pg:"created_at"`
}

// HasCredentials reports whether the miner can be polled at all.
func (m *Miner) HasCredentials() bool {
	return m.ApiKey != "" && m.WorkerName != ""
}
