package config

import "miner-uptime/model"

// ApplyDefaults fills every unset field so callers can dereference freely.
func (c *Config) ApplyDefaults() {
	setString(&c.Name, "miner-uptime")

	if c.Logger == nil {
		c.Logger = &Logger{}
	}
	setString(&c.Logger.Level, "info")
	setString(&c.Logger.Format, "text")
	setString(&c.Logger.Filename, "")

	if c.Postgres == nil {
		c.Postgres = &Postgres{}
	}
	setString(&c.Postgres.Address, "127.0.0.1:5432")
	setString(&c.Postgres.Database, "miners")
	setString(&c.Postgres.Username, "postgres")
	setString(&c.Postgres.Password, "")
	setInt(&c.Postgres.PoolSize, 10)
	setBool(&c.Postgres.Migrate, false)

	if c.Redis == nil {
		c.Redis = &Redis{}
	}
	setString(&c.Redis.Url, "127.0.0.1:6379")
	setString(&c.Redis.Password, "")
	setString(&c.Redis.Prefix, "uptime")
	setInt(&c.Redis.Database, 0)
	setInt(&c.Redis.PoolSize, 10)
	setString(&c.Redis.DialTimeout, "5s")

	if c.Poller == nil {
		c.Poller = &Poller{}
	}
	setBool(&c.Poller.Enabled, true)
	setString(&c.Poller.Schedule, "*/15 * * * *")
	setString(&c.Poller.LockTtl, "30m")
	setInt(&c.Poller.Concurrency, 3)
	for _, p := range c.Poller.Pools {
		setString(&p.Name, "")
		setBool(&p.Enabled, true)
		setString(&p.Url, "")
		setString(&p.Timeout, "15s")
		setInt(&p.Retries, 3)
		setFloat(&p.RatePerSec, 2)
		setBool(&p.MissingAsOffline, true)
		setString(&p.OfflineGrace, "0s")
	}

	if c.Liveness == nil {
		c.Liveness = &Liveness{}
	}
	setBool(&c.Liveness.Enabled, true)
	setString(&c.Liveness.Schedule, "@every 1m")
	setString(&c.Liveness.StaleGrace, "5m")
	setString(&c.Liveness.FlapWindow, "1h")
	setString(&c.Liveness.ReminderSchedule, "*/15 * * * *")
	if len(c.Liveness.Channels) == 0 {
		c.Liveness.Channels = []string{model.ChannelPush, model.ChannelInApp}
	}

	if c.Push == nil {
		c.Push = &Push{}
	}
	setBool(&c.Push.Enabled, true)
	setString(&c.Push.Schedule, "@every 30s")
	setString(&c.Push.Url, "https://exp.host/--/api/v2/push/send")
	setString(&c.Push.AccessToken, "")
	setString(&c.Push.Timeout, "10s")
	setInt(&c.Push.BatchSize, 200)
	setInt(&c.Push.MaxAttempts, 5)
	setString(&c.Push.RetryBase, "30s")
	setString(&c.Push.RetryMax, "30m")
	setString(&c.Push.SendingLease, "10m")

	if c.InApp == nil {
		c.InApp = &InApp{}
	}
	setBool(&c.InApp.Enabled, true)
	setString(&c.InApp.Schedule, "@every 30s")
	setInt(&c.InApp.BatchSize, 500)

	if c.Api == nil {
		c.Api = &Api{}
	}
	setBool(&c.Api.Enabled, false)
	setString(&c.Api.Listen, ":8080")
}

func setString(p **string, v string) {
	if *p == nil {
		*p = &v
	}
}

func setInt(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

func setBool(p **bool, v bool) {
	if *p == nil {
		*p = &v
	}
}

func setFloat(p **float64, v float64) {
	if *p == nil {
		*p = &v
	}
}
