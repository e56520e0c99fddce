package model

// UserPreference holds per-user notification settings
type UserPreference struct {
	tableName struct{} `pg:"user_preferences"`

	UserId           int64    `pg:"user_id,pk" json:"user_id"`
	Channels         []string `pg:"channels,array" json:"channels"`
	Bundle           bool     `pg:"bundle,use_zero" json:"bundle"`
	BundleWindowSecs int      `pg:"bundle_window_secs,use_zero" json:"bundle_window_secs"`
	QuietEnabled     bool     `pg:"quiet_enabled,use_zero" json:"quiet_enabled"`
	QuietStart       string   `pg:"quiet_start" json:"quiet_start"`
	QuietEnd         string   `pg:"quiet_end" json:"quiet_end"`
	TimeZone         string   `pg:"time_zone" json:"time_zone"`
	CooldownMinutes  int      `pg:"cooldown_minutes,use_zero" json:"cooldown_minutes"`
}

// DefaultPreference returns the settings applied on first read
func DefaultPreference(userId int64) *UserPreference {
	return &UserPreference{
		UserId:           userId,
		Channels:         []string{ChannelPush, ChannelInApp},
		Bundle:           true,
		BundleWindowSecs: 180,
		TimeZone:         "UTC",
		CooldownMinutes:  60,
	}
}

// HasChannel reports whether the user accepts deliveries on channel.
func (p *UserPreference) HasChannel(channel string) bool {
	for _, c := range p.Channels {
		if c == channel {
			return true
		}
	}
	return false
}
