package config

type Liveness struct {
	Enabled          *bool    `json:"enabled"`
	Schedule         *string  `json:"schedule"`
	StaleGrace       *string  `json:"staleGrace"`
	FlapWindow       *string  `json:"flapWindow"`
	Channels         []string `json:"channels"`
	ReminderSchedule *string  `json:"reminderSchedule"`
}
