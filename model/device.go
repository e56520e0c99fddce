package model

import "time"

// DeviceToken is a push destination registered by a user's device
type DeviceToken struct {
	tableName struct{} `pg:"device_tokens"`

	Token    string    `pg:"token,pk" json:"-"`
	UserId   int64     `pg:"user_id" json:"user_id"`
	Platform string    `pg:"platform" json:"platform"`
	LastSeen time.Time `pg:"last_seen" json:"last_seen"`
}

// UserRole maps users to roles for role-addressed notifications.
// Maintained by the auth service.
type UserRole struct {
	tableName struct{} `pg:"user_roles"`

	UserId int64  `pg:"user_id,pk"`
	Role   string `pg:"role,pk"`
}
