package model

import "time"

// Outbox status
const (
	OutboxPending string = "pending"
	OutboxSending        = "sending"
	OutboxSent           = "sent"
	OutboxDead           = "dead"
)

// Channels
const (
	ChannelPush  string = "push"
	ChannelInApp        = "in_app"
)

// Audience kinds
const (
	AudienceUser string = "user"
	AudienceRole        = "role"
)

// OutboxItem is one pending side effect. DedupeKey is the only idempotency guard.
type OutboxItem struct {
	tableName struct{} `pg:"outbox"`

	Id           int64     `pg:"id,pk"`
	DedupeKey    string    `pg:"dedupe_key,unique"`
	AudienceKind string    `pg:"audience_kind"`
	AudienceRef  string    `pg:"audience_ref"`
	Channel      string    `pg:"channel"`
	Template     string    `pg:"template"`
	Payload      string    `pg:"payload,type:jsonb"`
	SendAfter    time.Time `pg:"send_after"`
	Attempts     int       `pg:"attempts,use_zero"`
	Status       string    `pg:"status"`
	CreatedAt    time.Time `pg:"created_at"`
	UpdatedAt    time.Time `pg:"updated_at"`
}

// Audience returns the grouping key for delivery.
func (o *OutboxItem) Audience() Audience {
	return Audience{Kind: o.AudienceKind, Ref: o.AudienceRef}
}

// Audience is a delivery target: a single user or everyone holding a role
type Audience struct {
	Kind string
	Ref  string
}

// DeliveryReceipt is the audit row written for every delivery outcome
type DeliveryReceipt struct {
	tableName struct{} `pg:"delivery_receipts"`

	Id        int64     `pg:"id,pk"`
	OutboxId  int64     `pg:"outbox_id"`
	Success   bool      `pg:"success,use_zero"`
	Detail    string    `pg:"detail"`
	CreatedAt time.Time `pg:"created_at"`
}
