package core

import (
	"context"
	"errors"
	"time"

	"miner-uptime/model"
)

// ErrNotFound is returned when a record is not found in the store.
var ErrNotFound = errors.New("record not found")

// MinerStore is the slice of the miners table the core reads and writes.
type MinerStore interface {
	PollableMiners(ctx context.Context, pool string) ([]*model.Miner, error)
	MinerIds(ctx context.Context) ([]int64, error)
	GetMiner(ctx context.Context, id int64) (*model.Miner, error)
	// SetMinerStatus writes status only if it differs; reports whether it did.
	SetMinerStatus(ctx context.Context, id int64, status string) (bool, error)
	// CreditUptime adds hours once per slot; a second call for the same
	// slot is a no-op.
	CreditUptime(ctx context.Context, id int64, slot time.Time, hours float64, seen time.Time) (bool, error)
	MarkChecked(ctx context.Context, ids []int64, at time.Time) error
}

type LivenessStore interface {
	GetLiveness(ctx context.Context, minerId int64) (*model.LivenessState, error)
	CreateLiveness(ctx context.Context, rec *model.LivenessState) (bool, error)
	TouchLiveness(ctx context.Context, minerId int64, seen time.Time, signal string) error
	// SwapLiveness replaces the record only while it still holds expect.
	SwapLiveness(ctx context.Context, next *model.LivenessState, expect string) (bool, error)
	InsertEvent(ctx context.Context, ev *model.StateEvent) (bool, error)
	OfflineStates(ctx context.Context, stableBefore time.Time) ([]*model.LivenessState, error)
}

// OutboxUpdate carries the optional columns written with a status swap.
type OutboxUpdate struct {
	Attempts  *int
	SendAfter *time.Time
}

type OutboxStore interface {
	// Enqueue inserts unless the dedupe key exists; reports whether it inserted.
	Enqueue(ctx context.Context, item *model.OutboxItem) (bool, error)
	HasRecent(ctx context.Context, keyPrefix string, since time.Time) (bool, error)
	DuePending(ctx context.Context, channel string, now time.Time, limit int) ([]*model.OutboxItem, error)
	SwapStatus(ctx context.Context, id int64, from, to string, upd OutboxUpdate) (bool, error)
	DeferAudience(ctx context.Context, channel string, aud model.Audience, until time.Time) (int, error)
	ReleaseStale(ctx context.Context, channel string, olderThan time.Time) (int, error)
	AddReceipt(ctx context.Context, r *model.DeliveryReceipt) error
	SentInApp(ctx context.Context, userId int64, limit int) ([]*model.OutboxItem, error)
}

type DeviceStore interface {
	TokensForUser(ctx context.Context, userId int64) ([]*model.DeviceToken, error)
	TokensForRole(ctx context.Context, role string) ([]*model.DeviceToken, error)
	DeleteToken(ctx context.Context, token string) error
	RegisterToken(ctx context.Context, t *model.DeviceToken) error
}

type PreferenceStore interface {
	// Preference returns the user's settings, writing defaults on first read.
	Preference(ctx context.Context, userId int64) (*model.UserPreference, error)
	SavePreference(ctx context.Context, p *model.UserPreference) error
}

// Store is everything the Postgres backend provides.
type Store interface {
	MinerStore
	LivenessStore
	OutboxStore
	DeviceStore
	PreferenceStore
}

// Locker is the cross-instance set-if-absent lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops key only if this instance still holds it.
	Release(ctx context.Context, key string) error
}
