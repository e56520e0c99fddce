package core

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"

	"miner-uptime/config"
	"miner-uptime/model"
)

type Postgres struct {
	db *pg.DB
}

func NewPostgres(cfg *config.Postgres) *Postgres {
	db := pg.Connect(&pg.Options{
		Addr:     *cfg.Address,
		User:     *cfg.Username,
		Password: *cfg.Password,
		Database: *cfg.Database,
		PoolSize: *cfg.PoolSize,
	})
	if err := db.Ping(context.Background()); err != nil {
		panic(err)
	}

	return &Postgres{db: db}
}

func (p *Postgres) Close() {
	p.db.Close()
}

// Migrate creates missing tables and the indexes the core relies on.
func (p *Postgres) Migrate(ctx context.Context) error {
	models := []interface{}{
		(*model.Miner)(nil),
		(*model.LivenessState)(nil),
		(*model.StateEvent)(nil),
		(*model.OutboxItem)(nil),
		(*model.DeliveryReceipt)(nil),
		(*model.DeviceToken)(nil),
		(*model.UserRole)(nil),
		(*model.UserPreference)(nil),
	}
	for _, m := range models {
		if err := p.db.ModelContext(ctx, m).CreateTable(&orm.CreateTableOptions{IfNotExists: true}); err != nil {
			return err
		}
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS state_events_slot_transition ON state_events (miner_id, slot, from_state, to_state)`,
		`CREATE INDEX IF NOT EXISTS outbox_due ON outbox (channel, status, send_after)`,
		`CREATE INDEX IF NOT EXISTS outbox_audience ON outbox (audience_kind, audience_ref)`,
		`CREATE INDEX IF NOT EXISTS miners_pool ON miners (pool)`,
		`CREATE INDEX IF NOT EXISTS device_tokens_user ON device_tokens (user_id)`,
	}
	for _, q := range indexes {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// swap is a conditional single-row update: column is set to target only
// while the row still holds expect, or, with expect nil, only when the
// value actually differs. Every status write goes through it.
type swap struct {
	model  interface{}
	key    string
	id     interface{}
	column string
	target interface{}
	expect interface{}
	extra  map[string]interface{}
}

func (p *Postgres) casUpdate(ctx context.Context, s swap) (bool, error) {
	q := p.db.ModelContext(ctx, s.model).Set(s.column+" = ?", s.target)

	cols := make([]string, 0, len(s.extra))
	for col := range s.extra {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		q = q.Set(col+" = ?", s.extra[col])
	}

	q = q.Where(s.key+" = ?", s.id)
	if s.expect != nil {
		q = q.Where(s.column+" = ?", s.expect)
	} else {
		q = q.Where(s.column+" IS DISTINCT FROM ?", s.target)
	}

	res, err := q.Update()
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func notFound(err error) error {
	if errors.Is(err, pg.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Miners

func (p *Postgres) PollableMiners(ctx context.Context, pool string) ([]*model.Miner, error) {
	var miners []*model.Miner
	err := p.db.ModelContext(ctx, &miners).
		Where("pool = ?", pool).
		Where("coalesce(api_key, '') <> ''").
		Where("coalesce(worker_name, '') <> ''").
		Order("id ASC").
		Select()
	return miners, err
}

func (p *Postgres) MinerIds(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := p.db.ModelContext(ctx, (*model.Miner)(nil)).Column("id").Order("id ASC").Select(&ids)
	return ids, err
}

func (p *Postgres) GetMiner(ctx context.Context, id int64) (*model.Miner, error) {
	m := &model.Miner{Id: id}
	if err := p.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (p *Postgres) SetMinerStatus(ctx context.Context, id int64, status string) (bool, error) {
	return p.casUpdate(ctx, swap{
		model:  (*model.Miner)(nil),
		key:    "id",
		id:     id,
		column: "status",
		target: status,
	})
}

func (p *Postgres) CreditUptime(ctx context.Context, id int64, slot time.Time, hours float64, seen time.Time) (bool, error) {
	res, err := p.db.ModelContext(ctx, (*model.Miner)(nil)).
		Set("uptime_hours = coalesce(uptime_hours, 0) + ?", hours).
		Set("uptime_slot = ?", slot).
		Set("last_online_at = ?", seen).
		Where("id = ?", id).
		Where("(uptime_slot IS NULL OR uptime_slot < ?)", slot).
		Update()
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (p *Postgres) MarkChecked(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ModelContext(ctx, (*model.Miner)(nil)).
		Set("checked_at = ?", at).
		Where("id IN (?)", pg.In(ids)).
		Update()
	return err
}

// Liveness

func (p *Postgres) GetLiveness(ctx context.Context, minerId int64) (*model.LivenessState, error) {
	rec := &model.LivenessState{MinerId: minerId}
	if err := p.db.ModelContext(ctx, rec).WherePK().Select(); err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (p *Postgres) CreateLiveness(ctx context.Context, rec *model.LivenessState) (bool, error) {
	res, err := p.db.ModelContext(ctx, rec).OnConflict("DO NOTHING").Insert()
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (p *Postgres) TouchLiveness(ctx context.Context, minerId int64, seen time.Time, signal string) error {
	_, err := p.db.ModelContext(ctx, (*model.LivenessState)(nil)).
		Set("last_seen = ?", seen).
		Set("last_signal = ?", signal).
		Where("miner_id = ?", minerId).
		Update()
	return err
}

func (p *Postgres) SwapLiveness(ctx context.Context, next *model.LivenessState, expect string) (bool, error) {
	return p.casUpdate(ctx, swap{
		model:  (*model.LivenessState)(nil),
		key:    "miner_id",
		id:     next.MinerId,
		column: "state",
		target: next.State,
		expect: expect,
		extra: map[string]interface{}{
			"stable_since": next.StableSince,
			"last_change":  next.LastChange,
			"last_seen":    next.LastSeen,
			"last_signal":  next.LastSignal,
			"flap_count":   next.FlapCount,
		},
	})
}

func (p *Postgres) InsertEvent(ctx context.Context, ev *model.StateEvent) (bool, error) {
	res, err := p.db.ModelContext(ctx, ev).
		OnConflict("(miner_id, slot, from_state, to_state) DO NOTHING").
		Insert()
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (p *Postgres) OfflineStates(ctx context.Context, stableBefore time.Time) ([]*model.LivenessState, error) {
	var recs []*model.LivenessState
	err := p.db.ModelContext(ctx, &recs).
		Where("state = ?", model.StateOffline).
		Where("stable_since <= ?", stableBefore).
		Order("miner_id ASC").
		Select()
	return recs, err
}

// Outbox

func (p *Postgres) Enqueue(ctx context.Context, item *model.OutboxItem) (bool, error) {
	res, err := p.db.ModelContext(ctx, item).OnConflict("(dedupe_key) DO NOTHING").Insert()
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (p *Postgres) HasRecent(ctx context.Context, keyPrefix string, since time.Time) (bool, error) {
	return p.db.ModelContext(ctx, (*model.OutboxItem)(nil)).
		Where("dedupe_key LIKE ?", keyPrefix+"%").
		Where("status IN (?)", pg.In([]string{model.OutboxPending, model.OutboxSending, model.OutboxSent})).
		Where("created_at >= ?", since).
		Exists()
}

func (p *Postgres) DuePending(ctx context.Context, channel string, now time.Time, limit int) ([]*model.OutboxItem, error) {
	var items []*model.OutboxItem
	err := p.db.ModelContext(ctx, &items).
		Where("channel = ?", channel).
		Where("status = ?", model.OutboxPending).
		Where("send_after <= ?", now).
		Order("send_after ASC", "id ASC").
		Limit(limit).
		Select()
	return items, err
}

func (p *Postgres) SwapStatus(ctx context.Context, id int64, from, to string, upd OutboxUpdate) (bool, error) {
	extra := map[string]interface{}{"updated_at": time.Now()}
	if upd.Attempts != nil {
		extra["attempts"] = *upd.Attempts
	}
	if upd.SendAfter != nil {
		extra["send_after"] = *upd.SendAfter
	}
	return p.casUpdate(ctx, swap{
		model:  (*model.OutboxItem)(nil),
		key:    "id",
		id:     id,
		column: "status",
		target: to,
		expect: from,
		extra:  extra,
	})
}

func (p *Postgres) DeferAudience(ctx context.Context, channel string, aud model.Audience, until time.Time) (int, error) {
	res, err := p.db.ModelContext(ctx, (*model.OutboxItem)(nil)).
		Set("send_after = ?", until).
		Set("updated_at = ?", time.Now()).
		Where("channel = ?", channel).
		Where("status = ?", model.OutboxPending).
		Where("audience_kind = ?", aud.Kind).
		Where("audience_ref = ?", aud.Ref).
		Where("send_after < ?", until).
		Update()
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (p *Postgres) ReleaseStale(ctx context.Context, channel string, olderThan time.Time) (int, error) {
	res, err := p.db.ModelContext(ctx, (*model.OutboxItem)(nil)).
		Set("status = ?", model.OutboxPending).
		Set("updated_at = ?", time.Now()).
		Where("channel = ?", channel).
		Where("status = ?", model.OutboxSending).
		Where("updated_at < ?", olderThan).
		Update()
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (p *Postgres) AddReceipt(ctx context.Context, r *model.DeliveryReceipt) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := p.db.ModelContext(ctx, r).Insert()
	return err
}

func (p *Postgres) SentInApp(ctx context.Context, userId int64, limit int) ([]*model.OutboxItem, error) {
	var items []*model.OutboxItem
	err := p.db.ModelContext(ctx, &items).
		Where("channel = ?", model.ChannelInApp).
		Where("status = ?", model.OutboxSent).
		Where("audience_kind = ?", model.AudienceUser).
		Where("audience_ref = ?", strconv.FormatInt(userId, 10)).
		Order("id DESC").
		Limit(limit).
		Select()
	return items, err
}

// Devices

func (p *Postgres) TokensForUser(ctx context.Context, userId int64) ([]*model.DeviceToken, error) {
	var tokens []*model.DeviceToken
	err := p.db.ModelContext(ctx, &tokens).Where("user_id = ?", userId).Select()
	return tokens, err
}

func (p *Postgres) TokensForRole(ctx context.Context, role string) ([]*model.DeviceToken, error) {
	var tokens []*model.DeviceToken
	err := p.db.ModelContext(ctx, &tokens).
		Where("user_id IN (SELECT user_id FROM user_roles WHERE role = ?)", role).
		Select()
	return tokens, err
}

func (p *Postgres) DeleteToken(ctx context.Context, token string) error {
	_, err := p.db.ModelContext(ctx, (*model.DeviceToken)(nil)).Where("token = ?", token).Delete()
	return err
}

func (p *Postgres) RegisterToken(ctx context.Context, t *model.DeviceToken) error {
	_, err := p.db.ModelContext(ctx, t).
		OnConflict("(token) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Set("platform = EXCLUDED.platform").
		Set("last_seen = EXCLUDED.last_seen").
		Insert()
	return err
}

// Preferences

func (p *Postgres) Preference(ctx context.Context, userId int64) (*model.UserPreference, error) {
	if _, err := p.db.ModelContext(ctx, model.DefaultPreference(userId)).OnConflict("DO NOTHING").Insert(); err != nil {
		return nil, err
	}
	pref := &model.UserPreference{UserId: userId}
	if err := p.db.ModelContext(ctx, pref).WherePK().Select(); err != nil {
		return nil, notFound(err)
	}
	return pref, nil
}

func (p *Postgres) SavePreference(ctx context.Context, pref *model.UserPreference) error {
	_, err := p.db.ModelContext(ctx, pref).
		OnConflict("(user_id) DO UPDATE").
		Set("channels = EXCLUDED.channels").
		Set("bundle = EXCLUDED.bundle").
		Set("bundle_window_secs = EXCLUDED.bundle_window_secs").
		Set("quiet_enabled = EXCLUDED.quiet_enabled").
		Set("quiet_start = EXCLUDED.quiet_start").
		Set("quiet_end = EXCLUDED.quiet_end").
		Set("time_zone = EXCLUDED.time_zone").
		Set("cooldown_minutes = EXCLUDED.cooldown_minutes").
		Insert()
	return err
}
