package core

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"miner-uptime/model"
	"miner-uptime/pool"
)

func init() {
	log.SetOutput(io.Discard)
}

// memStore mirrors the conditional-update semantics of Postgres in memory.
type memStore struct {
	mu sync.Mutex

	miners   map[int64]*model.Miner
	liveness map[int64]*model.LivenessState
	events   []*model.StateEvent
	outbox   []*model.OutboxItem
	receipts []*model.DeliveryReceipt
	tokens   map[string]*model.DeviceToken
	roles    []*model.UserRole
	prefs    map[int64]*model.UserPreference

	nextId int64
}

func newMemStore() *memStore {
	return &memStore{
		miners:   make(map[int64]*model.Miner),
		liveness: make(map[int64]*model.LivenessState),
		tokens:   make(map[string]*model.DeviceToken),
		prefs:    make(map[int64]*model.UserPreference),
	}
}

func (s *memStore) id() int64 {
	s.nextId++
	return s.nextId
}

func (s *memStore) addMiner(m *model.Miner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.miners[m.Id] = &c
}

func (s *memStore) miner(id int64) model.Miner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.miners[id]
}

func (s *memStore) itemsByChannel(channel string) []model.OutboxItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxItem
	for _, it := range s.outbox {
		if it.Channel == channel {
			out = append(out, *it)
		}
	}
	return out
}

func (s *memStore) receiptsFor(id int64) []model.DeliveryReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryReceipt
	for _, r := range s.receipts {
		if r.OutboxId == id {
			out = append(out, *r)
		}
	}
	return out
}

// Miners

func (s *memStore) PollableMiners(ctx context.Context, p string) ([]*model.Miner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Miner
	for _, m := range s.miners {
		if m.Pool == p && m.ApiKey != "" && m.WorkerName != "" {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (s *memStore) MinerIds(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := range s.miners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) GetMiner(ctx context.Context, id int64) (*model.Miner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.miners[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *memStore) SetMinerStatus(ctx context.Context, id int64, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.miners[id]
	if !ok || m.Status == status {
		return false, nil
	}
	m.Status = status
	return true, nil
}

func (s *memStore) CreditUptime(ctx context.Context, id int64, slot time.Time, hours float64, seen time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.miners[id]
	if !ok || !m.UptimeSlot.Before(slot) {
		return false, nil
	}
	m.UptimeHours += hours
	m.UptimeSlot = slot
	m.LastOnlineAt = seen
	return true, nil
}

func (s *memStore) MarkChecked(ctx context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.miners[id]; ok {
			m.CheckedAt = at
		}
	}
	return nil
}

// Liveness

func (s *memStore) GetLiveness(ctx context.Context, minerId int64) (*model.LivenessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveness[minerId]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (s *memStore) CreateLiveness(ctx context.Context, rec *model.LivenessState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveness[rec.MinerId]; ok {
		return false, nil
	}
	c := *rec
	s.liveness[rec.MinerId] = &c
	return true, nil
}

func (s *memStore) TouchLiveness(ctx context.Context, minerId int64, seen time.Time, signal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.liveness[minerId]; ok {
		rec.LastSeen = seen
		rec.LastSignal = signal
	}
	return nil
}

func (s *memStore) SwapLiveness(ctx context.Context, next *model.LivenessState, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveness[next.MinerId]
	if !ok || rec.State != expect {
		return false, nil
	}
	c := *next
	s.liveness[next.MinerId] = &c
	return true, nil
}

func (s *memStore) InsertEvent(ctx context.Context, ev *model.StateEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.MinerId == ev.MinerId && e.Slot.Equal(ev.Slot) && e.FromState == ev.FromState && e.ToState == ev.ToState {
			return false, nil
		}
	}
	c := *ev
	c.Id = s.id()
	s.events = append(s.events, &c)
	return true, nil
}

func (s *memStore) OfflineStates(ctx context.Context, stableBefore time.Time) ([]*model.LivenessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.LivenessState
	for _, rec := range s.liveness {
		if rec.State == model.StateOffline && !rec.StableSince.After(stableBefore) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinerId < out[j].MinerId })
	return out, nil
}

// Outbox

func (s *memStore) Enqueue(ctx context.Context, item *model.OutboxItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.outbox {
		if it.DedupeKey == item.DedupeKey {
			return false, nil
		}
	}
	c := *item
	c.Id = s.id()
	item.Id = c.Id
	s.outbox = append(s.outbox, &c)
	return true, nil
}

func (s *memStore) HasRecent(ctx context.Context, keyPrefix string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.outbox {
		if strings.HasPrefix(it.DedupeKey, keyPrefix) && it.Status != model.OutboxDead && !it.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) DuePending(ctx context.Context, channel string, now time.Time, limit int) ([]*model.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.OutboxItem
	for _, it := range s.outbox {
		if it.Channel == channel && it.Status == model.OutboxPending && !it.SendAfter.After(now) {
			c := *it
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SendAfter.Before(out[j].SendAfter) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SwapStatus(ctx context.Context, id int64, from, to string, upd OutboxUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.outbox {
		if it.Id != id {
			continue
		}
		if it.Status != from {
			return false, nil
		}
		it.Status = to
		if upd.Attempts != nil {
			it.Attempts = *upd.Attempts
		}
		if upd.SendAfter != nil {
			it.SendAfter = *upd.SendAfter
		}
		return true, nil
	}
	return false, nil
}

func (s *memStore) DeferAudience(ctx context.Context, channel string, aud model.Audience, until time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.outbox {
		if it.Channel == channel && it.Status == model.OutboxPending && it.Audience() == aud && it.SendAfter.Before(until) {
			it.SendAfter = until
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReleaseStale(ctx context.Context, channel string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.outbox {
		if it.Channel == channel && it.Status == model.OutboxSending && it.UpdatedAt.Before(olderThan) {
			it.Status = model.OutboxPending
			n++
		}
	}
	return n, nil
}

func (s *memStore) AddReceipt(ctx context.Context, r *model.DeliveryReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	c.Id = s.id()
	s.receipts = append(s.receipts, &c)
	return nil
}

func (s *memStore) SentInApp(ctx context.Context, userId int64, limit int) ([]*model.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := strconv.FormatInt(userId, 10)
	var out []*model.OutboxItem
	for i := len(s.outbox) - 1; i >= 0 && len(out) < limit; i-- {
		it := s.outbox[i]
		if it.Channel == model.ChannelInApp && it.Status == model.OutboxSent && it.AudienceKind == model.AudienceUser && it.AudienceRef == ref {
			c := *it
			out = append(out, &c)
		}
	}
	return out, nil
}

// Devices

func (s *memStore) TokensForUser(ctx context.Context, userId int64) ([]*model.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.DeviceToken
	for _, t := range s.tokens {
		if t.UserId == userId {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *memStore) TokensForRole(ctx context.Context, role string) ([]*model.DeviceToken, error) {
	s.mu.Lock()
	users := make(map[int64]bool)
	for _, r := range s.roles {
		if r.Role == role {
			users[r.UserId] = true
		}
	}
	s.mu.Unlock()

	var out []*model.DeviceToken
	for uid := range users {
		tokens, _ := s.TokensForUser(ctx, uid)
		out = append(out, tokens...)
	}
	return out, nil
}

func (s *memStore) DeleteToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

func (s *memStore) RegisterToken(ctx context.Context, t *model.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tokens[t.Token] = &c
	return nil
}

// Preferences

func (s *memStore) Preference(ctx context.Context, userId int64) (*model.UserPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userId]
	if !ok {
		p = model.DefaultPreference(userId)
		s.prefs[userId] = p
	}
	c := *p
	return &c, nil
}

func (s *memStore) SavePreference(ctx context.Context, p *model.UserPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.prefs[p.UserId] = &c
	return nil
}

// memLocker is a set-if-absent lock without expiry.
type memLocker struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{keys: make(map[string]bool)}
}

func (l *memLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keys[key] {
		return false, nil
	}
	l.keys[key] = true
	return true, nil
}

func (l *memLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
	return nil
}

func (l *memLocker) held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keys[key]
}

// flakyMiners fails the first loads of pollable miners.
type flakyMiners struct {
	*memStore
	failures int
}

func (f *flakyMiners) PollableMiners(ctx context.Context, p string) ([]*model.Miner, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("db: connection reset")
	}
	return f.memStore.PollableMiners(ctx, p)
}

// exactMatcher folds case and trims invisible characters, nothing more.
type exactMatcher struct{}

func (exactMatcher) Keys(name string) []string {
	return []string{strings.ToLower(pool.CleanName(name))}
}

// fakeAdapter answers polls from a callback and counts calls.
type fakeAdapter struct {
	name  string
	scope pool.Scope

	mu    sync.Mutex
	calls []pool.Credentials
	poll  func(creds pool.Credentials, coin string, workers []string) ([]pool.WorkerSignal, error)
}

func (a *fakeAdapter) Name() string              { return a.name }
func (a *fakeAdapter) Scope() pool.Scope         { return a.scope }
func (a *fakeAdapter) Matcher() pool.NameMatcher { return exactMatcher{} }

func (a *fakeAdapter) Poll(ctx context.Context, creds pool.Credentials, coin string, workers []string) ([]pool.WorkerSignal, error) {
	a.mu.Lock()
	a.calls = append(a.calls, creds)
	a.mu.Unlock()
	return a.poll(creds, coin, workers)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// clock is a settable time source for components under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (s *memStore) updateMiner(id int64, fn func(m *model.Miner)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.miners[id])
}

func (s *memStore) state(id int64) model.LivenessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.liveness[id]
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) outboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}
