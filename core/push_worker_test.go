package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"miner-uptime/config"
	"miner-uptime/model"
	"miner-uptime/push"
	"miner-uptime/util"
)

type fakeGateway struct {
	max int

	mu      sync.Mutex
	calls   [][]push.Message
	respond func(call int, msgs []push.Message) ([]push.Ticket, error)
}

func (g *fakeGateway) MaxBatch() int { return g.max }

func (g *fakeGateway) Send(ctx context.Context, msgs []push.Message) ([]push.Ticket, error) {
	g.mu.Lock()
	g.calls = append(g.calls, msgs)
	n := len(g.calls)
	g.mu.Unlock()
	if g.respond == nil {
		return okTickets(len(msgs)), nil
	}
	return g.respond(n, msgs)
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func okTickets(n int) []push.Ticket {
	out := make([]push.Ticket, n)
	for i := range out {
		out[i] = push.Ticket{Status: push.StatusOK}
	}
	return out
}

func testPushWorker(store *memStore, gw push.Gateway, clk *clock) *PushWorker {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	w := NewPushWorker(cfg.Push, store, store, store, gw)
	w.now = clk.Now
	return w
}

func pushItem(t *testing.T, store *memStore, key, ref string, sendAfter time.Time) int64 {
	t.Helper()
	item := &model.OutboxItem{
		DedupeKey:    key,
		AudienceKind: model.AudienceUser,
		AudienceRef:  ref,
		Channel:      model.ChannelPush,
		Template:     TemplateMinerOffline,
		Payload:      util.MustMarshalString(minerPayload{MinerId: 1, Worker: key, Pool: "viabtc"}),
		SendAfter:    sendAfter,
	}
	o := NewOutbox(store)
	o.now = func() time.Time { return testStart }
	if _, err := o.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return item.Id
}

func outboxItem(store *memStore, id int64) model.OutboxItem {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, it := range store.outbox {
		if it.Id == id {
			return *it
		}
	}
	return model.OutboxItem{}
}

func registerToken(store *memStore, token string, user int64) {
	store.RegisterToken(context.Background(), &model.DeviceToken{Token: token, UserId: user, Platform: "ios"})
}

func TestPushBundlesWithinWindow(t *testing.T) {
	store := newMemStore()
	clk := newClock(testStart)
	registerToken(store, "tok", 7)
	var ids []int64
	for i, key := range []string{"rig01", "rig02", "rig03"} {
		ids = append(ids, pushItem(t, store, key, "7", testStart.Add(time.Duration(i)*10*time.Second)))
	}
	clk.Advance(time.Minute)
	gw := &fakeGateway{max: 100}

	res, err := testPushWorker(store, gw, clk).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.callCount() != 1 || len(gw.calls[0]) != 1 {
		t.Fatalf("gateway calls = %v, want one message", gw.calls)
	}
	msg := gw.calls[0][0]
	if msg.Title != "3 miner updates" || strings.Count(msg.Body, "\n") != 2 {
		t.Fatalf("message = %+v", msg)
	}
	if res.Sent != 3 {
		t.Fatalf("sent = %d, want 3", res.Sent)
	}
	for _, id := range ids {
		if st := outboxItem(store, id).Status; st != model.OutboxSent {
			t.Fatalf("item %d status = %s", id, st)
		}
		if r := store.receiptsFor(id); len(r) != 1 || !r[0].Success {
			t.Fatalf("item %d receipts = %+v", id, r)
		}
	}
}

func TestBundleSlidingWindow(t *testing.T) {
	at := func(sec int) *model.OutboxItem {
		return &model.OutboxItem{Id: int64(sec), SendAfter: testStart.Add(time.Duration(sec) * time.Second)}
	}
	items := []*model.OutboxItem{at(350), at(0), at(100), at(170), at(200)}

	tests := []struct {
		name   string
		window time.Duration
		want   []int
	}{
		{"window", 180 * time.Second, []int{3, 2}},
		{"no bundling", 0, []int{1, 1, 1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bundle(items, tt.window)
			if len(got) != len(tt.want) {
				t.Fatalf("bundles = %d, want %d", len(got), len(tt.want))
			}
			for i, b := range got {
				if len(b) != tt.want[i] {
					t.Fatalf("bundle %d size = %d, want %d", i, len(b), tt.want[i])
				}
			}
		})
	}
}

func TestPushRetriesThenDeadLetters(t *testing.T) {
	store := newMemStore()
	clk := newClock(testStart)
	registerToken(store, "tok", 7)
	id := pushItem(t, store, "rig01", "7", testStart)
	gw := &fakeGateway{max: 100, respond: func(int, []push.Message) ([]push.Ticket, error) {
		return nil, errors.New("gateway down")
	}}
	w := testPushWorker(store, gw, clk)

	for attempt := 1; attempt <= 5; attempt++ {
		if _, err := w.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		it := outboxItem(store, id)
		if it.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", it.Attempts, attempt)
		}
		if attempt == 1 && !it.SendAfter.Equal(clk.Now().Add(30*time.Second)) {
			t.Fatalf("first retry at %v", it.SendAfter)
		}
		if attempt < 5 && it.Status != model.OutboxPending {
			t.Fatalf("attempt %d status = %s", attempt, it.Status)
		}
		clk.Advance(time.Hour)
	}

	it := outboxItem(store, id)
	if it.Status != model.OutboxDead {
		t.Fatalf("status = %s, want dead", it.Status)
	}
	r := store.receiptsFor(id)
	if len(r) != 1 || r[0].Success {
		t.Fatalf("receipts = %+v", r)
	}
	if gw.callCount() != 5 {
		t.Fatalf("gateway calls = %d", gw.callCount())
	}
}

func TestPushSucceedsOnFifthAttempt(t *testing.T) {
	store := newMemStore()
	clk := newClock(testStart)
	registerToken(store, "tok", 7)
	id := pushItem(t, store, "rig01", "7", testStart)
	gw := &fakeGateway{max: 100, respond: func(call int, msgs []push.Message) ([]push.Ticket, error) {
		if call <= 4 {
			return nil, errors.New("gateway down")
		}
		return okTickets(len(msgs)), nil
	}}
	w := testPushWorker(store, gw, clk)

	for i := 0; i < 5; i++ {
		if _, err := w.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		clk.Advance(time.Hour)
	}
	it := outboxItem(store, id)
	if it.Status != model.OutboxSent || it.Attempts != 4 {
		t.Fatalf("item = %+v", it)
	}
	if r := store.receiptsFor(id); len(r) != 1 || !r[0].Success {
		t.Fatalf("receipts = %+v", r)
	}
}

func TestPushTerminalWithoutGateway(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(store *memStore)
		detail string
	}{
		{
			name:   "no tokens",
			setup:  func(store *memStore) {},
			detail: DetailNoTokens,
		},
		{
			name: "push disabled",
			setup: func(store *memStore) {
				registerToken(store, "tok", 7)
				p := model.DefaultPreference(7)
				p.Channels = []string{model.ChannelInApp}
				store.SavePreference(context.Background(), p)
			},
			detail: DetailPushDisabled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			clk := newClock(testStart)
			tt.setup(store)
			id := pushItem(t, store, "rig01", "7", testStart)
			gw := &fakeGateway{max: 100}

			if _, err := testPushWorker(store, gw, clk).Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if gw.callCount() != 0 {
				t.Fatalf("gateway called %d times", gw.callCount())
			}
			if st := outboxItem(store, id).Status; st != model.OutboxDead {
				t.Fatalf("status = %s, want dead", st)
			}
			r := store.receiptsFor(id)
			if len(r) != 1 || r[0].Success || r[0].Detail != tt.detail {
				t.Fatalf("receipts = %+v", r)
			}
		})
	}
}

func TestPushPrunesInvalidTokens(t *testing.T) {
	store := newMemStore()
	clk := newClock(testStart)
	registerToken(store, "gone", 7)
	registerToken(store, "live", 7)
	id := pushItem(t, store, "rig01", "7", testStart)
	gw := &fakeGateway{max: 100, respond: func(call int, msgs []push.Message) ([]push.Ticket, error) {
		out := okTickets(len(msgs))
		for i, m := range msgs {
			if m.To == "gone" {
				out[i] = push.Ticket{Status: push.StatusError, ErrorCode: push.ErrorDeviceNotRegistered}
			}
		}
		return out, nil
	}}

	res, err := testPushWorker(store, gw, clk).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Pruned != 1 {
		t.Fatalf("pruned = %d", res.Pruned)
	}
	if _, ok := store.tokens["gone"]; ok {
		t.Fatal("invalid token kept")
	}
	if _, ok := store.tokens["live"]; !ok {
		t.Fatal("valid token deleted")
	}
	if st := outboxItem(store, id).Status; st != model.OutboxSent {
		t.Fatalf("status = %s, partial success should count as sent", st)
	}
}

func TestPushDefersDuringQuietHours(t *testing.T) {
	store := newMemStore()
	night := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	clk := newClock(night)
	registerToken(store, "tok", 7)
	p := model.DefaultPreference(7)
	p.QuietEnabled, p.QuietStart, p.QuietEnd = true, "22:00", "07:00"
	store.SavePreference(context.Background(), p)

	due := pushItem(t, store, "rig01", "7", night.Add(-time.Minute))
	later := pushItem(t, store, "rig02", "7", night.Add(30*time.Minute))
	gw := &fakeGateway{max: 100}

	res, err := testPushWorker(store, gw, clk).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatal("sent during quiet hours")
	}
	morning := time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC)
	for _, id := range []int64{due, later} {
		it := outboxItem(store, id)
		if it.Status != model.OutboxPending || !it.SendAfter.Equal(morning) || it.Attempts != 0 {
			t.Fatalf("item %d = %+v", id, it)
		}
		if len(store.receiptsFor(id)) != 0 {
			t.Fatalf("item %d has receipts", id)
		}
	}
	if res.Deferred != 2 {
		t.Fatalf("deferred = %d, want 2", res.Deferred)
	}
}

func TestPushBatchesToGatewayMax(t *testing.T) {
	store := newMemStore()
	clk := newClock(testStart)
	for _, tok := range []string{"a", "b", "c", "d", "e"} {
		registerToken(store, tok, 7)
	}
	pushItem(t, store, "rig01", "7", testStart)
	gw := &fakeGateway{max: 2}

	if _, err := testPushWorker(store, gw, clk).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.callCount() != 3 {
		t.Fatalf("gateway calls = %d, want 3", gw.callCount())
	}
	for _, c := range gw.calls {
		if len(c) > 2 {
			t.Fatalf("batch of %d exceeds max", len(c))
		}
	}
}

func TestPushRoleAudience(t *testing.T) {
	store := newMemStore()
	clk := newClock(testStart)
	registerToken(store, "ops1", 1)
	registerToken(store, "ops2", 2)
	registerToken(store, "user", 3)
	store.roles = []*model.UserRole{{UserId: 1, Role: "ops"}, {UserId: 2, Role: "ops"}}
	item := &model.OutboxItem{
		DedupeKey:    "broadcast:1",
		AudienceKind: model.AudienceRole,
		AudienceRef:  "ops",
		Channel:      model.ChannelPush,
		Template:     TemplateMinerOffline,
		Payload:      "{}",
		SendAfter:    testStart,
	}
	NewOutbox(store).Enqueue(context.Background(), item)
	gw := &fakeGateway{max: 100}

	if _, err := testPushWorker(store, gw, clk).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.callCount() != 1 || len(gw.calls[0]) != 2 {
		t.Fatalf("calls = %v", gw.calls)
	}
	if st := outboxItem(store, item.Id).Status; st != model.OutboxSent {
		t.Fatalf("status = %s", st)
	}
}

func TestPushReleasesStaleClaims(t *testing.T) {
	store := newMemStore()
	clk := newClock(testStart)
	registerToken(store, "tok", 7)
	id := pushItem(t, store, "rig01", "7", testStart)
	store.mu.Lock()
	store.outbox[0].Status = model.OutboxSending
	store.mu.Unlock()
	w := testPushWorker(store, &fakeGateway{max: 100}, clk)

	// still inside the lease: left alone
	if res, _ := w.Run(context.Background()); res.Claimed != 0 {
		t.Fatalf("claimed = %d inside lease", res.Claimed)
	}
	clk.Advance(11 * time.Minute)
	res, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Released != 1 || res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}
	if st := outboxItem(store, id).Status; st != model.OutboxSent {
		t.Fatalf("status = %s", st)
	}
}
