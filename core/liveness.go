package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"miner-uptime/config"
	"miner-uptime/model"
	"miner-uptime/util"
)

var (
	onlineWords   = []string{"online", "active", "alive", "running", "mining", "up", "ok"}
	offlineWords  = []string{"offline", "unactive", "inactive", "dead", "down", "stopped", "unreachable", "expired"}
	degradedWords = []string{"degraded", "low", "warning", "unstable"}
)

// Classify maps a raw status word onto a canonical state. Unknown or empty
// signals are STALE.
func Classify(signal string) string {
	s := strings.ToLower(strings.TrimSpace(signal))
	if s == "" {
		return model.StateStale
	}
	// offline first: "inactive" contains "active"
	for _, w := range offlineWords {
		if strings.Contains(s, w) {
			return model.StateOffline
		}
	}
	for _, w := range degradedWords {
		if strings.Contains(s, w) {
			return model.StateDegraded
		}
	}
	for _, w := range onlineWords {
		if s == w || strings.HasPrefix(s, w+" ") {
			return model.StateOnline
		}
	}
	return model.StateStale
}

// notifies reports whether a transition is worth telling the owner about.
func notifies(from, to string) bool {
	return (to == model.StateOffline && from != model.StateOffline) ||
		(to == model.StateOnline && from != model.StateOnline)
}

// LivenessResult summarises one state machine pass.
type LivenessResult struct {
	Processed int
	Changed   int
	Failed    int
}

// Liveness turns coarse miner status into canonical state, events and
// owner notifications.
type Liveness struct {
	miners MinerStore
	store  LivenessStore
	outbox *Outbox

	staleAfter time.Duration
	flapWindow time.Duration
	channels   []string

	now func() time.Time
}

func NewLiveness(cfg *config.Liveness, miners MinerStore, store LivenessStore, outbox *Outbox) *Liveness {
	return &Liveness{
		miners: miners,
		store:  store,
		outbox: outbox,

		staleAfter: util.SlotDuration + util.MustParseDuration(*cfg.StaleGrace),
		flapWindow: util.MustParseDuration(*cfg.FlapWindow),
		channels:   cfg.Channels,

		now: time.Now,
	}
}

func (l *Liveness) canonical(m *model.Miner, now time.Time) string {
	if m.CheckedAt.IsZero() || now.Sub(m.CheckedAt) > l.staleAfter {
		return model.StateStale
	}
	return Classify(m.Status)
}

// Process advances one miner's state. It reports whether a transition was
// recorded by this call.
func (l *Liveness) Process(ctx context.Context, minerId int64) (bool, error) {
	m, err := l.miners.GetMiner(ctx, minerId)
	if err != nil {
		return false, err
	}
	now := l.now()
	slot := util.SlotStart(now)
	state := l.canonical(m, now)

	rec, err := l.store.GetLiveness(ctx, minerId)
	if errors.Is(err, ErrNotFound) {
		_, err = l.store.CreateLiveness(ctx, &model.LivenessState{
			MinerId:     minerId,
			State:       state,
			StableSince: now,
			LastChange:  now,
			LastSeen:    now,
			LastSignal:  m.Status,
		})
		return false, err
	}
	if err != nil {
		return false, err
	}

	if rec.State == state {
		return false, l.store.TouchLiveness(ctx, minerId, now, m.Status)
	}

	reason := fmt.Sprintf("status %q", m.Status)
	if state == model.StateStale {
		reason = "no signal since " + m.CheckedAt.UTC().Format(time.RFC3339)
	}
	if _, err := l.store.InsertEvent(ctx, &model.StateEvent{
		MinerId:   minerId,
		FromState: rec.State,
		ToState:   state,
		Slot:      slot,
		Reason:    reason,
		CreatedAt: now,
	}); err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}

	// Enqueue before swapping the record: if we die in between, the next
	// pass sees the old state again and both writes replay as no-ops.
	if notifies(rec.State, state) {
		if err := l.notify(ctx, m, rec.State, state, slot, now); err != nil {
			return false, err
		}
	}

	flaps := 0
	if now.Sub(rec.LastChange) <= l.flapWindow {
		flaps = rec.FlapCount + 1
	}
	swapped, err := l.store.SwapLiveness(ctx, &model.LivenessState{
		MinerId:     minerId,
		State:       state,
		StableSince: now,
		LastChange:  now,
		LastSeen:    now,
		LastSignal:  m.Status,
		FlapCount:   flaps,
	}, rec.State)
	if err != nil {
		return false, err
	}
	if swapped {
		log.Infof("Miner %d %s -> %s (%s)", minerId, rec.State, state, reason)
	}
	return swapped, nil
}

func (l *Liveness) notify(ctx context.Context, m *model.Miner, from, to string, slot, now time.Time) error {
	template := TemplateMinerOffline
	if to == model.StateOnline {
		template = TemplateMinerOnline
	}
	payload := util.MustMarshalString(minerPayload{
		MinerId: m.Id,
		Worker:  m.WorkerName,
		Pool:    m.Pool,
		Coin:    m.Coin,
		From:    from,
		To:      to,
		Since:   now.Unix(),
	})
	for _, ch := range l.channels {
		_, err := l.outbox.Enqueue(ctx, &model.OutboxItem{
			DedupeKey:    TransitionKey(m.Id, from, to, slot, ch),
			AudienceKind: model.AudienceUser,
			AudienceRef:  userRef(m.UserId),
			Channel:      ch,
			Template:     template,
			Payload:      payload,
			SendAfter:    now,
		})
		if err != nil {
			return fmt.Errorf("enqueue %s notification: %w", ch, err)
		}
	}
	return nil
}

// RunAll processes every miner. A failing miner is logged and skipped.
func (l *Liveness) RunAll(ctx context.Context) (*LivenessResult, error) {
	ids, err := l.miners.MinerIds(ctx)
	if err != nil {
		return nil, fmt.Errorf("load miner ids: %w", err)
	}

	res := &LivenessResult{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		changed, err := l.Process(ctx, id)
		if err != nil {
			res.Failed++
			if errors.Is(err, ErrNotFound) {
				log.Debugf("Miner %d vanished during liveness pass", id)
			} else {
				log.Errorf("Liveness for miner %d failed: %v", id, err)
			}
			continue
		}
		if changed {
			res.Changed++
		}
	}

	log.WithFields(log.Fields{
		"processed": res.Processed,
		"changed":   res.Changed,
		"failed":    res.Failed,
	}).Info("Liveness pass finished")
	return res, nil
}
