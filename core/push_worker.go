package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"miner-uptime/config"
	"miner-uptime/model"
	"miner-uptime/push"
	"miner-uptime/util"
)

// Receipt details for terminal outcomes that never reach the gateway.
const (
	DetailPushDisabled = "push_disabled"
	DetailNoTokens     = "no_tokens"
	DetailBadAudience  = "bad_audience"
)

// DeliveryResult summarises one delivery pass.
type DeliveryResult struct {
	Released int
	Claimed  int
	Sent     int
	Deferred int
	Retried  int
	Dead     int
	Pruned   int
}

// PushWorker drains the push channel of the outbox.
type PushWorker struct {
	store   OutboxStore
	devices DeviceStore
	prefs   PreferenceStore
	gateway push.Gateway

	batchSize   int
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	lease       time.Duration

	now func() time.Time
}

func NewPushWorker(cfg *config.Push, store OutboxStore, devices DeviceStore, prefs PreferenceStore, gateway push.Gateway) *PushWorker {
	return &PushWorker{
		store:   store,
		devices: devices,
		prefs:   prefs,
		gateway: gateway,

		batchSize:   *cfg.BatchSize,
		maxAttempts: *cfg.MaxAttempts,
		retryBase:   util.MustParseDuration(*cfg.RetryBase),
		retryMax:    util.MustParseDuration(*cfg.RetryMax),
		lease:       util.MustParseDuration(*cfg.SendingLease),

		now: time.Now,
	}
}

type audienceBatch struct {
	audience model.Audience
	items    []*model.OutboxItem
}

// Run delivers one bounded batch of due push items.
func (w *PushWorker) Run(ctx context.Context) (*DeliveryResult, error) {
	now := w.now()
	res := &DeliveryResult{}

	released, err := w.store.ReleaseStale(ctx, model.ChannelPush, now.Add(-w.lease))
	if err != nil {
		return nil, fmt.Errorf("release stale push items: %w", err)
	}
	res.Released = released

	due, err := w.store.DuePending(ctx, model.ChannelPush, now, w.batchSize)
	if err != nil {
		return nil, fmt.Errorf("load due push items: %w", err)
	}

	var batches []*audienceBatch
	index := make(map[model.Audience]*audienceBatch)
	for _, it := range due {
		ok, err := w.store.SwapStatus(ctx, it.Id, model.OutboxPending, model.OutboxSending, OutboxUpdate{})
		if err != nil {
			log.Errorf("Unable to claim outbox item %d: %v", it.Id, err)
			continue
		}
		if !ok {
			// another worker took it
			continue
		}
		it.Status = model.OutboxSending
		res.Claimed++

		aud := it.Audience()
		b, found := index[aud]
		if !found {
			b = &audienceBatch{audience: aud}
			index[aud] = b
			batches = append(batches, b)
		}
		b.items = append(b.items, it)
	}

	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		w.deliverAudience(ctx, b, now, res)
	}

	if res.Claimed > 0 || res.Released > 0 {
		log.WithFields(log.Fields{
			"claimed":  res.Claimed,
			"sent":     res.Sent,
			"deferred": res.Deferred,
			"retried":  res.Retried,
			"dead":     res.Dead,
			"pruned":   res.Pruned,
			"released": res.Released,
		}).Info("Push pass finished")
	}
	return res, ctx.Err()
}

func (w *PushWorker) deliverAudience(ctx context.Context, b *audienceBatch, now time.Time, res *DeliveryResult) {
	var (
		pref   *model.UserPreference
		tokens []*model.DeviceToken
		err    error
	)

	switch b.audience.Kind {
	case model.AudienceUser:
		uid, perr := strconv.ParseInt(b.audience.Ref, 10, 64)
		if perr != nil {
			w.finish(ctx, b.items, model.OutboxDead, false, DetailBadAudience, res)
			return
		}
		pref, err = w.prefs.Preference(ctx, uid)
		if err != nil {
			log.Errorf("Unable to load preferences of user %d: %v", uid, err)
			w.fail(ctx, b.items, "preferences: "+err.Error(), now, res)
			return
		}
		if !pref.HasChannel(model.ChannelPush) {
			w.finish(ctx, b.items, model.OutboxDead, false, DetailPushDisabled, res)
			return
		}
		if until, quiet := QuietUntil(pref, now); quiet {
			w.postpone(ctx, b, until, res)
			return
		}
		tokens, err = w.devices.TokensForUser(ctx, uid)
	case model.AudienceRole:
		pref = model.DefaultPreference(0)
		tokens, err = w.devices.TokensForRole(ctx, b.audience.Ref)
	default:
		w.finish(ctx, b.items, model.OutboxDead, false, DetailBadAudience, res)
		return
	}
	if err != nil {
		log.Errorf("Unable to load device tokens for %s %s: %v", b.audience.Kind, b.audience.Ref, err)
		w.fail(ctx, b.items, "tokens: "+err.Error(), now, res)
		return
	}
	if len(tokens) == 0 {
		w.finish(ctx, b.items, model.OutboxDead, false, DetailNoTokens, res)
		return
	}

	var window time.Duration
	if pref.Bundle {
		window = time.Duration(pref.BundleWindowSecs) * time.Second
	}
	for _, bundle := range Bundle(b.items, window) {
		w.deliverBundle(ctx, bundle, tokens, now, res)
	}
}

// postpone puts claimed items back with send_after at the end of quiet hours
// and pushes back anything else pending for the same audience.
func (w *PushWorker) postpone(ctx context.Context, b *audienceBatch, until time.Time, res *DeliveryResult) {
	for _, it := range b.items {
		ok, err := w.store.SwapStatus(ctx, it.Id, model.OutboxSending, model.OutboxPending, OutboxUpdate{SendAfter: &until})
		if err != nil {
			log.Errorf("Unable to defer outbox item %d: %v", it.Id, err)
			continue
		}
		if ok {
			res.Deferred++
		}
	}
	if n, err := w.store.DeferAudience(ctx, model.ChannelPush, b.audience, until); err != nil {
		log.Errorf("Unable to defer pending items of %s %s: %v", b.audience.Kind, b.audience.Ref, err)
	} else if n > 0 {
		res.Deferred += n
	}
	log.Debugf("Quiet hours for %s %s, deferred until %s", b.audience.Kind, b.audience.Ref, until.Format(time.RFC3339))
}

func (w *PushWorker) deliverBundle(ctx context.Context, bundle []*model.OutboxItem, tokens []*model.DeviceToken, now time.Time, res *DeliveryResult) {
	title, body := RenderBundle(bundle, now)
	ids := make([]int64, len(bundle))
	for i, it := range bundle {
		ids[i] = it.Id
	}
	data := map[string]interface{}{
		"message_id": uuid.NewString(),
		"outbox_ids": ids,
		"template":   bundle[0].Template,
	}

	msgs := make([]push.Message, len(tokens))
	for i, t := range tokens {
		msgs[i] = push.Message{To: t.Token, Title: title, Body: body, Data: data, Sound: "default"}
	}

	size := w.gateway.MaxBatch()
	if size <= 0 {
		size = len(msgs)
	}
	delivered := 0
	var lastErr string
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[start:end]
		tickets, err := w.gateway.Send(ctx, chunk)
		if err != nil {
			log.Warnf("Push gateway failed for %d messages: %v", len(chunk), err)
			lastErr = err.Error()
			continue
		}
		for i, t := range tickets {
			if i >= len(chunk) {
				break
			}
			if t.OK() {
				delivered++
				continue
			}
			lastErr = t.ErrorCode
			if lastErr == "" {
				lastErr = t.Message
			}
			if t.InvalidToken() {
				if err := w.devices.DeleteToken(ctx, chunk[i].To); err != nil {
					log.Errorf("Unable to prune device token: %v", err)
				} else {
					res.Pruned++
				}
			}
		}
	}

	if delivered > 0 {
		w.finish(ctx, bundle, model.OutboxSent, true, fmt.Sprintf("delivered to %d/%d devices", delivered, len(msgs)), res)
		return
	}
	w.fail(ctx, bundle, lastErr, now, res)
}

// fail counts an attempt against every item, retrying with backoff until
// the attempt ceiling turns them dead.
func (w *PushWorker) fail(ctx context.Context, items []*model.OutboxItem, detail string, now time.Time, res *DeliveryResult) {
	for _, it := range items {
		attempts := it.Attempts + 1
		if attempts >= w.maxAttempts {
			ok, err := w.store.SwapStatus(ctx, it.Id, model.OutboxSending, model.OutboxDead, OutboxUpdate{Attempts: &attempts})
			if err != nil {
				log.Errorf("Unable to dead-letter outbox item %d: %v", it.Id, err)
				continue
			}
			if ok {
				it.Attempts, it.Status = attempts, model.OutboxDead
				res.Dead++
				w.receipt(ctx, it, false, fmt.Sprintf("gave up after %d attempts: %s", attempts, detail))
			}
			continue
		}

		next := now.Add(util.Backoff(w.retryBase, w.retryMax, attempts, false))
		ok, err := w.store.SwapStatus(ctx, it.Id, model.OutboxSending, model.OutboxPending, OutboxUpdate{Attempts: &attempts, SendAfter: &next})
		if err != nil {
			log.Errorf("Unable to reschedule outbox item %d: %v", it.Id, err)
			continue
		}
		if ok {
			it.Attempts, it.Status, it.SendAfter = attempts, model.OutboxPending, next
			res.Retried++
		}
	}
}

func (w *PushWorker) finish(ctx context.Context, items []*model.OutboxItem, status string, success bool, detail string, res *DeliveryResult) {
	for _, it := range items {
		ok, err := w.store.SwapStatus(ctx, it.Id, model.OutboxSending, status, OutboxUpdate{})
		if err != nil {
			log.Errorf("Unable to mark outbox item %d %s: %v", it.Id, status, err)
			continue
		}
		if !ok {
			continue
		}
		it.Status = status
		if status == model.OutboxSent {
			res.Sent++
		} else {
			res.Dead++
		}
		w.receipt(ctx, it, success, detail)
	}
}

func (w *PushWorker) receipt(ctx context.Context, it *model.OutboxItem, success bool, detail string) {
	if err := w.store.AddReceipt(ctx, &model.DeliveryReceipt{OutboxId: it.Id, Success: success, Detail: detail, CreatedAt: w.now()}); err != nil {
		log.Errorf("Unable to write receipt for outbox item %d: %v", it.Id, err)
	}
}

// Bundle splits items into bundles. A bundle starts at its first item and
// takes every following item no more than window after it. A zero window
// yields one bundle per item.
func Bundle(items []*model.OutboxItem, window time.Duration) [][]*model.OutboxItem {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]*model.OutboxItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SendAfter.Before(sorted[j].SendAfter)
	})

	var out [][]*model.OutboxItem
	var cur []*model.OutboxItem
	for _, it := range sorted {
		if len(cur) > 0 && (window <= 0 || it.SendAfter.Sub(cur[0].SendAfter) > window) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, it)
	}
	return append(out, cur)
}
