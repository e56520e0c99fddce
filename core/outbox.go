package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"miner-uptime/config"
	"miner-uptime/model"
	"miner-uptime/util"
)

// TransitionKey identifies the notification for one real-world transition.
func TransitionKey(minerId int64, from, to string, slot time.Time, channel string) string {
	return fmt.Sprintf("liveness:%d:%s:%s:%d:%s", minerId, from, to, slot.Unix(), channel)
}

func reminderPrefix(minerId int64) string {
	return fmt.Sprintf("reminder:%d:", minerId)
}

// ReminderKey buckets reminders so repeated passes inside one cooldown
// produce the same key.
func ReminderKey(minerId int64, channel string, now time.Time, cooldown time.Duration) string {
	return fmt.Sprintf("%s%s:%d", reminderPrefix(minerId), channel, now.Truncate(cooldown).Unix())
}

func userRef(userId int64) string {
	return strconv.FormatInt(userId, 10)
}

// Outbox is the producer side of the notification queue.
type Outbox struct {
	store OutboxStore
	now   func() time.Time
}

func NewOutbox(store OutboxStore) *Outbox {
	return &Outbox{store: store, now: time.Now}
}

// Enqueue stores item unless its dedupe key already exists.
func (o *Outbox) Enqueue(ctx context.Context, item *model.OutboxItem) (bool, error) {
	now := o.now()
	item.Status = model.OutboxPending
	item.Attempts = 0
	if item.SendAfter.IsZero() {
		item.SendAfter = now
	}
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Payload == "" {
		item.Payload = "{}"
	}
	return o.store.Enqueue(ctx, item)
}

// Reminders re-notifies owners of miners that stay offline.
type Reminders struct {
	miners   MinerStore
	liveness LivenessStore
	prefs    PreferenceStore
	outbox   *Outbox
	channels []string

	now func() time.Time
}

func NewReminders(cfg *config.Liveness, miners MinerStore, liveness LivenessStore, prefs PreferenceStore, outbox *Outbox) *Reminders {
	return &Reminders{
		miners:   miners,
		liveness: liveness,
		prefs:    prefs,
		outbox:   outbox,
		channels: cfg.Channels,

		now: time.Now,
	}
}

// Run enqueues reminders and returns how many items were created.
func (r *Reminders) Run(ctx context.Context) (int, error) {
	now := r.now()
	states, err := r.liveness.OfflineStates(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load offline miners: %w", err)
	}

	created := 0
	for _, st := range states {
		m, err := r.miners.GetMiner(ctx, st.MinerId)
		if err != nil {
			log.Debugf("Reminder skipped for miner %d: %v", st.MinerId, err)
			continue
		}
		pref, err := r.prefs.Preference(ctx, m.UserId)
		if err != nil {
			log.Errorf("Unable to load preferences of user %d: %v", m.UserId, err)
			continue
		}
		cooldown := time.Duration(pref.CooldownMinutes) * time.Minute
		if cooldown <= 0 || now.Sub(st.StableSince) < cooldown {
			continue
		}

		recent, err := r.outbox.store.HasRecent(ctx, reminderPrefix(m.Id), now.Add(-cooldown))
		if err != nil {
			log.Errorf("Unable to check reminders of miner %d: %v", m.Id, err)
			continue
		}
		if recent {
			continue
		}

		payload := util.MustMarshalString(minerPayload{
			MinerId: m.Id,
			Worker:  m.WorkerName,
			Pool:    m.Pool,
			Coin:    m.Coin,
			From:    model.StateOffline,
			To:      model.StateOffline,
			Since:   st.StableSince.Unix(),
		})
		for _, ch := range r.channels {
			ok, err := r.outbox.Enqueue(ctx, &model.OutboxItem{
				DedupeKey:    ReminderKey(m.Id, ch, now, cooldown),
				AudienceKind: model.AudienceUser,
				AudienceRef:  userRef(m.UserId),
				Channel:      ch,
				Template:     TemplateOfflineReminder,
				Payload:      payload,
				SendAfter:    now,
			})
			if err != nil {
				log.Errorf("Unable to enqueue reminder for miner %d: %v", m.Id, err)
				continue
			}
			if ok {
				created++
			}
		}
	}

	if created > 0 {
		log.Infof("Enqueued %d offline reminders", created)
	}
	return created, nil
}
