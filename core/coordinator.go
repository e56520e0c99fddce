package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
	log "github.com/sirupsen/logrus"

	"miner-uptime/config"
	"miner-uptime/model"
	"miner-uptime/pool"
	"miner-uptime/util"
)

// Policy is the per-pool answer to "what does silence mean".
type Policy struct {
	// MissingAsOffline treats a requested worker absent from the pool's
	// answer as offline; otherwise it is left untouched for the slot.
	MissingAsOffline bool
	// OfflineGrace keeps a miner online while its last online sighting is
	// younger than this.
	OfflineGrace time.Duration
}

// PollResult summarises one slot pass for one pool.
type PollResult struct {
	Pool     string
	Slot     time.Time
	Skipped  bool
	Miners   int
	Groups   int
	Failed   int
	Online   int
	Credited int
	Changed  int
}

// Coordinator runs the slot pass for one pool.
type Coordinator struct {
	adapter pool.Adapter
	policy  Policy

	miners MinerStore
	locker Locker

	keyPrefix   string
	lockTtl     time.Duration
	concurrency int

	now func() time.Time
}

func NewCoordinator(poller *config.Poller, cfg *config.Pool, keyPrefix string, adapter pool.Adapter, miners MinerStore, locker Locker) *Coordinator {
	lockTtl := util.MustParseDuration(*poller.LockTtl)
	if lockTtl <= util.SlotDuration {
		log.Fatalf("Poller lockTtl must exceed the %v slot, got %v", util.SlotDuration, lockTtl)
	}

	return &Coordinator{
		adapter: adapter,
		policy: Policy{
			MissingAsOffline: *cfg.MissingAsOffline,
			OfflineGrace:     util.MustParseDuration(*cfg.OfflineGrace),
		},

		miners: miners,
		locker: locker,

		keyPrefix:   keyPrefix,
		lockTtl:     lockTtl,
		concurrency: *poller.Concurrency,

		now: time.Now,
	}
}

type minerGroup struct {
	creds pool.Credentials
	coin  string
	items []*model.Miner
}

// creditSet remembers miners credited during this pass. The store guard
// is what makes crediting exactly-once; this only saves round trips.
type creditSet struct {
	mu   sync.Mutex
	seen map[int64]struct{}
}

func (s *creditSet) add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// LockKey is the shared-store key guarding one pool for one slot.
func (c *Coordinator) LockKey(slot time.Time) string {
	return strings.Join([]string{c.keyPrefix, "poll", c.adapter.Name(), strconv.FormatInt(slot.Unix(), 10)}, Separator)
}

// RunSlot processes the current slot unless another instance already did.
func (c *Coordinator) RunSlot(ctx context.Context) (*PollResult, error) {
	now := c.now()
	slot := util.SlotStart(now)
	res := &PollResult{Pool: c.adapter.Name(), Slot: slot}

	key := c.LockKey(slot)
	ok, err := c.locker.Acquire(ctx, key, c.lockTtl)
	if err != nil {
		return nil, fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		log.Debugf("Slot %v for %s already taken", slot.Format(time.RFC3339), res.Pool)
		res.Skipped = true
		return res, nil
	}

	miners, err := c.miners.PollableMiners(ctx, res.Pool)
	if err != nil {
		// nothing was polled; let this or another instance retry the slot
		if rerr := c.locker.Release(ctx, key); rerr != nil {
			log.Errorf("Unable to release slot lock %s: %v", key, rerr)
		}
		return nil, fmt.Errorf("load miners: %w", err)
	}
	groups := c.group(miners)
	res.Miners = len(miners)
	res.Groups = len(groups)

	credited := &creditSet{seen: make(map[int64]struct{})}
	var mu sync.Mutex
	swg := sizedwaitgroup.New(c.concurrency)
	for _, g := range groups {
		swg.Add()
		go func(g *minerGroup) {
			defer swg.Done()
			part := c.pollGroup(ctx, slot, now, g, credited)

			mu.Lock()
			res.Failed += part.Failed
			res.Online += part.Online
			res.Credited += part.Credited
			res.Changed += part.Changed
			mu.Unlock()
		}(g)
	}
	swg.Wait()

	log.WithFields(log.Fields{
		"pool":     res.Pool,
		"slot":     slot.Format(time.RFC3339),
		"miners":   res.Miners,
		"groups":   res.Groups,
		"failed":   res.Failed,
		"online":   res.Online,
		"credited": res.Credited,
		"changed":  res.Changed,
	}).Info("Poll slot finished")
	return res, nil
}

// group partitions miners so one API call answers for each group.
func (c *Coordinator) group(miners []*model.Miner) []*minerGroup {
	scope := c.adapter.Scope()
	index := make(map[string]*minerGroup)
	var groups []*minerGroup

	for _, m := range miners {
		if !m.HasCredentials() || !util.IsValidWorkerName(pool.CleanName(m.WorkerName)) {
			log.Warnf("Skipping miner %d: malformed worker name %q", m.Id, m.WorkerName)
			continue
		}
		creds := pool.Credentials{ApiKey: m.ApiKey, ApiSecret: m.ApiSecret}
		key := m.ApiKey + "\x00" + m.ApiSecret
		if scope.Account {
			creds.Account = m.Account
			key += "\x00" + m.Account
		}
		if scope.Coin {
			key += "\x00" + m.Coin
		}

		g, ok := index[key]
		if !ok {
			g = &minerGroup{creds: creds, coin: m.Coin}
			index[key] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, m)
	}
	return groups
}

func (c *Coordinator) pollGroup(ctx context.Context, slot, now time.Time, g *minerGroup, credited *creditSet) PollResult {
	var part PollResult

	names := make([]string, 0, len(g.items))
	for _, m := range g.items {
		names = append(names, m.WorkerName)
	}

	signals, err := c.adapter.Poll(ctx, g.creds, g.coin, names)
	if err != nil {
		log.Errorf("Poll %s for %d miners failed, skipping group: %v", c.adapter.Name(), len(g.items), err)
		part.Failed++
		return part
	}
	matched := pool.Reconcile(c.adapter.Matcher(), names, signals)

	checked := make([]int64, 0, len(g.items))
	for _, m := range g.items {
		signal := matched[m.WorkerName]
		if signal == nil && !c.policy.MissingAsOffline {
			continue
		}
		checked = append(checked, m.Id)

		target := model.MinerStatusOffline
		if signal != nil && signal.Online {
			target = model.MinerStatusOnline
			part.Online++
			if credited.add(m.Id) {
				ok, err := c.miners.CreditUptime(ctx, m.Id, slot, util.SlotHours(), now)
				if err != nil {
					log.Errorf("Unable to credit uptime for miner %d: %v", m.Id, err)
				} else if ok {
					part.Credited++
				}
			}
		} else if c.policy.OfflineGrace > 0 && !m.LastOnlineAt.IsZero() && now.Sub(m.LastOnlineAt) < c.policy.OfflineGrace {
			continue
		}

		changed, err := c.miners.SetMinerStatus(ctx, m.Id, target)
		if err != nil {
			log.Errorf("Unable to set status of miner %d: %v", m.Id, err)
			continue
		}
		if changed {
			part.Changed++
		}
	}

	// Stamped with the slot end so staleness counts from the slot, not from
	// how long this pass happened to take.
	if err := c.miners.MarkChecked(ctx, checked, slot.Add(util.SlotDuration)); err != nil {
		log.Errorf("Unable to mark %d miners checked: %v", len(checked), err)
	}
	return part
}
