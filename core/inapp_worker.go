package core

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"miner-uptime/config"
	"miner-uptime/model"
)

// InAppWorker marks due in-app items as delivered; clients read them back
// through the API.
type InAppWorker struct {
	store     OutboxStore
	batchSize int

	now func() time.Time
}

func NewInAppWorker(cfg *config.InApp, store OutboxStore) *InAppWorker {
	return &InAppWorker{store: store, batchSize: *cfg.BatchSize, now: time.Now}
}

func (w *InAppWorker) Run(ctx context.Context) (*DeliveryResult, error) {
	now := w.now()
	due, err := w.store.DuePending(ctx, model.ChannelInApp, now, w.batchSize)
	if err != nil {
		return nil, fmt.Errorf("load due in-app items: %w", err)
	}

	res := &DeliveryResult{}
	for _, it := range due {
		ok, err := w.store.SwapStatus(ctx, it.Id, model.OutboxPending, model.OutboxSent, OutboxUpdate{})
		if err != nil {
			log.Errorf("Unable to deliver in-app item %d: %v", it.Id, err)
			continue
		}
		if !ok {
			continue
		}
		res.Claimed++
		res.Sent++
		if err := w.store.AddReceipt(ctx, &model.DeliveryReceipt{OutboxId: it.Id, Success: true, Detail: model.ChannelInApp, CreatedAt: now}); err != nil {
			log.Errorf("Unable to write receipt for in-app item %d: %v", it.Id, err)
		}
	}
	if res.Sent > 0 {
		log.Debugf("Delivered %d in-app notifications", res.Sent)
	}
	return res, nil
}
