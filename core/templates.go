package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/hako/durafmt"

	"miner-uptime/model"
	"miner-uptime/util"
)

const (
	TemplateMinerOffline    = "miner_offline"
	TemplateMinerOnline     = "miner_online"
	TemplateOfflineReminder = "miner_offline_reminder"
)

type minerPayload struct {
	MinerId int64  `json:"miner_id"`
	Worker  string `json:"worker"`
	Pool    string `json:"pool"`
	Coin    string `json:"coin"`
	From    string `json:"from"`
	To      string `json:"to"`
	Since   int64  `json:"since"`
}

// Render turns an outbox item into a title and body.
func Render(item *model.OutboxItem, now time.Time) (string, string) {
	var p minerPayload
	if err := util.UnmarshalJSON([]byte(item.Payload), &p); err != nil {
		return "Notification", item.Template
	}
	name := p.Worker
	if p.Pool != "" {
		name = fmt.Sprintf("%s (%s)", p.Worker, p.Pool)
	}

	switch item.Template {
	case TemplateMinerOffline:
		return "Miner offline", name + " stopped reporting."
	case TemplateMinerOnline:
		return "Miner back online", name + " is hashing again."
	case TemplateOfflineReminder:
		d := now.Sub(time.Unix(p.Since, 0)).Truncate(time.Minute)
		return "Miner still offline", fmt.Sprintf("%s has been offline for %s.", name, durafmt.Parse(d).LimitFirstN(2).String())
	}
	return "Notification", item.Template
}

// RenderBundle merges several items into one message.
func RenderBundle(items []*model.OutboxItem, now time.Time) (string, string) {
	if len(items) == 1 {
		return Render(items[0], now)
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		_, body := Render(it, now)
		lines = append(lines, body)
	}
	return fmt.Sprintf("%d miner updates", len(items)), strings.Join(lines, "\n")
}
