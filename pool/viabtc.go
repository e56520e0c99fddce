package pool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type viabtcWorker struct {
	WorkerName   string `json:"worker_name"`
	WorkerStatus string `json:"worker_status"`
	LastActive   int64  `json:"last_active"`
}

type viabtcPage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		HasNext bool           `json:"has_next"`
		Data    []viabtcWorker `json:"data"`
	} `json:"data"`
}

// ViaBTC lists workers per coin under the account owning the API key.
type ViaBTC struct {
	client *Client
}

func NewViaBTC(client *Client) *ViaBTC {
	return &ViaBTC{client: client}
}

func (v *ViaBTC) Name() string         { return "viabtc" }
func (v *ViaBTC) Scope() Scope         { return Scope{Coin: true} }
func (v *ViaBTC) Matcher() NameMatcher { return viabtcMatcher{} }

func (v *ViaBTC) Poll(ctx context.Context, creds Credentials, coin string, workers []string) ([]WorkerSignal, error) {
	header := http.Header{}
	header.Set("X-API-KEY", creds.ApiKey)

	now := time.Now()
	var out []WorkerSignal
	for page := 1; page <= maxPages; page++ {
		data, err := v.client.Do(ctx, Request{
			Path: "/res/openapi/v1/hashrate/worker",
			Query: url.Values{
				"coin": {strings.ToUpper(coin)},
				"page": {strconv.Itoa(page)},
			},
			Header: header,
		})
		if err != nil {
			return nil, err
		}

		var resp viabtcPage
		if err := decode(data, &resp); err != nil {
			return nil, fmt.Errorf("viabtc: %w", err)
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("viabtc: api error %d: %s", resp.Code, resp.Message)
		}

		for _, w := range resp.Data.Data {
			sample := now
			if w.LastActive > 0 {
				sample = time.Unix(w.LastActive, 0)
			}
			out = append(out, WorkerSignal{
				Name:       w.WorkerName,
				Online:     strings.EqualFold(w.WorkerStatus, "active"),
				Status:     w.WorkerStatus,
				SampleTime: sample,
			})
		}
		if !resp.Data.HasNext {
			break
		}
	}
	return out, nil
}
