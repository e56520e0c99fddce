package pool

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var f2poolCurrencies = map[string]string{
	"btc":  "bitcoin",
	"bch":  "bitcoin-cash",
	"ltc":  "litecoin",
	"etc":  "ethereum-classic",
	"kas":  "kaspa",
	"zec":  "zcash",
	"dash": "dash",
}

type f2poolWorker struct {
	HashRateInfo struct {
		Name     string  `json:"name"`
		HashRate float64 `json:"hash_rate"`
	} `json:"hash_rate_info"`
	LastShareAt int64 `json:"last_share_at"`
	Status      int   `json:"status"`
}

type f2poolResponse struct {
	Code    int            `json:"code"`
	Msg     string         `json:"msg"`
	Workers []f2poolWorker `json:"workers"`
}

// F2Pool answers for one mining user and currency per call.
type F2Pool struct {
	client *Client
}

func NewF2Pool(client *Client) *F2Pool {
	return &F2Pool{client: client}
}

func (f *F2Pool) Name() string         { return "f2pool" }
func (f *F2Pool) Scope() Scope         { return Scope{Account: true, Coin: true} }
func (f *F2Pool) Matcher() NameMatcher { return f2poolMatcher{} }

func (f *F2Pool) Poll(ctx context.Context, creds Credentials, coin string, workers []string) ([]WorkerSignal, error) {
	if creds.Account == "" {
		return nil, fmt.Errorf("f2pool: mining user name required")
	}
	currency, ok := f2poolCurrencies[strings.ToLower(coin)]
	if !ok {
		currency = strings.ToLower(coin)
	}

	header := http.Header{}
	header.Set("F2P-API-SECRET", creds.ApiKey)
	data, err := f.client.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/v2/hash_rate/worker/list",
		Body: map[string]string{
			"mining_user_name": creds.Account,
			"currency":         currency,
		},
		Header: header,
	})
	if err != nil {
		return nil, err
	}

	var resp f2poolResponse
	if err := decode(data, &resp); err != nil {
		return nil, fmt.Errorf("f2pool: %w", err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("f2pool: api error %d: %s", resp.Code, resp.Msg)
	}

	now := time.Now()
	out := make([]WorkerSignal, 0, len(resp.Workers))
	for _, w := range resp.Workers {
		sample := now
		if w.LastShareAt > 0 {
			sample = time.Unix(w.LastShareAt, 0)
		}
		// 0 online, 1 offline, 2 expired
		status := "offline"
		switch w.Status {
		case 0:
			status = "online"
		case 2:
			status = "expired"
		}
		out = append(out, WorkerSignal{
			Name:       w.HashRateInfo.Name,
			Online:     w.Status == 0,
			Status:     status,
			SampleTime: sample,
		})
	}
	return out, nil
}
