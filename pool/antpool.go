package pool

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const antpoolPageSize = 50

type antpoolWorker struct {
	Worker  string  `json:"worker"`
	Last10m float64 `json:"last10m"`
	Last1h  float64 `json:"last1h"`
}

type antpoolResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Page      int             `json:"page"`
		TotalPage int             `json:"totalPage"`
		Rows      []antpoolWorker `json:"rows"`
	} `json:"data"`
}

// AntPool signs every request with HMAC-SHA256 over userId+key+nonce.
type AntPool struct {
	client *Client
	now    func() time.Time
}

func NewAntPool(client *Client) *AntPool {
	return &AntPool{client: client, now: time.Now}
}

func (a *AntPool) Name() string         { return "antpool" }
func (a *AntPool) Scope() Scope         { return Scope{Account: true, Coin: true} }
func (a *AntPool) Matcher() NameMatcher { return antpoolMatcher{} }

// antpoolSign returns the upper-case hex signature antpool expects.
func antpoolSign(secret, userId, key, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userId + key + nonce))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func (a *AntPool) Poll(ctx context.Context, creds Credentials, coin string, workers []string) ([]WorkerSignal, error) {
	if creds.Account == "" || creds.ApiSecret == "" {
		return nil, fmt.Errorf("antpool: user id and secret required")
	}

	var out []WorkerSignal
	for page := 1; page <= maxPages; page++ {
		now := a.now()
		data, err := a.client.Do(ctx, Request{
			Method: http.MethodPost,
			Path:   "/api/workers.htm",
			Form: url.Values{
				"key":        {creds.ApiKey},
				"userId":     {creds.Account},
				"coin":       {strings.ToUpper(coin)},
				"pageEnable": {"1"},
				"page":       {strconv.Itoa(page)},
				"pageSize":   {strconv.Itoa(antpoolPageSize)},
			},
			// antpool rejects a reused nonce, so every attempt signs afresh
			Sign: func(form url.Values) {
				nonce := strconv.FormatInt(a.now().UnixNano(), 10)
				form.Set("nonce", nonce)
				form.Set("signature", antpoolSign(creds.ApiSecret, creds.Account, creds.ApiKey, nonce))
			},
		})
		if err != nil {
			return nil, err
		}

		var resp antpoolResponse
		if err := decode(data, &resp); err != nil {
			return nil, fmt.Errorf("antpool: %w", err)
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("antpool: api error %d: %s", resp.Code, resp.Message)
		}

		// antpool reports hashrate windows only; any share in the last ten
		// minutes counts as online.
		for _, w := range resp.Data.Rows {
			status := "offline"
			if w.Last10m > 0 {
				status = "online"
			}
			out = append(out, WorkerSignal{
				Name:       w.Worker,
				Online:     w.Last10m > 0,
				Status:     status,
				SampleTime: now,
			})
		}
		if resp.Data.TotalPage <= page || len(resp.Data.Rows) == 0 {
			break
		}
	}
	return out, nil
}
