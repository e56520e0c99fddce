package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"miner-uptime/config"
	"miner-uptime/util"
)

const expoMaxBatch = 100

type expoTicket struct {
	Status  string `json:"status"`
	Id      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Expo is a Gateway speaking the Expo push API.
type Expo struct {
	url         string
	accessToken string
	http        *http.Client
}

// NewExpo
func NewExpo(cfg *config.Push) *Expo {
	return &Expo{
		url:         *cfg.Url,
		accessToken: *cfg.AccessToken,
		http:        &http.Client{Timeout: util.MustParseDuration(*cfg.Timeout)},
	}
}

func (e *Expo) MaxBatch() int { return expoMaxBatch }

func (e *Expo) Send(ctx context.Context, msgs []Message) ([]Ticket, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > expoMaxBatch {
		return nil, fmt.Errorf("push: batch of %d exceeds %d", len(msgs), expoMaxBatch)
	}

	body, err := util.MarshalJSON(msgs)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.http.Timeout+time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.accessToken)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("push: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push: gateway status %d: %s", resp.StatusCode, raw)
	}

	var parsed expoResponse
	if err := util.UnmarshalJSON(raw, &parsed); err != nil {
		return nil, fmt.Errorf("push: unable to decode gateway response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("push: gateway rejected request: %s: %s", parsed.Errors[0].Code, parsed.Errors[0].Message)
	}
	if len(parsed.Data) != len(msgs) {
		return nil, fmt.Errorf("push: got %d tickets for %d messages", len(parsed.Data), len(msgs))
	}

	tickets := make([]Ticket, len(parsed.Data))
	for i, t := range parsed.Data {
		tickets[i] = Ticket{Status: t.Status, Id: t.Id, Message: t.Message, ErrorCode: t.Details.Error}
	}
	return tickets, nil
}
