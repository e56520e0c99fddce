package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"miner-uptime/config"
	"miner-uptime/util"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 429 and 5xx.
	ErrTransient = errors.New("pool: transient failure")
	// ErrUnauthorized marks rejected credentials; retrying will not help.
	ErrUnauthorized = errors.New("pool: credentials rejected")
)

// StatusError is a non-2xx answer from a pool API.
type StatusError struct {
	Pool string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Pool, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusTooManyRequests || e.Code >= 500:
		return ErrTransient
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// Request describes one pool API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Body   interface{}
	Header http.Header
	// Sign, when set, adds per-attempt fields (nonce, signature) to a
	// copy of Form before every send, retries included.
	Sign func(form url.Values)
}

// Client is the shared HTTP transport for pool adapters: rate limited,
// bounded by a per-call timeout and retried with jittered backoff.
type Client struct {
	pool    string
	url     string
	timeout time.Duration
	retries int

	retryBase time.Duration
	retryMax  time.Duration

	http    *http.Client
	limiter *rate.Limiter
}

// NewClient
func NewClient(cfg *config.Pool) *Client {
	burst := int(*cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		pool:    *cfg.Name,
		url:     strings.TrimRight(*cfg.Url, "/"),
		timeout: util.MustParseDuration(*cfg.Timeout),
		retries: *cfg.Retries,

		retryBase: 500 * time.Millisecond,
		retryMax:  10 * time.Second,

		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(*cfg.RatePerSec), burst),
	}
}

// Do sends req and decodes the JSON answer into a generic value for
// mapstructure decoding by the adapter.
func (c *Client) Do(ctx context.Context, req Request) (interface{}, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, wait, err := c.send(ctx, req)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) || attempt > c.retries {
			break
		}

		delay := util.Backoff(c.retryBase, c.retryMax, attempt, true)
		if wait > delay {
			delay = wait
		}
		log.Debugf("%s: attempt %d failed, retrying in %v: %v", c.pool, attempt, delay, err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, r Request) (interface{}, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.url + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case r.Form != nil:
		form := r.Form
		if r.Sign != nil {
			form = make(url.Values, len(r.Form)+2)
			for k, v := range r.Form {
				form[k] = append([]string(nil), v...)
			}
			r.Sign(form)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.Body != nil:
		b, err := util.MarshalJSON(r.Body)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and timeouts are worth another try unless the
		// caller itself gave up.
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%s: %v: %w", c.pool, err, ErrTransient)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%s: read body: %v: %w", c.pool, err, ErrTransient)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, retryAfter(resp.Header.Get("Retry-After")), &StatusError{Pool: c.pool, Code: resp.StatusCode, Body: snippet}
	}

	var data interface{}
	if err := util.UnmarshalJSON(raw, &data); err != nil {
		return nil, 0, fmt.Errorf("%s: unable to decode response: %w", c.pool, err)
	}
	return data, 0, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
