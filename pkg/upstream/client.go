package upstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// RetryStrategy is how a failed upstream status is retried.
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	// ConservativeRetry allows one quick retry for gateway errors.
	ConservativeRetry
	// SmartRetry honors Retry-After and reset headers, then backs off
	// exponentially.
	SmartRetry
)

func (s RetryStrategy) String() string {
	switch s {
	case ConservativeRetry:
		return "conservative"
	case SmartRetry:
		return "smart"
	default:
		return "none"
	}
}

// StrategyFor maps an upstream status to its retry strategy.
func StrategyFor(status int) RetryStrategy {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return ConservativeRetry
	}
	return NoRetry
}

// RateLimitInfo is what the upstream said about its own limits.
type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

// Client wraps an http.Client and retries throttled or failed upstream
// responses. A wait between attempts ends early when the request context
// is done.
type Client struct {
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxWait    time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithMaxWait bounds a single wait. 0 removes the bound.
func WithMaxWait(d time.Duration) Option {
	return func(c *Client) { c.maxWait = d }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 60 * time.Second},
		maxRetries: 2,
		baseDelay:  time.Second,
		maxWait:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req and retries per StrategyFor. A non-2xx response is returned
// together with an error; the caller closes the body either way. The error
// is a *RetryableError when the attempt budget ran out or the upstream asked
// for a wait longer than the client's bound.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := fmt.Errorf("HTTP %d", resp.StatusCode)
		strategy := StrategyFor(resp.StatusCode)
		if strategy == NoRetry {
			return resp, statusErr
		}

		wait := c.backoff(strategy, attempt, ParseRateLimitHeaders(resp.Header))
		exhausted := func(msg string) error {
			return &RetryableError{
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
				Message:    msg,
				RetryAfter: wait,
				Err:        statusErr,
			}
		}
		switch {
		case attempt >= c.maxRetries:
			return resp, exhausted(fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries))
		case wait <= 0:
			return resp, statusErr
		case c.maxWait > 0 && wait > c.maxWait:
			return resp, exhausted(fmt.Sprintf("requested wait exceeds %v", c.maxWait))
		}

		slog.InfoContext(ctx, "Retrying upstream request",
			"status", resp.StatusCode, "strategy", strategy, "delay", wait,
			"attempt", attempt+1, "max_retries", c.maxRetries)
		_ = resp.Body.Close()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff returns the wait before the next attempt. 0 means do not retry.
func (c *Client) backoff(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if d := time.Until(time.Unix(info.ResetTime, 0)); d > 0 {
				return d
			}
		}
		d := c.baseDelay << attempt
		return d + d/10
	case ConservativeRetry:
		if attempt == 0 {
			return c.baseDelay
		}
	}
	return 0
}

// ParseRateLimitHeaders reads Retry-After (seconds or HTTP date) and the
// x-ratelimit-reset-* unix timestamps sent by OpenAI-compatible servers.
func ParseRateLimitHeaders(h http.Header) RateLimitInfo {
	var info RateLimitInfo

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			if secs > 0 {
				info.RetryAfter = time.Duration(secs) * time.Second
			}
		} else if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				info.RetryAfter = d
			}
		}
	}

	for _, name := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if ts, err := strconv.ParseInt(h.Get(name), 10, 64); err == nil {
			info.ResetTime = ts
			break
		}
	}
	return info
}
