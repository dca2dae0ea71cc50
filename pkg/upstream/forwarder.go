// Package upstream forwards admitted chat requests to the metered
// inference service.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// maxResponseBytes bounds how much of an upstream response is buffered.
const maxResponseBytes = 16 << 20

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Forwarder posts JSON bodies to a single upstream URL.
type Forwarder struct {
	client       *Client
	url          string
	apiKey       string
	apiKeyHeader string
	observe      func(ctx context.Context, d time.Duration, err error)
}

type ForwarderOption func(*Forwarder)

// WithObserver is called after every forward with its duration and
// transport error, if any.
func WithObserver(fn func(ctx context.Context, d time.Duration, err error)) ForwarderOption {
	return func(f *Forwarder) {
		f.observe = fn
	}
}

// WithClient replaces the retrying client.
func WithClient(c *Client) ForwarderOption {
	return func(f *Forwarder) {
		f.client = c
	}
}

// NewForwarder builds a Forwarder from cfg.
func NewForwarder(cfg *config.UpstreamConfig, opts ...ForwarderOption) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.CACertificate != "" || cfg.InsecureSkipVerify {
		transport, err := ConfigureTLS(cfg.CACertificate, cfg.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		httpClient.Transport = transport
	}

	f := &Forwarder{
		client:       NewClient(
			WithHTTPClient(httpClient),
			WithMaxRetries(cfg.MaxRetries),
			WithMaxWait(cfg.MaxRetryWait),
		),
		url:          cfg.URL,
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Forward posts body and returns the upstream response whatever its status.
// An error means no response was obtained.
func (f *Forwarder) Forward(ctx context.Context, body []byte) (*Response, error) {
	start := time.Now()
	resp, err := f.do(ctx, body)
	if f.observe != nil {
		f.observe(ctx, time.Since(start), err)
	}
	return resp, err
}

func (f *Forwarder) do(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set(f.apiKeyHeader, f.credential())
	}

	resp, err := f.client.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("empty upstream response")
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		slog.WarnContext(ctx, "Upstream retries exhausted", "status", retryErr.StatusCode, "error", retryErr)
	}

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", readErr)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

func (f *Forwarder) credential() string {
	if strings.EqualFold(f.apiKeyHeader, "Authorization") && !strings.HasPrefix(f.apiKey, "Bearer ") {
		return "Bearer " + f.apiKey
	}
	return f.apiKey
}
