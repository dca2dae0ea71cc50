// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quota enforces per-client daily and monthly request ceilings and
// the per-request token ceiling.
//
// Counters only move when a request is admitted, and each one resets lazily:
// the first admission after its reset point zeroes it and schedules the next
// reset one period later. The daily counter is checked before the monthly one.
package quota

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Store persists quota records. Admit must be atomic per key.
type Store interface {
	Admit(ctx context.Context, key string, limits Limits, now time.Time) (*Decision, error)

	// Refund gives back one admission on both counters, floored at zero.
	Refund(ctx context.Context, key string) error

	// Get returns the record as of now, or nil if the client has none.
	Get(ctx context.Context, key string, now time.Time) (*Record, error)

	Reset(ctx context.Context, key string) error
	Close() error
}

// Policy is the hot-reloadable part of the enforcer.
type Policy struct {
	Limits              Limits
	MaxTokensPerRequest int64
	MaxInputTokens      int64
}

// TokenRequest is what a request asks of the token ceilings.
type TokenRequest struct {
	// MaxTokens is the requested completion size (max_tokens or
	// max_completion_tokens).
	MaxTokens int64

	// InputTokens is the estimated prompt size.
	InputTokens int64
}

// Enforcer applies a Policy against a Store.
type Enforcer struct {
	store      Store
	policy     atomic.Pointer[Policy]
	opTimeout  time.Duration
	now        func() time.Time
	onFailOpen func(ctx context.Context, err error)
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithOpTimeout bounds each store call.
func WithOpTimeout(d time.Duration) Option {
	return func(e *Enforcer) {
		e.opTimeout = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) {
		e.now = now
	}
}

// WithFailOpenHook is called whenever a store error lets a request through.
func WithFailOpenHook(fn func(ctx context.Context, err error)) Option {
	return func(e *Enforcer) {
		e.onFailOpen = fn
	}
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(store Store, policy Policy, opts ...Option) *Enforcer {
	e := &Enforcer{
		store: store,
		now:   time.Now,
	}
	e.policy.Store(&policy)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active policy.
func (e *Enforcer) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy replaces the active policy.
func (e *Enforcer) SetPolicy(p Policy) {
	e.policy.Store(&p)
}

// Now returns the enforcer's clock reading.
func (e *Enforcer) Now() time.Time {
	return e.now()
}

// CheckTokens validates a request against the token ceilings. It does not
// touch any counter.
func (e *Enforcer) CheckTokens(req TokenRequest) error {
	p := e.policy.Load()
	if p.MaxTokensPerRequest > 0 && req.MaxTokens > p.MaxTokensPerRequest {
		return &TokenLimitError{Field: "max_tokens", Requested: req.MaxTokens, Limit: p.MaxTokensPerRequest}
	}
	if p.MaxInputTokens > 0 && req.InputTokens > p.MaxInputTokens {
		return &TokenLimitError{Field: "input_tokens", Requested: req.InputTokens, Limit: p.MaxInputTokens}
	}
	return nil
}

// Admit consumes one request from the client's quota if both counters have
// room.
func (e *Enforcer) Admit(ctx context.Context, key string) (*Decision, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	limits := e.policy.Load().Limits
	if limits.Daily == 0 && limits.Monthly == 0 {
		return &Decision{Allowed: true}, nil
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	decision, err := e.store.Admit(opCtx, key, limits, e.now())
	if err != nil {
		slog.Warn("Quota store unavailable, admitting request", "client", key, "error", err)
		if e.onFailOpen != nil {
			e.onFailOpen(ctx, err)
		}
		return &Decision{Allowed: true, FailOpen: true}, nil
	}
	return decision, nil
}

// Refund returns one admission to the client.
func (e *Enforcer) Refund(ctx context.Context, key string) error {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	return e.store.Refund(opCtx, key)
}

// Usage returns the client's current record, or nil if it has none.
func (e *Enforcer) Usage(ctx context.Context, key string) (*Record, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	return e.store.Get(opCtx, key, e.now())
}

// Reset clears the client's record.
func (e *Enforcer) Reset(ctx context.Context, key string) error {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	return e.store.Reset(opCtx, key)
}

func (e *Enforcer) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opTimeout)
}
