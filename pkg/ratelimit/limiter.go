// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kadirpekel/tollgate/pkg/store"
)

const keyPrefix = "rl:"

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed bool  `json:"allowed"`
	Count   int64 `json:"count"`
	Limit   int64 `json:"limit"`

	// ResetAt is when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// RetryAfter is set on rejection to the time left in the window.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// FailOpen is true when the backend failed and the request was let through.
	FailOpen bool `json:"fail_open,omitempty"`
}

// Remaining returns how many requests are left in the window.
func (r *Result) Remaining() int64 {
	if r.Count >= r.Limit {
		return 0
	}
	return r.Limit - r.Count
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 on
// rejection.
func (r *Result) RetryAfterSeconds() int64 {
	if r.Allowed {
		return 0
	}
	secs := int64(math.Ceil(r.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter applies fixed-window ceilings against a store.Backend.
type Limiter struct {
	backend    store.Backend
	opTimeout  time.Duration
	now        func() time.Time
	onFailOpen func(ctx context.Context, err error)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithOpTimeout bounds each backend call.
func WithOpTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.opTimeout = d
	}
}

// WithClock overrides time.Now when computing RetryAfter.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithFailOpenHook is called whenever a backend error lets a request through.
func WithFailOpenHook(fn func(ctx context.Context, err error)) Option {
	return func(l *Limiter) {
		l.onFailOpen = fn
	}
}

// NewLimiter creates a Limiter.
func NewLimiter(backend store.Backend, opts ...Option) *Limiter {
	l := &Limiter{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request for key and reports whether it fits in the window.
func (l *Limiter) Check(ctx context.Context, key string, maxRequests int64, window time.Duration) (*Result, error) {
	if key == "" {
		return nil, ErrInvalidIdentifier
	}
	if maxRequests <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: max_requests=%d window=%s", ErrInvalidLimit, maxRequests, window)
	}

	opCtx := ctx
	if l.opTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, l.opTimeout)
		defer cancel()
	}

	count, resetAt, err := l.backend.Incr(opCtx, keyPrefix+key, window)
	if err != nil {
		slog.Warn("Rate limit store unavailable, allowing request", "key", key, "error", err)
		if l.onFailOpen != nil {
			l.onFailOpen(ctx, err)
		}
		return &Result{Allowed: true, Limit: maxRequests, FailOpen: true}, nil
	}

	result := &Result{
		Allowed: count <= maxRequests,
		Count:   count,
		Limit:   maxRequests,
		ResetAt: resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = resetAt.Sub(l.now())
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
	}
	return result, nil
}
