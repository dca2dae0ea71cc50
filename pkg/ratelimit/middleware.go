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
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// RemoteAddrKey keys requests by the host part of RemoteAddr.
func RemoteAddrKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MiddlewareConfig configures the rate limiting middleware.
type MiddlewareConfig struct {
	// Limiter is the rate limiter to use.
	Limiter *Limiter

	// MaxRequests and Window define the ceiling.
	MaxRequests int64
	Window      time.Duration

	// KeyFunc extracts the key from requests.
	// If nil, RemoteAddrKey is used.
	KeyFunc KeyFunc

	// ExcludedPaths are paths that bypass rate limiting.
	ExcludedPaths []string

	// OnLimited is called when a request is rate limited.
	// If nil, a default JSON error response is sent.
	OnLimited func(w http.ResponseWriter, r *http.Request, result *Result)
}

// Middleware creates an HTTP middleware that enforces rate limits.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	if cfg.KeyFunc == nil {
		cfg.KeyFunc = RemoteAddrKey
	}

	if cfg.OnLimited == nil {
		cfg.OnLimited = defaultOnLimited
	}

	excludedPaths := make(map[string]bool)
	for _, path := range cfg.ExcludedPaths {
		excludedPaths[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excludedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			result, err := cfg.Limiter.Check(ctx, key, cfg.MaxRequests, cfg.Window)
			if err != nil {
				slog.Error("Rate limit check failed", "error", err, "key", key)
				next.ServeHTTP(w, r)
				return
			}

			ctx = context.WithValue(ctx, rateLimitResultKey{}, result)
			r = r.WithContext(ctx)

			if !result.Allowed {
				slog.Debug("Request rate limited", "key", key, "error", NewRateLimitError(result))
				cfg.OnLimited(w, r, result)
				return
			}

			SetHeaders(w, result)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitResultKey is the context key for the rate limit result.
type rateLimitResultKey struct{}

// ResultFromContext extracts the rate limit result from the request context.
func ResultFromContext(ctx context.Context) *Result {
	if result, ok := ctx.Value(rateLimitResultKey{}).(*Result); ok {
		return result
	}
	return nil
}

// defaultOnLimited sends a default 429 response.
func defaultOnLimited(w http.ResponseWriter, r *http.Request, result *Result) {
	w.Header().Set("Content-Type", "application/json")
	SetHeaders(w, result)
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    "RATE_LIMIT_EXCEEDED",
			"message": "Too many requests",
		},
		"retry_after_seconds": result.RetryAfterSeconds(),
	}
	_ = json.NewEncoder(w).Encode(response)
}

// SetHeaders writes X-RateLimit-* headers, plus Retry-After on rejection.
func SetHeaders(w http.ResponseWriter, result *Result) {
	if result == nil || result.FailOpen {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining(), 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		h.Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
	}
}
