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

// Package replay records consumed signature nonces so that each signed token
// is accepted at most once inside its validity window.
package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/tollgate/pkg/store"
)

const keyPrefix = "nonce:"

// Guard consumes nonces against a store.Backend.
//
// When the backend errors the nonce is treated as fresh. Availability wins
// over strict replay protection during a store outage.
type Guard struct {
	backend    store.Backend
	opTimeout  time.Duration
	onFailOpen func(ctx context.Context, err error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithOpTimeout bounds each backend call. Zero means no extra bound.
func WithOpTimeout(d time.Duration) Option {
	return func(g *Guard) {
		g.opTimeout = d
	}
}

// WithFailOpenHook is called whenever a backend error lets a nonce through.
func WithFailOpenHook(fn func(ctx context.Context, err error)) Option {
	return func(g *Guard) {
		g.onFailOpen = fn
	}
}

// NewGuard creates a Guard.
func NewGuard(backend store.Backend, opts ...Option) *Guard {
	g := &Guard{backend: backend}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryConsume records nonce for ttl and reports whether it had not been seen.
func (g *Guard) TryConsume(ctx context.Context, nonce string, ttl time.Duration) bool {
	if g.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opTimeout)
		defer cancel()
	}

	fresh, err := g.backend.SetNX(ctx, keyPrefix+nonce, ttl)
	if err != nil {
		slog.Warn("Replay store unavailable, accepting nonce", "error", err)
		if g.onFailOpen != nil {
			g.onFailOpen(ctx, err)
		}
		return true
	}
	return fresh
}
