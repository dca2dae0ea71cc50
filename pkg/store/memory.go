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

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxMarks caps set-if-absent entries when no limit is given.
const DefaultMaxMarks = 100000

type counter struct {
	count     int64
	expiresAt time.Time
}

// MemoryBackend keeps marks and counters in process.
//
// Marks expire individually, but once the mark set reaches its cap after
// pruning expired entries it is cleared wholesale. A nonce cleared this way
// can be accepted again inside its ttl; that is the local backend's weaker
// guarantee under memory pressure.
type MemoryBackend struct {
	mu       sync.Mutex
	marks    map[string]time.Time
	counters map[string]*counter
	maxMarks int

	now           func() time.Time
	sweepInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMaxMarks sets the mark cap. Values <= 0 use DefaultMaxMarks.
func WithMaxMarks(n int) MemoryOption {
	return func(b *MemoryBackend) {
		if n > 0 {
			b.maxMarks = n
		}
	}
}

// WithSweepInterval sets how often expired entries are pruned.
// Zero disables the sweeper.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		b.sweepInterval = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		b.now = now
	}
}

// NewMemoryBackend creates the backend and starts its sweeper.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		marks:    make(map[string]time.Time),
		counters: make(map[string]*counter),
		maxMarks: DefaultMaxMarks,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.sweepInterval > 0 {
		go b.sweepLoop()
	} else {
		close(b.done)
	}
	return b
}

// SetNX implements Backend.
func (b *MemoryBackend) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if exp, ok := b.marks[key]; ok && now.Before(exp) {
		return false, nil
	}

	if len(b.marks) >= b.maxMarks {
		b.pruneMarksLocked(now)
		if len(b.marks) >= b.maxMarks {
			slog.Warn("Mark set reached its cap, clearing", "size", len(b.marks), "cap", b.maxMarks)
			b.marks = make(map[string]time.Time)
		}
	}

	b.marks[key] = now.Add(ttl)
	return true, nil
}

// Incr implements Backend.
func (b *MemoryBackend) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(ttl)}
		b.counters[key] = c
	}
	c.count++
	return c.count, c.expiresAt, nil
}

// Sweep removes expired marks and counters.
func (b *MemoryBackend) Sweep() int {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := b.pruneMarksLocked(now)
	for key, c := range b.counters {
		if !now.Before(c.expiresAt) {
			delete(b.counters, key)
			removed++
		}
	}
	return removed
}

func (b *MemoryBackend) pruneMarksLocked(now time.Time) int {
	removed := 0
	for key, exp := range b.marks {
		if !now.Before(exp) {
			delete(b.marks, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of marks and counters held.
func (b *MemoryBackend) Size() (marks, counters int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.marks), len(b.counters)
}

func (b *MemoryBackend) sweepLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				slog.Debug("Swept expired store entries", "removed", n)
			}
		}
	}
}

// Close stops the sweeper.
func (b *MemoryBackend) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
