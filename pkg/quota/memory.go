package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often a MemoryStore drops lapsed records.
const DefaultSweepInterval = time.Hour

// MemoryStore keeps quota records in process. Records whose daily and
// monthly windows have both lapsed are dropped by the sweeper; such a
// record holds no state a fresh one would not.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	sweepInterval time.Duration
	stopOnce      sync.Once
	stop          chan struct{}
	done          chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSweepInterval sets the sweep period. 0 disables the sweeper.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = d
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records:       make(map[string]*Record),
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			if n := s.Prune(now); n > 0 {
				slog.Debug("Pruned lapsed quota records", "count", n)
			}
		}
	}
}

// Prune drops records whose daily and monthly resets are both due at now
// and returns how many were removed.
func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for key, rec := range s.records {
		if !now.Before(rec.DailyResetAt) && !now.Before(rec.MonthlyResetAt) {
			delete(s.records, key)
			n++
		}
	}
	return n
}

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) Admit(_ context.Context, key string, limits Limits, now time.Time) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		r := newRecord(now)
		rec = &r
		s.records[key] = rec
	}
	d := rec.admit(limits, now)
	return &d, nil
}

func (s *MemoryStore) Refund(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		rec.refund()
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.rollover(now)
	return &out, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

var _ Store = (*MemoryStore)(nil)
