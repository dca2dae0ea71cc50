package quota

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/store"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLStore(db, store.DialectSQLite)
	require.NoError(t, err)
	return s
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "test:"),
		"sqlite": newSQLiteStore(t),
	}
}

func TestStore_DailyBeforeMonthly(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	limits := Limits{Daily: 2, Monthly: 100}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 2; i++ {
				d, err := s.Admit(ctx, "client", limits, now)
				require.NoError(t, err)
				require.True(t, d.Allowed)
				assert.Equal(t, int64(i), d.Record.DailyCount)
				assert.Equal(t, int64(i), d.Record.MonthlyCount)
			}

			d, err := s.Admit(ctx, "client", limits, now)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonDaily, d.Reason, "monthly has headroom")
			assert.Equal(t, int64(2), d.Record.DailyCount, "rejection does not count")
			assert.Equal(t, now.Add(DailyPeriod), d.Record.DailyResetAt)
		})
	}
}

func TestStore_MonthlyExhausted(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	limits := Limits{Daily: 10, Monthly: 3}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			day := now
			for i := 0; i < 3; i++ {
				d, err := s.Admit(ctx, "client", limits, day)
				require.NoError(t, err)
				require.True(t, d.Allowed)
				day = day.Add(DailyPeriod)
			}

			d, err := s.Admit(ctx, "client", limits, day)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonMonthly, d.Reason)
			assert.Equal(t, int64(0), d.Record.DailyCount, "daily rolled over")
		})
	}
}

func TestStore_LazyReset(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	limits := Limits{Daily: 1, Monthly: 5}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d, err := s.Admit(ctx, "client", limits, now)
			require.NoError(t, err)
			require.True(t, d.Allowed)

			d, _ = s.Admit(ctx, "client", limits, now.Add(time.Hour))
			require.False(t, d.Allowed)

			later := now.Add(DailyPeriod)
			d, err = s.Admit(ctx, "client", limits, later)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, int64(1), d.Record.DailyCount)
			assert.Equal(t, int64(2), d.Record.MonthlyCount)
			assert.Equal(t, later.Add(DailyPeriod), d.Record.DailyResetAt)
			assert.Equal(t, now.Add(MonthlyPeriod), d.Record.MonthlyResetAt)
		})
	}
}

func TestStore_RefundGetReset(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	limits := Limits{Daily: 5, Monthly: 5}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := s.Get(ctx, "client", now)
			require.NoError(t, err)
			assert.Nil(t, rec)

			s.Admit(ctx, "client", limits, now)
			s.Admit(ctx, "client", limits, now)
			require.NoError(t, s.Refund(ctx, "client"))

			rec, err = s.Get(ctx, "client", now)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, int64(1), rec.DailyCount)
			assert.Equal(t, int64(1), rec.MonthlyCount)

			require.NoError(t, s.Refund(ctx, "client"))
			require.NoError(t, s.Refund(ctx, "client"))
			rec, _ = s.Get(ctx, "client", now)
			assert.Equal(t, int64(0), rec.DailyCount, "refund floors at zero")

			require.NoError(t, s.Refund(ctx, "unknown"))

			require.NoError(t, s.Reset(ctx, "client"))
			rec, err = s.Get(ctx, "client", now)
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestStore_ConcurrentAdmit(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	limits := Limits{Daily: 10, Monthly: 100}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := s.Admit(ctx, "busy", limits, now)
					if err == nil && d.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 10, allowed)
		})
	}
}

func TestEnforcer_CheckTokens(t *testing.T) {
	e := NewEnforcer(NewMemoryStore(), Policy{MaxTokensPerRequest: 100, MaxInputTokens: 50})

	assert.NoError(t, e.CheckTokens(TokenRequest{MaxTokens: 100, InputTokens: 50}))

	err := e.CheckTokens(TokenRequest{MaxTokens: 101})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTokenLimitExceeded))
	var tle *TokenLimitError
	require.True(t, errors.As(err, &tle))
	assert.Equal(t, "max_tokens", tle.Field)

	err = e.CheckTokens(TokenRequest{InputTokens: 51})
	assert.True(t, errors.Is(err, ErrTokenLimitExceeded))

	e.SetPolicy(Policy{})
	assert.NoError(t, e.CheckTokens(TokenRequest{MaxTokens: 1 << 20}), "zero disables the ceiling")
}

func TestEnforcer_RefundOnFailure(t *testing.T) {
	ctx := context.Background()
	policy := Policy{Limits: Limits{Daily: 1, Monthly: 10}}

	t.Run("pessimistic", func(t *testing.T) {
		e := NewEnforcer(NewMemoryStore(), policy)
		d, err := e.Admit(ctx, "c")
		require.NoError(t, err)
		require.True(t, d.Allowed)

		// upstream failed, no refund
		d, _ = e.Admit(ctx, "c")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonDaily, d.Reason)
	})

	t.Run("refund", func(t *testing.T) {
		e := NewEnforcer(NewMemoryStore(), policy)
		d, _ := e.Admit(ctx, "c")
		require.True(t, d.Allowed)

		require.NoError(t, e.Refund(ctx, "c"))
		d, _ = e.Admit(ctx, "c")
		assert.True(t, d.Allowed)
	})
}

func TestEnforcer_FailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	hooked := 0
	e := NewEnforcer(NewRedisStore(client, ""), Policy{Limits: Limits{Daily: 1}},
		WithOpTimeout(100*time.Millisecond),
		WithFailOpenHook(func(context.Context, error) { hooked++ }),
	)

	d, err := e.Admit(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.FailOpen)
	assert.Equal(t, 1, hooked)
}

func TestEnforcer_DisabledCountersSkipStore(t *testing.T) {
	s := NewMemoryStore()
	e := NewEnforcer(s, Policy{})

	d, err := e.Admit(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec, _ := s.Get(context.Background(), "c", time.Now())
	assert.Nil(t, rec)

	_, err = e.Admit(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	d := &Decision{Reason: ReasonDaily, Record: Record{DailyResetAt: now.Add(time.Hour)}}
	assert.Equal(t, time.Hour, d.RetryAfter(now))

	d = &Decision{Allowed: true}
	assert.Zero(t, d.RetryAfter(now))
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := &config.QuotaConfig{}
	cfg.SetDefaults()

	p := PolicyFromConfig(cfg)
	assert.Equal(t, Limits{Daily: 1000, Monthly: 20000}, p.Limits)
	assert.Equal(t, int64(4096), p.MaxTokensPerRequest)

	cfg.Enabled = config.BoolPtr(false)
	p = PolicyFromConfig(cfg)
	assert.Equal(t, Limits{}, p.Limits)
	assert.Equal(t, int64(4096), p.MaxTokensPerRequest)
}

func TestMemoryStore_PruneLapsedRecords(t *testing.T) {
	s := NewMemoryStore(WithSweepInterval(0))
	defer s.Close()
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	limits := Limits{Daily: 5, Monthly: 50}

	_, err := s.Admit(ctx, "old", limits, start)
	require.NoError(t, err)
	_, err = s.Admit(ctx, "recent", limits, start.Add(MonthlyPeriod-time.Hour))
	require.NoError(t, err)

	assert.Zero(t, s.Prune(start.Add(DailyPeriod)))
	assert.Equal(t, 1, s.Prune(start.Add(MonthlyPeriod)))
	assert.Equal(t, 1, s.Len())

	rec, err := s.Get(ctx, "old", start.Add(MonthlyPeriod))
	require.NoError(t, err)
	assert.Nil(t, rec)

	d, err := s.Admit(ctx, "old", limits, start.Add(MonthlyPeriod))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Record.MonthlyCount)
}

func TestMemoryStore_SweeperStopsOnClose(t *testing.T) {
	s := NewMemoryStore(WithSweepInterval(time.Millisecond))
	_, err := s.Admit(context.Background(), "c", Limits{Daily: 1}, time.Now().Add(-MonthlyPeriod))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
