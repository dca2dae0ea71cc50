package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tollgate/pkg/config"
)

func newSQLiteBackend(t *testing.T) *SQLBackend {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	b, err := NewSQLBackend(db, DialectSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client, "test:"), mr
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	mem := NewMemoryBackend()
	t.Cleanup(func() { mem.Close() })
	rb, _ := newRedisBackend(t)
	return map[string]Backend{
		"memory": mem,
		"redis":  rb,
		"sqlite": newSQLiteBackend(t),
	}
}

func TestBackend_SetNX(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := b.SetNX(ctx, "nonce:a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.SetNX(ctx, "nonce:a", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second set of the same key must fail")

			ok, err = b.SetNX(ctx, "nonce:b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestBackend_SetNXConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := b.SetNX(ctx, "nonce:race", time.Minute)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestBackend_Incr(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			before := time.Now()
			count, exp1, err := b.Incr(ctx, "rl:client", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
			assert.WithinDuration(t, before.Add(time.Minute), exp1, 2*time.Second)

			count, exp2, err := b.Incr(ctx, "rl:client", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), count)
			assert.WithinDuration(t, exp1, exp2, 2*time.Second, "expiry is fixed at creation")

			count, _, err = b.Incr(ctx, "rl:other", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestMemoryBackend_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := NewMemoryBackend(WithClock(func() time.Time { return now }))
	defer b.Close()

	ok, _ := b.SetNX(ctx, "n", time.Second)
	require.True(t, ok)
	count, _, _ := b.Incr(ctx, "c", time.Second)
	require.Equal(t, int64(1), count)

	now = now.Add(time.Second)

	ok, _ = b.SetNX(ctx, "n", time.Second)
	assert.True(t, ok, "expired mark is reusable")
	count, exp, _ := b.Incr(ctx, "c", time.Second)
	assert.Equal(t, int64(1), count, "expired counter restarts")
	assert.Equal(t, now.Add(time.Second), exp)
}

func TestMemoryBackend_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := NewMemoryBackend(WithClock(func() time.Time { return now }))
	defer b.Close()

	b.SetNX(ctx, "short", time.Second)
	b.SetNX(ctx, "long", time.Hour)
	b.Incr(ctx, "c", time.Second)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, b.Sweep())

	marks, counters := b.Size()
	assert.Equal(t, 1, marks)
	assert.Equal(t, 0, counters)
}

func TestMemoryBackend_MarkCap(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(WithMaxMarks(3))
	defer b.Close()

	for _, k := range []string{"a", "b", "c"} {
		ok, _ := b.SetNX(ctx, k, time.Hour)
		require.True(t, ok)
	}

	ok, _ := b.SetNX(ctx, "d", time.Hour)
	assert.True(t, ok)

	marks, _ := b.Size()
	assert.Equal(t, 1, marks, "full set is cleared before inserting")
}

func TestMemoryBackend_CloseIdempotent(t *testing.T) {
	b := NewMemoryBackend(WithSweepInterval(10 * time.Millisecond))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestRedisBackend_ExpirySetOnCreate(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisBackend(t)

	_, _, err := b.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(30 * time.Second)
	_, _, err = b.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("test:k"), "later increments do not extend the window")

	mr.FastForward(31 * time.Second)
	count, _, err := b.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisBackend_Unavailable(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisBackend(t)
	mr.Close()

	_, err := b.SetNX(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrUnavailable))

	_, _, err = b.Incr(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestSQLBackend_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteBackend(t)

	_, err := b.SetNX(ctx, "gone", time.Millisecond)
	require.NoError(t, err)
	_, err = b.SetNX(ctx, "kept", time.Hour)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := b.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := b.SetNX(ctx, "kept", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, Rebind(DialectPostgres, q))
	assert.Equal(t, q, Rebind(DialectMySQL, q))
	assert.Equal(t, q, Rebind(DialectSQLite, q))
}

func TestNew(t *testing.T) {
	cfg := &config.StoreConfig{}
	cfg.SetDefaults()

	b, err := NewFromConfig(cfg, Deps{MaxMarks: 10})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)
	b.Close()

	cfg.Backend = config.BackendRedis
	_, err = NewFromConfig(cfg, Deps{})
	assert.Error(t, err)

	cfg.Backend = config.BackendSQL
	_, err = NewFromConfig(cfg, Deps{})
	assert.Error(t, err)

	_, err = NewSQLBackend(&sql.DB{}, "oracle")
	assert.Error(t, err)
}
