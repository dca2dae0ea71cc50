package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/tollgate/pkg/store"
)

// admitScript mirrors Record.admit on a hash with fields dc, mc, dr, mr
// (counts and unix-ms reset points).
// Returns {reason, dc, mc, dr, mr} where reason is 0 (admitted), 1 (daily)
// or 2 (monthly).
var admitScript = redis.NewScript(`
local now  = tonumber(ARGV[1])
local dlim = tonumber(ARGV[2])
local mlim = tonumber(ARGV[3])
local dper = tonumber(ARGV[4])
local mper = tonumber(ARGV[5])

local v = redis.call('HMGET', KEYS[1], 'dc', 'mc', 'dr', 'mr')
local dc = tonumber(v[1]) or 0
local mc = tonumber(v[2]) or 0
local dr = tonumber(v[3])
local mr = tonumber(v[4])

if not dr or now >= dr then
  dc = 0
  dr = now + dper
end
if not mr or now >= mr then
  mc = 0
  mr = now + mper
end

local reason = 0
if dlim > 0 and dc >= dlim then
  reason = 1
elseif mlim > 0 and mc >= mlim then
  reason = 2
else
  dc = dc + 1
  mc = mc + 1
end

redis.call('HSET', KEYS[1], 'dc', dc, 'mc', mc, 'dr', dr, 'mr', mr)
redis.call('PEXPIREAT', KEYS[1], mr)
return {reason, dc, mc, dr, mr}
`)

var refundScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local dc = tonumber(redis.call('HGET', KEYS[1], 'dc')) or 0
local mc = tonumber(redis.call('HGET', KEYS[1], 'mc')) or 0
if dc > 0 then redis.call('HINCRBY', KEYS[1], 'dc', -1) end
if mc > 0 then redis.call('HINCRBY', KEYS[1], 'mc', -1) end
return 1
`)

// RedisStore keeps quota records in Redis hashes shared by every gateway
// instance. A record expires at its monthly reset point.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "quota:"}
}

func (s *RedisStore) Admit(ctx context.Context, key string, limits Limits, now time.Time) (*Decision, error) {
	res, err := admitScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), limits.Daily, limits.Monthly,
		DailyPeriod.Milliseconds(), MonthlyPeriod.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: quota admit: %v", store.ErrUnavailable, err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("%w: quota admit: unexpected reply of length %d", store.ErrUnavailable, len(res))
	}

	d := &Decision{
		Record: Record{
			DailyCount:     res[1],
			MonthlyCount:   res[2],
			DailyResetAt:   time.UnixMilli(res[3]),
			MonthlyResetAt: time.UnixMilli(res[4]),
		},
	}
	switch res[0] {
	case 0:
		d.Allowed = true
	case 1:
		d.Reason = ReasonDaily
	default:
		d.Reason = ReasonMonthly
	}
	return d, nil
}

func (s *RedisStore) Refund(ctx context.Context, key string) error {
	if err := refundScript.Run(ctx, s.client, []string{s.prefix + key}).Err(); err != nil {
		return fmt.Errorf("%w: quota refund: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string, now time.Time) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: quota get: %v", store.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	num := func(name string) int64 {
		n, _ := strconv.ParseInt(fields[name], 10, 64)
		return n
	}
	rec := &Record{
		DailyCount:     num("dc"),
		MonthlyCount:   num("mc"),
		DailyResetAt:   time.UnixMilli(num("dr")),
		MonthlyResetAt: time.UnixMilli(num("mr")),
	}
	rec.rollover(now)
	return rec, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: quota reset: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
