package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session as a message list plus a meta hash. Both keys
// get their expiry refreshed on every append, so Redis drops idle sessions.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	idleTTL time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string, idleTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "session:", idleTTL: idleTTL}
}

func (s *RedisStore) messagesKey(sid string) string { return s.prefix + sid + ":messages" }
func (s *RedisStore) metaKey(sid string) string     { return s.prefix + sid + ":meta" }

func (s *RedisStore) Append(ctx context.Context, sid string, msgs ...Message) error {
	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		values = append(values, data)
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mk, hk := s.messagesKey(sid), s.metaKey(sid)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(values) > 0 {
			pipe.RPush(ctx, mk, values...)
		}
		pipe.HSetNX(ctx, hk, "created_at", now)
		pipe.HSet(ctx, hk, "updated_at", now)
		if s.idleTTL > 0 {
			pipe.PExpire(ctx, mk, s.idleTTL)
			pipe.PExpire(ctx, hk, s.idleTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to session %s: %w", sid, err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, sid string) ([]Message, error) {
	raw, err := s.client.LRange(ctx, s.messagesKey(sid), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sid, err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("failed to decode message in session %s: %w", sid, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) Get(ctx context.Context, sid string) (*Session, error) {
	meta, err := s.client.HGetAll(ctx, s.metaKey(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sid, err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	msgs, err := s.Read(ctx, sid)
	if err != nil {
		return nil, err
	}
	ms := func(name string) time.Time {
		n, _ := strconv.ParseInt(meta[name], 10, 64)
		return time.UnixMilli(n)
	}
	return &Session{
		ID:        sid,
		Messages:  msgs,
		CreatedAt: ms("created_at"),
		UpdatedAt: ms("updated_at"),
	}, nil
}

func (s *RedisStore) Delete(ctx context.Context, sid string) error {
	if err := s.client.Del(ctx, s.messagesKey(sid), s.metaKey(sid)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sid, err)
	}
	return nil
}

// Len counts meta keys with SCAN.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*:meta", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count sessions: %w", err)
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
