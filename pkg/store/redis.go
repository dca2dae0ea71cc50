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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments KEYS[1] and sets its expiry only when the increment
// created the key. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisBackend stores marks and counters in Redis so every gateway instance
// shares them.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps an existing client. Keys are prefixed with prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// SetNX implements Backend.
func (b *RedisBackend) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// Incr implements Backend.
func (b *RedisBackend) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	now := time.Now()
	res, err := incrScript.Run(ctx, b.client, []string{b.prefix + key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, unavailable("incr", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, unavailable("incr", fmt.Errorf("unexpected script reply of length %d", len(res)))
	}
	return res[0], now.Add(time.Duration(res[1]) * time.Millisecond), nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBackend) Close() error {
	return nil
}

var _ Backend = (*RedisBackend)(nil)
