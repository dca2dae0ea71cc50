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

// Package store provides the keyed primitives shared by the replay guard and
// the rate limiter: set-if-absent with expiry, and increment with expiry set
// on creation.
//
// Backends:
//   - memory: in-process map with a background sweeper
//   - redis: SET NX PX and an INCR/PEXPIRE script
//   - sql: postgres, mysql or sqlite table keyed by entry
//
// The backend is chosen once at construction; callers only see Backend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// ErrUnavailable wraps every transport or backend failure so callers can
// apply their fail-open policy.
var ErrUnavailable = errors.New("store unavailable")

// Backend is the storage interface behind the replay guard and rate limiter.
//
// Implementations must be safe for concurrent use and each call must be atomic
// for its key.
type Backend interface {
	// SetNX records key with the given ttl and reports whether it was absent
	// (or expired).
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Incr increments the counter at key. The expiry is set to ttl only by the
	// increment that creates the record.
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, expiresAt time.Time, err error)

	// Close stops background work. Shared connections are left open.
	Close() error
}

// Deps carries connections shared with other components.
type Deps struct {
	Redis   redis.UniversalClient
	DB      *sql.DB
	Dialect string

	// MaxMarks caps the memory backend's set-if-absent entries.
	MaxMarks int
}

// NewFromConfig builds the backend selected by cfg.
func NewFromConfig(cfg *config.StoreConfig, deps Deps) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryBackend(
			WithMaxMarks(deps.MaxMarks),
			WithSweepInterval(cfg.SweepInterval),
		), nil
	case config.BackendRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisBackend(deps.Redis, cfg.Redis.KeyPrefix), nil
	case config.BackendSQL:
		if deps.DB == nil {
			return nil, fmt.Errorf("sql backend requires a database connection")
		}
		return NewSQLBackend(deps.DB, deps.Dialect, WithSQLSweepInterval(cfg.SweepInterval))
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
