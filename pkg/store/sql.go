// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Dialects understood by the SQL backends.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// expires_at is unix milliseconds so the schema is identical across dialects.
const (
	createCountersTableSQL = `
CREATE TABLE IF NOT EXISTS tollgate_counters (
    entry_key VARCHAR(255) NOT NULL PRIMARY KEY,
    counter BIGINT NOT NULL DEFAULT 0,
    expires_at BIGINT NOT NULL
)`

	createCountersTableMySQL = `
CREATE TABLE IF NOT EXISTS tollgate_counters (
    entry_key VARCHAR(255) NOT NULL PRIMARY KEY,
    counter BIGINT NOT NULL DEFAULT 0,
    expires_at BIGINT NOT NULL,
    INDEX idx_tollgate_counters_expires_at (expires_at)
)`

	createCountersIndexSQL = `CREATE INDEX IF NOT EXISTS idx_tollgate_counters_expires_at ON tollgate_counters(expires_at)`
)

// SQLBackend stores marks and counters in a relational database.
type SQLBackend struct {
	db      *sql.DB
	dialect string

	sweepInterval time.Duration
	stopOnce      sync.Once
	stop          chan struct{}
	done          chan struct{}
}

// SQLOption configures a SQLBackend.
type SQLOption func(*SQLBackend)

// WithSQLSweepInterval sets how often expired rows are deleted.
// Zero disables the sweeper.
func WithSQLSweepInterval(d time.Duration) SQLOption {
	return func(b *SQLBackend) {
		b.sweepInterval = d
	}
}

// ValidateDialect reports whether dialect is supported.
func ValidateDialect(dialect string) error {
	switch dialect {
	case DialectPostgres, DialectMySQL, DialectSQLite:
		return nil
	default:
		return fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}
}

// NewSQLBackend creates the backend and its table.
func NewSQLBackend(db *sql.DB, dialect string, opts ...SQLOption) (*SQLBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := ValidateDialect(dialect); err != nil {
		return nil, err
	}

	b := &SQLBackend{
		db:      db,
		dialect: dialect,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if b.sweepInterval > 0 {
		go b.sweepLoop()
	} else {
		close(b.done)
	}
	return b, nil
}

func (b *SQLBackend) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if b.dialect == DialectMySQL {
		if _, err := b.db.ExecContext(ctx, createCountersTableMySQL); err != nil {
			return fmt.Errorf("failed to create tollgate_counters table: %w", err)
		}
		return nil
	}
	if _, err := b.db.ExecContext(ctx, createCountersTableSQL); err != nil {
		return fmt.Errorf("failed to create tollgate_counters table: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, createCountersIndexSQL); err != nil {
		return fmt.Errorf("failed to create tollgate_counters index: %w", err)
	}
	return nil
}

// SetNX implements Backend.
func (b *SQLBackend) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	var query string
	switch b.dialect {
	case DialectPostgres:
		query = `INSERT INTO tollgate_counters (entry_key, counter, expires_at) VALUES (?, 0, ?) ON CONFLICT (entry_key) DO NOTHING`
	case DialectMySQL:
		query = `INSERT IGNORE INTO tollgate_counters (entry_key, counter, expires_at) VALUES (?, 0, ?)`
	default:
		query = `INSERT OR IGNORE INTO tollgate_counters (entry_key, counter, expires_at) VALUES (?, 0, ?)`
	}

	var inserted bool
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		if err := b.deleteExpiredKey(ctx, tx, key, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, b.rebind(query), key, now.Add(ttl).UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return inserted, nil
}

// Incr implements Backend.
func (b *SQLBackend) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	now := time.Now()

	var upsert string
	if b.dialect == DialectMySQL {
		upsert = `INSERT INTO tollgate_counters (entry_key, counter, expires_at) VALUES (?, 1, ?)
			ON DUPLICATE KEY UPDATE counter = counter + 1`
	} else {
		upsert = `INSERT INTO tollgate_counters (entry_key, counter, expires_at) VALUES (?, 1, ?)
			ON CONFLICT (entry_key) DO UPDATE SET counter = tollgate_counters.counter + 1`
	}

	var (
		count     int64
		expiresMs int64
	)
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		if err := b.deleteExpiredKey(ctx, tx, key, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.rebind(upsert), key, now.Add(ttl).UnixMilli()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			b.rebind(`SELECT counter, expires_at FROM tollgate_counters WHERE entry_key = ?`), key,
		).Scan(&count, &expiresMs)
	})
	if err != nil {
		return 0, time.Time{}, unavailable("incr", err)
	}
	return count, time.UnixMilli(expiresMs), nil
}

// DeleteExpired removes every expired row.
func (b *SQLBackend) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		b.rebind(`DELETE FROM tollgate_counters WHERE expires_at <= ?`), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rows: %w", err)
	}
	return res.RowsAffected()
}

func (b *SQLBackend) deleteExpiredKey(ctx context.Context, tx *sql.Tx, key string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		b.rebind(`DELETE FROM tollgate_counters WHERE entry_key = ? AND expires_at <= ?`),
		key, now.UnixMilli())
	return err
}

func (b *SQLBackend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *SQLBackend) rebind(query string) string {
	return Rebind(b.dialect, query)
}

// Rebind rewrites ? placeholders to $N for postgres.
func Rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) sweepLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := b.DeleteExpired(ctx)
			cancel()
			if err != nil {
				slog.Warn("Failed to sweep expired rows", "error", err)
			} else if n > 0 {
				slog.Debug("Swept expired rows", "removed", n)
			}
		}
	}
}

// Close stops the sweeper. The database handle is owned by the caller.
func (b *SQLBackend) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return nil
}

var _ Backend = (*SQLBackend)(nil)
