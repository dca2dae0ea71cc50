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

package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const pingTimeout = 10 * time.Second

// sqlitePragmas run on the single SQLite connection. WAL lets readers
// proceed during quota and rate-limit writes.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

type pooledDB struct {
	db    *sql.DB
	label string
}

// DBPool hands out one *sql.DB per DSN so the store backend and the quota
// store share connections.
type DBPool struct {
	mu    sync.Mutex
	pools map[string]pooledDB
}

// NewDBPool creates an empty pool.
func NewDBPool() *DBPool {
	return &DBPool{pools: make(map[string]pooledDB)}
}

// Get returns the shared connection for cfg, opening it on first use.
func (p *DBPool) Get(ctx context.Context, cfg *DatabaseConfig) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dsn := cfg.DSN()
	if pooled, ok := p.pools[dsn]; ok {
		return pooled.db, nil
	}

	db, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Label(), err)
	}
	p.pools[dsn] = pooledDB{db: db, label: cfg.Label()}
	return db, nil
}

// Len returns the number of open databases.
func (p *DBPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools)
}

func open(ctx context.Context, cfg *DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlite := cfg.Dialect() == "sqlite"
	if sqlite {
		// One writer at a time; a second connection only adds lock contention.
		// The connection is kept forever so its pragmas stay applied.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxIdle)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if sqlite {
		for _, pragma := range sqlitePragmas {
			if _, err := db.ExecContext(pingCtx, pragma); err != nil {
				slog.Warn("SQLite pragma failed", "pragma", pragma, "error", err)
			}
		}
	}

	slog.Debug("Database connection opened", "database", cfg.Label())
	return db, nil
}

// Close closes every pooled connection.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, pooled := range p.pools {
		if err := pooled.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", pooled.label, err))
		}
	}
	p.pools = make(map[string]pooledDB)
	return errors.Join(errs...)
}
