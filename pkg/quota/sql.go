package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/tollgate/pkg/store"
)

const createQuotaTableSQL = `
CREATE TABLE IF NOT EXISTS tollgate_quotas (
    client_key VARCHAR(255) NOT NULL PRIMARY KEY,
    daily_count BIGINT NOT NULL DEFAULT 0,
    monthly_count BIGINT NOT NULL DEFAULT 0,
    daily_reset_at BIGINT NOT NULL,
    monthly_reset_at BIGINT NOT NULL
)`

// SQLStore keeps quota records in a relational database. Each call runs in
// its own transaction with the client's row locked.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates the store and its table.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := store.ValidateDialect(dialect); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createQuotaTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create tollgate_quotas table: %w", err)
	}

	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) Admit(ctx context.Context, key string, limits Limits, now time.Time) (*Decision, error) {
	var d Decision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureRow(ctx, tx, key, now); err != nil {
			return err
		}
		rec, err := s.selectForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		d = rec.admit(limits, now)
		return s.update(ctx, tx, key, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: quota admit: %v", store.ErrUnavailable, err)
	}
	return &d, nil
}

func (s *SQLStore) Refund(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tollgate_quotas SET
			daily_count = CASE WHEN daily_count > 0 THEN daily_count - 1 ELSE 0 END,
			monthly_count = CASE WHEN monthly_count > 0 THEN monthly_count - 1 ELSE 0 END
		WHERE client_key = ?`), key)
	if err != nil {
		return fmt.Errorf("%w: quota refund: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string, now time.Time) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT daily_count, monthly_count, daily_reset_at, monthly_reset_at FROM tollgate_quotas WHERE client_key = ?`), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: quota get: %v", store.ErrUnavailable, err)
	}
	rec.rollover(now)
	return rec, nil
}

func (s *SQLStore) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tollgate_quotas WHERE client_key = ?`), key); err != nil {
		return fmt.Errorf("%w: quota reset: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) ensureRow(ctx context.Context, tx *sql.Tx, key string, now time.Time) error {
	var query string
	switch s.dialect {
	case store.DialectPostgres:
		query = `INSERT INTO tollgate_quotas (client_key, daily_count, monthly_count, daily_reset_at, monthly_reset_at)
			VALUES (?, 0, 0, ?, ?) ON CONFLICT (client_key) DO NOTHING`
	case store.DialectMySQL:
		query = `INSERT IGNORE INTO tollgate_quotas (client_key, daily_count, monthly_count, daily_reset_at, monthly_reset_at)
			VALUES (?, 0, 0, ?, ?)`
	default:
		query = `INSERT OR IGNORE INTO tollgate_quotas (client_key, daily_count, monthly_count, daily_reset_at, monthly_reset_at)
			VALUES (?, 0, 0, ?, ?)`
	}
	fresh := newRecord(now)
	_, err := tx.ExecContext(ctx, s.rebind(query), key, fresh.DailyResetAt.UnixMilli(), fresh.MonthlyResetAt.UnixMilli())
	return err
}

func (s *SQLStore) selectForUpdate(ctx context.Context, tx *sql.Tx, key string) (*Record, error) {
	query := `SELECT daily_count, monthly_count, daily_reset_at, monthly_reset_at FROM tollgate_quotas WHERE client_key = ?`
	// SQLite has no row locks; its single writer serializes the transaction.
	if s.dialect != store.DialectSQLite {
		query += ` FOR UPDATE`
	}
	return scanRecord(tx.QueryRowContext(ctx, s.rebind(query), key))
}

func (s *SQLStore) update(ctx context.Context, tx *sql.Tx, key string, rec *Record) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE tollgate_quotas SET daily_count = ?, monthly_count = ?, daily_reset_at = ?, monthly_reset_at = ?
		WHERE client_key = ?`),
		rec.DailyCount, rec.MonthlyCount, rec.DailyResetAt.UnixMilli(), rec.MonthlyResetAt.UnixMilli(), key)
	return err
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) rebind(query string) string {
	return store.Rebind(s.dialect, query)
}

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		rec    Record
		dr, mr int64
	)
	if err := row.Scan(&rec.DailyCount, &rec.MonthlyCount, &dr, &mr); err != nil {
		return nil, err
	}
	rec.DailyResetAt = time.UnixMilli(dr)
	rec.MonthlyResetAt = time.UnixMilli(mr)
	return &rec, nil
}

var _ Store = (*SQLStore)(nil)
