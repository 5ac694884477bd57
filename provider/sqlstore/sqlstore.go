// Package sqlstore persists query data in a SQL table through database/sql.
// It works with any driver that understands INSERT ... ON CONFLICT upserts
// (SQLite 3.24+, PostgreSQL).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unkn0wn-root/querycache/provider"
)

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	DB    *sql.DB
	Table string // default "querycache_entries"

	// DollarParams switches placeholders from ? to $n (PostgreSQL drivers).
	DollarParams bool

	// CloseDB closes DB on Close; set only when the store owns it.
	CloseDB bool

	Now func() time.Time
}

type Store struct {
	db      *sql.DB
	closeDB bool
	now     func() time.Time

	getQ, setQ, delQ, sweepQ string
}

var _ provider.Provider = (*Store)(nil)

// New validates cfg and creates the table if it does not exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, errors.New("sqlstore: DB is required")
	}
	table := cfg.Table
	if table == "" {
		table = "querycache_entries"
	}
	if !validTable.MatchString(table) {
		return nil, fmt.Errorf("sqlstore: invalid table name %q", table)
	}
	s := &Store{db: cfg.DB, closeDB: cfg.CloseDB, now: cfg.Now}
	if s.now == nil {
		s.now = time.Now
	}

	bindType := sqlx.QUESTION
	if cfg.DollarParams {
		bindType = sqlx.DOLLAR
	}
	bind := func(q string) string { return sqlx.Rebind(bindType, q) }
	s.getQ = bind(`SELECT value, expires_at FROM ` + table + ` WHERE key = ?`)
	s.setQ = bind(`INSERT INTO ` + table + ` (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	s.delQ = bind(`DELETE FROM ` + table + ` WHERE key = ?`)
	s.sweepQ = bind(`DELETE FROM ` + table + ` WHERE expires_at > 0 AND expires_at <= ?`)

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at BIGINT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("sqlstore: create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS `+table+`_expires_idx ON `+table+` (expires_at)`); err != nil {
		return nil, fmt.Errorf("sqlstore: create index: %w", err)
	}
	return s, nil
}

// Get treats expired rows as misses and deletes them.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value   []byte
		expires int64
	)
	err := s.db.QueryRowContext(ctx, s.getQ, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expires > 0 && s.now().UnixNano() >= expires {
		_ = s.Del(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var expires int64 // 0 = never
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixNano()
	}
	if _, err := s.db.ExecContext(ctx, s.setQ, key, value, expires); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.delQ, key)
	return err
}

// DeleteExpired removes expired rows and reports how many went.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.sweepQ, s.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Close(context.Context) error {
	if s.closeDB {
		return s.db.Close()
	}
	return nil
}
