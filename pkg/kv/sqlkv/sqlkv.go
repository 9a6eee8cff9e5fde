// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlkv implements kv.Store on top of database/sql. The sqlite and
// postgres backends wrap it with their driver and dialect.
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/sqlutil"
)

// compile-time check
var _ kv.Store = (*Store)(nil)

// Store is a kv.Store backed by a single kv_entries table.
type Store struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	now     func() time.Time
	cron    *cron.Cron
}

// New creates the table if needed and schedules the expiry sweep. An empty
// schedule disables the sweep. The store takes ownership of db.
func New(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect, sweepSchedule string) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: time.Now}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kv_entries (
			entry_key TEXT PRIMARY KEY,
			value %s NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`, dialect.BlobType)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return nil, fmt.Errorf("%s kv create table: %w", dialect.Name, err)
	}

	if sweepSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(sweepSchedule, func() {
			_, _ = s.Sweep(context.Background())
		}); err != nil {
			return nil, fmt.Errorf("%s kv: invalid sweep schedule %q: %w", dialect.Name, sweepSchedule, err)
		}
		s.cron.Start()
	}
	return s, nil
}

// Get returns the value for key, or kv.ErrNotFound when absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT value, expires_at FROM kv_entries WHERE entry_key = ?`), key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s kv get: %w", s.dialect.Name, err)
	}
	if kv.Expired(s.now(), expiresAt) {
		return nil, kv.ErrNotFound
	}
	return value, nil
}

const upsertStmt = `INSERT INTO kv_entries (entry_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (entry_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`

// Set upserts key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(upsertStmt), key, value, kv.ExpiresAt(s.now(), ttl))
	if err != nil {
		return fmt.Errorf("%s kv set: %w", s.dialect.Name, err)
	}
	return nil
}

const seedStmt = `INSERT INTO kv_entries (entry_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (entry_key) DO NOTHING`

// Incr increments the counter at key inside a transaction. The row is seeded
// before it is read so the row lock also covers the first increment.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s kv incr begin: %w", s.dialect.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	query := s.dialect.Locking(`SELECT value, expires_at FROM kv_entries WHERE entry_key = ?`)

	var raw []byte
	var expiresAt int64
	n := int64(1)
	deadline := kv.ExpiresAt(now, ttl)

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(seedStmt), key, []byte("0"), deadline); err != nil {
		return 0, fmt.Errorf("%s kv incr seed: %w", s.dialect.Name, err)
	}
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(query), key).Scan(&raw, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("%s kv incr read: %w", s.dialect.Name, err)
	case !kv.Expired(now, expiresAt):
		cur, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("%s kv: value at %q is not a counter", s.dialect.Name, key)
		}
		n = cur + 1
		deadline = expiresAt
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(upsertStmt), key, []byte(strconv.FormatInt(n, 10)), deadline); err != nil {
		return 0, fmt.Errorf("%s kv incr write: %w", s.dialect.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s kv incr commit: %w", s.dialect.Name, err)
	}
	return n, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM kv_entries WHERE entry_key = ?`), key); err != nil {
		return fmt.Errorf("%s kv delete: %w", s.dialect.Name, err)
	}
	return nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM kv_entries WHERE expires_at <> 0 AND expires_at <= ?`), s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%s kv sweep: %w", s.dialect.Name, err)
	}
	return res.RowsAffected()
}

// Close stops the sweep and closes the database.
func (s *Store) Close(_ context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return s.db.Close()
}
