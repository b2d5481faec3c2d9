package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"taskhost/pkg/logx"
)

//go:embed migrations.sql
var schema string

// Every sweepInterval-th write also deletes expired rows.
const sweepInterval = 500

const (
	qGet    = `SELECT value, expires FROM kv WHERE key = ?`
	qPut    = `INSERT INTO kv(key, value, expires, updated) VALUES(?, ?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires = excluded.expires, updated = excluded.updated`
	qDelete = `DELETE FROM kv WHERE key = ?`
	qLive   = `SELECT expires FROM kv WHERE key = ?`
	qKeys   = `SELECT key FROM kv WHERE substr(key, 1, ?) = ? AND (expires = 0 OR expires > ?) ORDER BY key`
	qSweep  = `DELETE FROM kv WHERE expires > 0 AND expires <= ?`
)

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	writes atomic.Uint64
	closed atomic.Bool
}

// sqliteDSN sets pragmas through the driver so every pooled connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	pragmas := []string{"journal_mode(WAL)", "synchronous(NORMAL)"}
	if busy > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	}
	return "file:" + path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// One writer at a time; readers share the same connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) check(key string) error {
	switch {
	case s.closed.Load():
		return ErrClosed
	case strings.TrimSpace(key) == "":
		return ErrEmptyKey
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.check(key); err != nil {
		return nil, false, err
	}
	var (
		val []byte
		exp int64
	)
	switch err := s.db.QueryRowContext(ctx, qGet, key).Scan(&val, &exp); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	case expired(exp, time.Now()):
		return nil, false, nil
	}
	return val, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, qPut, key, value, expiryFor(ttl, now), now.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if s.writes.Add(1)%sweepInterval == 0 {
		s.sweep()
	}
	return nil
}

// Delete removes key whether or not it expired, but only a live key counts.
func (s *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exp int64
	switch err := tx.QueryRowContext(ctx, qLive, key).Scan(&exp); {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	if _, err := tx.ExecContext(ctx, qDelete, key); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return !expired(exp, time.Now()), nil
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, qKeys, len(prefix), prefix, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, qSweep, time.Now().UnixMilli()); err != nil {
		s.log.Debug("expired key sweep failed", logx.Err(err))
	}
}

func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
