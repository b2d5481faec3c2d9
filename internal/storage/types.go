package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage key is empty")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the key/value API used by the native functions.
type Store interface {
	// Get returns ok=false for missing or expired keys.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put stores value; ttl <= 0 keeps it until deleted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete reports whether a live key was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys lists live keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func expiryFor(ttl time.Duration, now time.Time) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func expired(expires int64, now time.Time) bool {
	return expires > 0 && expires <= now.UnixMilli()
}
