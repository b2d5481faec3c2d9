package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskhost/pkg/logx"
)

var testDrivers = []struct {
	name string
	file string
}{
	{"file", "kv.json"},
	{"sqlite", "kv.db"},
}

func openTest(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	for _, d := range testDrivers {
		t.Run(d.name, func(t *testing.T) {
			st := openTest(t, d.name, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("Get(missing) ok=%v err=%v", ok, err)
			}
			if err := st.Put(ctx, "a", []byte(`{"n":1}`), 0); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := st.Put(ctx, "a", []byte(`{"n":2}`), 0); err != nil {
				t.Fatalf("Put: %v", err)
			}
			v, ok, err := st.Get(ctx, "a")
			if err != nil || !ok || string(v) != `{"n":2}` {
				t.Fatalf("Get(a)=%q ok=%v err=%v", v, ok, err)
			}

			_ = st.Put(ctx, "job.b", []byte("1"), 0)
			_ = st.Put(ctx, "job.a", []byte("1"), 0)
			keys, err := st.Keys(ctx, "job.")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if diff := cmp.Diff([]string{"job.a", "job.b"}, keys); diff != "" {
				t.Fatalf("Keys mismatch (-want +got):\n%s", diff)
			}

			removed, err := st.Delete(ctx, "a")
			if err != nil || !removed {
				t.Fatalf("Delete(a)=%v err=%v", removed, err)
			}
			removed, err = st.Delete(ctx, "a")
			if err != nil || removed {
				t.Fatalf("second Delete(a)=%v err=%v", removed, err)
			}
			if err := st.Put(ctx, " ", []byte("x"), 0); err != ErrEmptyKey {
				t.Fatalf("expected ErrEmptyKey, got %v", err)
			}
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	ctx := context.Background()
	for _, d := range testDrivers {
		t.Run(d.name, func(t *testing.T) {
			st := openTest(t, d.name, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			if err := st.Put(ctx, "short", []byte("x"), 20*time.Millisecond); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, ok, _ := st.Get(ctx, "short"); !ok {
				t.Fatalf("value should be live before expiry")
			}
			time.Sleep(60 * time.Millisecond)
			if _, ok, _ := st.Get(ctx, "short"); ok {
				t.Fatalf("value should be expired")
			}
			keys, _ := st.Keys(ctx, "")
			if len(keys) != 0 {
				t.Fatalf("expired key listed: %v", keys)
			}
			if removed, _ := st.Delete(ctx, "short"); removed {
				t.Fatalf("deleting an expired key must report false")
			}
		})
	}
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	for _, d := range testDrivers {
		t.Run(d.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), d.file)

			st := openTest(t, d.name, path)
			_ = st.Put(ctx, "keep", []byte("1"), 0)
			_ = st.Put(ctx, "drop", []byte("2"), 0)
			_, _ = st.Delete(ctx, "drop")
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if _, _, err := st.Get(ctx, "keep"); err != ErrClosed {
				t.Fatalf("expected ErrClosed after Close, got %v", err)
			}

			st = openTest(t, d.name, path)
			defer st.Close()
			keys, err := st.Keys(ctx, "")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if diff := cmp.Diff([]string{"keep"}, keys); diff != "" {
				t.Fatalf("keys after reopen (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileStoreReplaysJournalPastCompaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.json")

	st := openTest(t, "file", path)
	n := compactEvery + 10
	for i := 0; i < n; i++ {
		if err := st.Put(ctx, fmt.Sprintf("k%04d", i), []byte("v"), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	// Simulate a crash: reopen without Close so the tail lives only in the journal.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	st = openTest(t, "file", path)
	defer st.Close()
	keys, err := st.Keys(ctx, "k")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != n {
		t.Fatalf("keys=%d want %d", len(keys), n)
	}
}

func TestFileStoreDeleteOnCompactionSurvivesCrash(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.json")

	st := openTest(t, "file", path)
	if err := st.Put(ctx, "gone", []byte("v"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < compactEvery-2; i++ {
		if err := st.Put(ctx, fmt.Sprintf("k%04d", i), []byte("v"), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	// This delete is the write that triggers compaction.
	if ok, err := st.Delete(ctx, "gone"); err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	st = openTest(t, "file", path)
	defer st.Close()
	if _, found, err := st.Get(ctx, "gone"); err != nil || found {
		t.Fatalf("deleted key came back: found=%v err=%v", found, err)
	}
	keys, err := st.Keys(ctx, "k")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != compactEvery-2 {
		t.Fatalf("keys=%d want %d", len(keys), compactEvery-2)
	}
}
