package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskhost/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps every entry in memory and persists through two files:
//   - <prefix>.kv.snapshot.json (full map, rewritten on compaction)
//   - <prefix>.kv.journal.jsonl (append-only put/del records since the snapshot)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	entries      map[string]fileEntry

	writes int
}

type fileEntry struct {
	Value   []byte `json:"value"`
	Expires int64  `json:"expires,omitempty"` // unix milli, 0 = never
}

type journalRecord struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Expires int64  `json:"expires,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".kv.snapshot.json"
	journalPath := prefix + ".kv.journal.jsonl"

	entries := map[string]fileEntry{}
	if err := loadSnapshot(snapPath, entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	replayed, err := replayJournal(journalPath, entries)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("kv journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}
	pruneExpired(entries, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", prefix), logx.Int("keys", len(entries)), logx.Int("replayed", replayed))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		entries:      entries,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok || expired(e.Expires, time.Now()) {
		return nil, false, nil
	}
	return append([]byte(nil), e.Value...), true, nil
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	e := fileEntry{Value: append([]byte(nil), value...), Expires: expiryFor(ttl, time.Now())}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalRecord{Op: "put", Key: key, Value: e.Value, Expires: e.Expires}); err != nil {
		return err
	}
	s.entries[key] = e
	s.wroteLocked()
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key string) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: "del", Key: key}); err != nil {
		return false, err
	}
	delete(s.entries, key)
	s.wroteLocked()
	return !expired(e.Expires, time.Now()), nil
}

func (s *fileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	now := time.Now()
	s.mu.Lock()
	if s.journal == nil {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !expired(e.Expires, now) {
			out = append(out, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	return json.NewEncoder(s.journal).Encode(r)
}

// wroteLocked counts a write already applied to entries and compacts every
// compactEvery writes, so the snapshot always includes the journaled record.
func (s *fileStore) wroteLocked() {
	s.writes++
	if s.writes%compactEvery != 0 {
		return
	}
	// Best-effort; the journal still holds every record on failure.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("kv compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.entries, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]fileEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]fileEntry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal records in order. A torn last line is skipped.
func replayJournal(path string, out map[string]fileEntry) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		switch r.Op {
		case "put":
			out[r.Key] = fileEntry{Value: r.Value, Expires: r.Expires}
		case "del":
			delete(out, r.Key)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

func pruneExpired(m map[string]fileEntry, now time.Time) {
	for k, e := range m {
		if expired(e.Expires, now) {
			delete(m, k)
		}
	}
}
