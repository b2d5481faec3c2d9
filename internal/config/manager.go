package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskhost/internal/runtime/supervisor"
	"taskhost/pkg/logx"
)

const (
	settleDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// Validator vets a parsed config before Watch commits it.
type Validator func(ctx context.Context, cfg *Config) error

// Manager holds the committed config for one file and fans reloads out to
// subscribers.
type Manager struct {
	path string
	log  logx.Logger
	vet  Validator

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	// listeners is guarded by lmu, which Unsubscribe also holds while closing.
	lmu       sync.Mutex
	listeners map[chan *Config]struct{}

	// watcher is set while Watch runs.
	watcher atomic.Pointer[supervisor.Supervisor]
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), listeners: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("comp", "config"))
}

func (m *Manager) SetValidator(v Validator) { m.vet = v }

// ResolvePath anchors a relative path at the config file's directory.
func (m *Manager) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(m.path), p)
}

// Parse reads and validates the file. Nothing is committed.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cur, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Subscribe returns a channel that receives every committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.lmu.Lock()
	m.listeners[ch] = struct{}{}
	m.lmu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if _, ok := m.listeners[ch]; ok {
		delete(m.listeners, ch)
		close(ch)
	}
}

// broadcast never blocks: a full listener has its stale entry replaced.
func (m *Manager) broadcast(cfg *Config) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	for ch := range m.listeners {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		offer(ch, cfg)
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

func (m *Manager) refresh(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config ignored", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return
	}
	if m.vet != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.vet(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.broadcast(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
}

// Watch reloads the file once writes to it settle and returns when ctx ends.
// A failed watcher is rebuilt with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.watcher.Store(sup)
	defer m.watcher.Store(nil)
	sup.GoRestart("config.watch", m.watchOnce, supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	<-ctx.Done()
	_ = sup.Wait(context.Background())
	return nil
}

// Goroutines reports the watcher goroutine stats; empty when Watch is not running.
func (m *Manager) Goroutines() supervisor.Snapshot {
	return m.watcher.Load().Snapshot()
}

var errWatcherClosed = errors.New("fsnotify watcher closed")

func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Watch the directory: editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	name := filepath.Base(m.path)

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.refresh(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				settle.Reset(settleDelay)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
