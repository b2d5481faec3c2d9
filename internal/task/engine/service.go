package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskhost/internal/eventbus"
	"taskhost/internal/runtime/supervisor"
	"taskhost/pkg/logx"
)

// Service runs tasks on a fixed set of workers fed by a bounded queue.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu   sync.Mutex
	cfg  Config
	pool *pool // nil while stopped

	slotsMu sync.Mutex
	slots   map[string]*runState

	histMu sync.Mutex
	hist   []HistoryItem

	inFlight  atomic.Int32
	fullDrops atomic.Uint64
	lateDrops atomic.Uint64
	skipped   atomic.Uint64

	warnFull rate.Sometimes
	warnLate rate.Sometimes
}

// pool is one Start..Stop generation of workers.
type pool struct {
	queue   chan queuedTask
	quit    chan struct{}
	drained chan struct{}
	sup     *supervisor.Supervisor
}

func (p *pool) quitting() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

type queuedTask struct {
	task    Task
	queued  time.Time
	timeout time.Duration
	slot    *runState
}

func (qt queuedTask) release() {
	if qt.slot != nil {
		qt.slot.release()
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log.With(logx.String("comp", "engine")),
		bus:      bus,
		cfg:      cfg.withDefaults(),
		slots:    map[string]*runState{},
		warnFull: rate.Sometimes{Interval: 5 * time.Second},
		warnLate: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply installs cfg. A running engine whose worker count or queue size
// changed is restarted, losing whatever was queued.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	resize := s.pool != nil && (s.cfg.Workers != cfg.Workers || s.cfg.QueueSize != cfg.QueueSize)
	s.cfg = cfg
	s.mu.Unlock()

	if resize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. Calling it on a running engine does nothing;
// on a stopping one it waits for the stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		p := s.pool
		if p == nil {
			p = s.launch(ctx, s.cfg)
			s.pool = p
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if !p.quitting() {
			return
		}
		select {
		case <-p.drained:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) launch(ctx context.Context, cfg Config) *pool {
	p := &pool{
		queue:   make(chan queuedTask, cfg.QueueSize),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
		sup:     supervisor.New(ctx, supervisor.WithLogger(s.log)),
	}
	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(wctx context.Context) error {
			s.work(wctx, p)
			if p.quitting() || wctx.Err() != nil {
				return context.Canceled
			}
			return errors.New("worker returned early")
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Info("engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.String("overlap", cfg.Overlap.String()),
		logx.Duration("default_timeout", cfg.DefaultTimeout),
	)
	return p
}

// Stop tells the workers to quit and waits until they have, or ctx ends.
// Running tasks see their context canceled; queued ones never run.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.quitting()
	if first {
		close(p.quit)
	}
	s.mu.Unlock()

	if first {
		go s.drain(p)
	}
	select {
	case <-p.drained:
		if first {
			s.log.Info("engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(p *pool) {
	p.sup.Cancel()
	_ = p.sup.Wait(context.Background())
	releaseQueued(p.queue)
	s.mu.Lock()
	if s.pool == p {
		s.pool = nil
	}
	s.mu.Unlock()
	close(p.drained)
}

func releaseQueued(q chan queuedTask) {
	for {
		select {
		case qt := <-q:
			qt.release()
		default:
			return
		}
	}
}

// Enqueue offers t to the queue without blocking; a full queue drops it with
// ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(t)
}

func (s *Service) enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task has no Run func")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task has no name")
	}
	if t.ID == "" {
		t.ID = "tsk-" + uuid.NewString()
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()
	switch {
	case p == nil:
		return ErrStopped
	case p.quitting():
		return ErrStopping
	}

	now := time.Now()
	qt := queuedTask{task: t, queued: now, timeout: t.Timeout}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if cfg.Overlap == OverlapSkip {
		qt.slot = s.slot(t.Name)
		if !qt.slot.tryAcquire() {
			s.skipped.Add(1)
			s.emit(EventSkipped, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped, previous run not finished", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}

	select {
	case p.queue <- qt:
		return nil
	default:
		qt.release()
		s.dropFull(qt, p)
		return ErrQueueFull
	}
}

func (s *Service) slot(name string) *runState {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	st, ok := s.slots[name]
	if !ok {
		st = &runState{}
		s.slots[name] = st
	}
	return st
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	full, late := s.fullDrops.Load(), s.lateDrops.Load()
	snap := Snapshot{
		Running:          p != nil && !p.quitting(),
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Overlap:          cfg.Overlap.String(),
		Timeout:          cfg.DefaultTimeout,
		Dropped:          full + late,
		DroppedQueueFull: full,
		DroppedStale:     late,
		Skipped:          s.skipped.Load(),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
		snap.Goroutines = p.sup.Snapshot()
	}
	s.histMu.Lock()
	snap.History = append([]HistoryItem(nil), s.hist...)
	s.histMu.Unlock()
	return snap
}

func (s *Service) emit(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) remember(item HistoryItem) {
	limit := s.Config().HistorySize
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.hist = append(s.hist, item)
	if over := len(s.hist) - limit; over > 0 {
		s.hist = append(s.hist[:0:0], s.hist[over:]...)
	}
}

func (s *Service) dropFull(qt queuedTask, p *pool) {
	s.fullDrops.Add(1)
	s.emit(EventDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: qt.queued, Error: "queue_full"})
	s.warnFull.Do(func() {
		s.log.Warn("queue full, task dropped",
			logx.String("task", qt.task.Name),
			logx.Int("queue_cap", cap(p.queue)),
			logx.Uint64("total", s.fullDrops.Load()),
		)
	})
}

func (s *Service) dropLate(qt queuedTask, waited time.Duration) {
	s.lateDrops.Add(1)
	s.remember(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: time.Now(), QueueDelay: waited, Error: "stale_queue_delay"})
	s.emit(EventDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: qt.queued, QueueDelay: waited, Error: "stale_queue_delay"})
	s.warnLate.Do(func() {
		s.log.Warn("task waited too long in queue, dropped",
			logx.String("task", qt.task.Name),
			logx.Duration("queue_delay", waited),
			logx.Uint64("total", s.lateDrops.Load()),
		)
	})
}
