package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"taskhost/internal/eventbus"
	"taskhost/internal/runtime/supervisor"
	"taskhost/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	parser  cron.Parser
	disp    Dispatcher
	log     logx.Logger
	bus     eventbus.Bus
	entries map[string]*entry

	// sup owns the trigger goroutines while Run is active.
	sup *supervisor.Supervisor

	warnMu   sync.Mutex
	warnings map[string]*rate.Sometimes
}

// NewParser returns the cron parser used for task specs: seconds, minutes, hours,
// day of month, month, day of week, plus @hourly-style descriptors and @every.
func NewParser() cron.Parser {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		parser:  NewParser(),
		disp:    disp,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		entries: make(map[string]*entry),
	}
}

// Parse validates spec without registering it.
func (s *Service) Parse(task, spec string) (cron.Schedule, error) {
	sched, err := s.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, &CronParseError{Task: task, Spec: spec, Err: err}
	}
	return sched, nil
}

// Add schedules task on spec. An existing entry with the same name is replaced
// and its armed trigger canceled.
func (s *Service) Add(task, spec string) error {
	task = strings.TrimSpace(task)
	if task == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownTask)
	}
	sched, err := s.Parse(task, spec)
	if err != nil {
		return err
	}
	if s.disp != nil && !s.disp.Has(task) {
		return fmt.Errorf("schedule %q: %w", task, ErrUnknownTask)
	}

	s.mu.Lock()
	e := &entry{name: task, spec: strings.TrimSpace(spec), sched: sched}
	if prev := s.entries[task]; prev != nil {
		if prev.pending != nil {
			prev.pending.cancel()
		}
		e.lastAt = prev.lastAt
	}
	s.entries[task] = e
	s.mu.Unlock()

	args := []logx.Field{logx.String("task", task), logx.String("spec", spec)}
	if next := s.previewNextRuns(sched, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove drops the entry and cancels its armed trigger.
func (s *Service) Remove(task string) bool {
	s.mu.Lock()
	e := s.entries[task]
	if e != nil {
		delete(s.entries, task)
		if e.pending != nil {
			e.pending.cancel()
		}
	}
	s.mu.Unlock()
	if e != nil {
		s.log.Debug("schedule removed", logx.String("task", task))
	}
	return e != nil
}

// Tasks returns the scheduled task names, sorted.
func (s *Service) Tasks() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Run polls the entries until ctx ends. Trigger goroutines are canceled and
// joined before Run returns.
func (s *Service) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		sup.Cancel()
		return ErrRunning
	}
	s.sup = sup
	interval := s.cfg.PollInterval
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Duration("poll_interval", interval), logx.Int("entries", len(s.Tasks())))
	defer func() {
		_ = sup.Stop(context.Background())
		s.mu.Lock()
		s.sup = nil
		for _, e := range s.entries {
			e.pending = nil
		}
		s.mu.Unlock()
		s.log.Info("scheduler stopped")
	}()

	tick := time.NewTicker(interval)
	defer tick.Stop()

	s.poll(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.poll(time.Now())
		}
	}
}

// poll arms a trigger for every entry whose previous trigger finished.
// A still-running trigger means a late dispatch; it is left alone so runs are
// delayed, never duplicated. The next fire time is always after the last one
// armed, even when now lags behind it.
func (s *Service) poll(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return
	}
	for _, e := range s.entries {
		if e.pending != nil && !e.pending.finished() {
			continue
		}
		from := now.UTC()
		if e.lastAt.After(from) {
			from = e.lastAt
		}
		if e.pending != nil && e.pending.at.After(from) {
			from = e.pending.at
		}
		next := e.sched.Next(from)
		if next.IsZero() {
			if !e.exhausted {
				e.exhausted = true
				s.log.Warn("schedule has no future occurrence", logx.String("task", e.name), logx.String("spec", e.spec))
			}
			e.pending = nil
			continue
		}
		e.pending = s.armLocked(e, next)
	}
}

func (s *Service) armLocked(e *entry, at time.Time) *trigger {
	ctx, cancel := context.WithCancel(s.sup.Context())
	tr := &trigger{at: at, done: make(chan struct{}), cancel: cancel}
	name, spec := e.name, e.spec

	s.sup.Go("trigger."+name, func(context.Context) error {
		defer close(tr.done)
		defer cancel()

		t := time.NewTimer(time.Until(at))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		s.fire(ctx, name, spec, at)
		return nil
	})
	return tr
}

func (s *Service) fire(ctx context.Context, task, spec string, at time.Time) {
	err := s.disp.Dispatch(ctx, task, nil)

	ev := FiredEvent{Task: task, Spec: spec, At: at}
	if err != nil {
		ev.Error = err.Error()
	}

	s.mu.Lock()
	if e := s.entries[task]; e != nil && at.After(e.lastAt) {
		e.lastAt = at
	}
	if e := s.entries[task]; e != nil && e.spec == spec {
		e.dispatched++
		e.lastFired = time.Now()
		e.lastErr = ev.Error
		if err != nil {
			e.failed++
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventFired, Data: ev})
	}
	if err != nil {
		s.reportDispatchError(task, err)
		return
	}
	s.log.Debug("schedule fired", logx.String("task", task), logx.Time("at", at))
}

func (s *Service) Snapshot() Snapshot {
	now := time.Now().UTC()
	s.mu.Lock()
	snap := Snapshot{Running: s.sup != nil, PollInterval: s.cfg.PollInterval, Goroutines: s.sup.Snapshot()}
	for _, e := range s.entries {
		info := EntryInfo{
			Task:       e.name,
			Spec:       e.spec,
			Dispatched: e.dispatched,
			Failed:     e.failed,
			LastFired:  e.lastFired,
			LastError:  e.lastErr,
		}
		if e.pending != nil && !e.pending.finished() {
			info.Armed = true
			info.Next = e.pending.at
		} else {
			info.Next = e.sched.Next(now)
		}
		snap.Entries = append(snap.Entries, info)
	}
	s.mu.Unlock()

	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Task < snap.Entries[j].Task })
	return snap
}

// NextRuns returns up to n upcoming fire times after from, in UTC.
func NextRuns(sched cron.Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from.UTC()
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func (s *Service) previewNextRuns(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	var b strings.Builder
	for i, t := range NextRuns(sched, time.Now(), n) {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format(time.RFC3339))
	}
	return b.String()
}
