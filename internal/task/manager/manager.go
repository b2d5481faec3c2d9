// Package manager registers native functions and scripts with the interpreter and
// dispatches task executions onto the task engine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"taskhost/internal/eventbus"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/script"
	"taskhost/pkg/logx"
)

var (
	ErrUnknownTask        = engine.ErrUnknownTask
	ErrRegistrationClosed = errors.New("native function registration closed after script load")
)

// Script declares a source chunk and the task names it defines.
type Script struct {
	Name   string
	Path   string
	Source string
	Tasks  []string
}

// Enqueuer is the part of the task engine the manager needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Options struct {
	Runtime *script.Runtime
	Engine  Enqueuer
	Logger  logx.Logger
	Bus     eventbus.Bus

	// OnFatal runs once when the interpreter is poisoned.
	OnFatal func(err error)
}

type Manager struct {
	rt      *script.Runtime
	engine  Enqueuer
	log     logx.Logger
	bus     eventbus.Bus
	onFatal func(error)
	fatal   sync.Once

	mu     sync.RWMutex
	tasks  map[string]string // task -> script
	sealed bool
}

func New(opt Options) (*Manager, error) {
	if opt.Runtime == nil {
		return nil, errors.New("manager: runtime is required")
	}
	if opt.Engine == nil {
		return nil, errors.New("manager: engine is required")
	}
	log := opt.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		rt:      opt.Runtime,
		engine:  opt.Engine,
		log:     log.With(logx.String("comp", "manager")),
		bus:     opt.Bus,
		onFatal: opt.OnFatal,
		tasks:   make(map[string]string),
	}, nil
}

// RegisterFunction exposes fn to scripts as a global. The same name registered
// twice keeps the last handler. Registration closes once any script is registered.
func (m *Manager) RegisterFunction(name string, fn script.Func) error {
	m.mu.RLock()
	sealed := m.sealed
	m.mu.RUnlock()
	if sealed {
		return fmt.Errorf("%w: %q", ErrRegistrationClosed, name)
	}
	if err := m.rt.RegisterFunc(name, fn); err != nil {
		m.checkFatal(err)
		return err
	}
	m.log.Debug("native function registered", logx.String("function", name))
	return nil
}

// RegisterScript loads s and runs setup() for each declared task. It returns the
// tasks that became runnable. Setup failures are logged and omitted; only a load
// failure is returned as an error.
func (m *Manager) RegisterScript(ctx context.Context, s Script) ([]string, error) {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()

	name := s.Name
	if name == "" {
		name = s.Path
	}
	log := m.log.With(logx.String("script", name))

	if err := m.rt.Load(ctx, script.Source{Name: name, Path: s.Path, Code: s.Source}); err != nil {
		m.checkFatal(err)
		log.Error("script load failed", logx.Err(err))
		return nil, err
	}

	runnable := make([]string, 0, len(s.Tasks))
	for _, task := range s.Tasks {
		if err := m.rt.Setup(ctx, task); err != nil {
			if m.checkFatal(err) {
				return runnable, err
			}
			log.Warn("task setup failed", logx.String("task", task), logx.Err(err))
			continue
		}

		m.mu.Lock()
		prev, existed := m.tasks[task]
		m.tasks[task] = name
		m.mu.Unlock()
		if existed && prev != name {
			log.Warn("task now defined by another script", logx.String("task", task), logx.String("previous", prev))
		}
		runnable = append(runnable, task)
	}

	log.Info("script registered", logx.Strings("tasks", runnable), logx.Int("declared", len(s.Tasks)))
	return runnable, nil
}

// Forget removes tasks from the runnable set. Their lua globals stay defined.
func (m *Manager) Forget(tasks ...string) {
	m.mu.Lock()
	for _, t := range tasks {
		delete(m.tasks, t)
	}
	m.mu.Unlock()
}

func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	_, ok := m.tasks[name]
	m.mu.RUnlock()
	return ok
}

// Tasks returns the runnable task names, sorted.
func (m *Manager) Tasks() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.tasks))
	for name := range m.tasks {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ScriptOf returns the script that defines task.
func (m *Manager) ScriptOf(task string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.tasks[task]
	return s, ok
}

// Dispatch queues an execution of name and returns without waiting for it.
// The outcome is logged and published on the event bus by the engine.
func (m *Manager) Dispatch(ctx context.Context, name string, params any) error {
	if !m.Has(name) {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return m.engine.Enqueue(engine.Task{
		Name: name,
		Run: func(runCtx context.Context) error {
			_, err := m.Execute(runCtx, name, params)
			return err
		},
	})
}

// Execute runs name synchronously and returns its result.
func (m *Manager) Execute(ctx context.Context, name string, params any) (any, error) {
	if !m.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	res, err := m.rt.Execute(ctx, name, params)
	if err != nil {
		m.checkFatal(err)
		return nil, err
	}
	if script.IsNativeError(res) {
		m.log.Warn("task returned a native function error", logx.String("task", name), logx.Any("result", res))
	} else {
		m.log.Debug("task.result", logx.String("task", name), logx.Any("result", res))
	}
	return res, nil
}

// Natives returns the registered native function names.
func (m *Manager) Natives() []string { return m.rt.Natives() }

func (m *Manager) checkFatal(err error) bool {
	if !errors.Is(err, script.ErrPoisoned) {
		return false
	}
	m.fatal.Do(func() {
		m.log.Error("interpreter poisoned; host must exit", logx.Err(err))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: "host.fatal", Data: err.Error()})
		}
		if m.onFatal != nil {
			m.onFatal(err)
		}
	})
	return true
}
