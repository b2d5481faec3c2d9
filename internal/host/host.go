// Package host wires configuration, capabilities, the script runtime, the task
// engine and the scheduler into one process, and runs them until shutdown.
package host

import (
	"context"
	"errors"
	"sync"

	"taskhost/internal/aiworker"
	"taskhost/internal/config"
	"taskhost/internal/eventbus"
	"taskhost/internal/natives"
	"taskhost/internal/observability/admin"
	"taskhost/internal/scope"
	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/manager"
	"taskhost/internal/task/scheduler"
	"taskhost/internal/task/script"
	"taskhost/internal/transport"
	"taskhost/pkg/logx"
)

type Host struct {
	cfgm *config.Manager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	sc    *scope.Scope
	store storage.Store

	rt      *script.Runtime
	engine  *engine.Service
	manager *manager.Manager
	sched   *scheduler.Service
	admin   *admin.Server

	report Report

	applyMu sync.Mutex
	applied *config.Config

	scriptsMu sync.Mutex
	scripts   map[string]*scriptState

	mu        sync.Mutex
	fatalErr  error
	cancelRun context.CancelCauseFunc
}

// New loads the config at cfgPath, builds every component, registers the
// native functions and then the declared scripts. Script problems are recorded
// in Report; New fails only on bad config, unavailable capabilities or a
// poisoned interpreter.
func New(ctx context.Context, cfgPath string) (*Host, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "host"))
	cfgm.SetLogger(root)
	cfgm.SetValidator(validateMapping)

	h := &Host{
		cfgm:    cfgm,
		cfg:     cfg,
		applied: cfg,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sc:      scope.New(),
		scripts: make(map[string]*scriptState),
	}
	if err := h.build(ctx, root); err != nil {
		_ = h.Close()
		return nil, err
	}

	report, err := h.registerScripts(ctx, cfg)
	h.report = report
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	if rerr := report.Err(); rerr != nil {
		log.Warn("some scripts or tasks were not registered", logx.Err(rerr))
	}
	log.Info("host ready",
		logx.Strings("tasks", h.manager.Tasks()),
		logx.Strings("scheduled", h.sched.Tasks()),
		logx.Int("natives", len(h.manager.Natives())),
	)
	return h, nil
}

func (h *Host) build(ctx context.Context, root logx.Logger) error {
	cfg := h.cfg

	scope.Insert(h.sc, root.With(logx.String("comp", "script")))

	if stc, enabled, err := mapStorageConfig(cfg, h.cfgm.ResolvePath); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(stc, root)
		if err != nil {
			return err
		}
		h.store = st
		scope.Insert(h.sc, st)
		h.log.Info("storage enabled", logx.String("driver", stc.Driver))
	}

	if err := installCapabilities(ctx, h.sc, cfg, root); err != nil {
		return err
	}
	_, noNotify := scope.MustGet[transport.Notifier](h.sc).(transport.Disabled)
	_, noLLM := scope.MustGet[aiworker.Worker](h.sc).(aiworker.Disabled)
	h.log.Info("capabilities installed", logx.Bool("notify", !noNotify), logx.Bool("llm", !noLLM))

	h.rt = script.New(script.Options{Sandbox: cfg.Host.Sandbox, Scope: h.sc, Logger: root})

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	h.engine = engine.New(ec, root, h.bus)

	h.manager, err = manager.New(manager.Options{
		Runtime: h.rt,
		Engine:  h.engine,
		Logger:  root,
		Bus:     h.bus,
		OnFatal: h.fail,
	})
	if err != nil {
		return err
	}

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	h.sched = scheduler.New(schc, h.manager, root, h.bus)

	ac, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	h.admin = admin.New(ac, func() any { return h.Status() }, root)

	return natives.Register(h.manager)
}

// fail records the first fatal error and stops Run.
func (h *Host) fail(err error) {
	h.mu.Lock()
	if h.fatalErr == nil {
		h.fatalErr = err
	}
	cancel := h.cancelRun
	h.mu.Unlock()
	if cancel != nil {
		cancel(err)
	}
}

// Err returns the fatal error that ended the host, if any.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatalErr
}

// Report returns the outcome of the startup registration pass.
func (h *Host) Report() Report { return h.report }

func (h *Host) Config() *config.Config { return h.cfgm.Get() }

func (h *Host) Tasks() []string { return h.manager.Tasks() }

func (h *Host) Scheduler() *scheduler.Service { return h.sched }

func (h *Host) Engine() *engine.Service { return h.engine }

func (h *Host) Bus() eventbus.Bus { return h.bus }

// Execute runs task synchronously on the interpreter, bypassing the engine queue.
func (h *Host) Execute(ctx context.Context, task string, params any) (any, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	return h.manager.Execute(ctx, task, params)
}

// Close releases the interpreter, the store and the log sinks. It is safe to
// call after a failed New.
func (h *Host) Close() error {
	var errs []error
	if h.rt != nil {
		errs = append(errs, h.rt.Close())
	}
	if h.store != nil {
		errs = append(errs, h.store.Close())
	}
	if h.logs != nil {
		errs = append(errs, h.logs.Close())
	}
	return errors.Join(errs...)
}
