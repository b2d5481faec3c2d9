package host

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"taskhost/internal/config"
	"taskhost/internal/task/script"
	"taskhost/pkg/logx"
)

// Run starts the engine and the scheduler, follows the config file when
// host.reload is set, and blocks until ctx ends or the interpreter is poisoned.
// It returns the fatal error in the latter case.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	h.mu.Lock()
	h.cancelRun = cancel
	h.mu.Unlock()

	// The engine outlives runCtx so Stop can drain it within the shutdown budget.
	h.engine.Start(context.WithoutCancel(ctx))
	if err := h.admin.Start(runCtx); err != nil {
		h.log.Error("admin server not started", logx.Err(err))
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return h.sched.Run(gctx) })
	g.Go(func() error {
		h.logEvents(gctx)
		return nil
	})
	g.Go(func() error { return h.onHangup(gctx) })
	if h.cfg.Host.Reload {
		sub := h.cfgm.Subscribe(4)
		g.Go(func() error { return h.cfgm.Watch(gctx) })
		g.Go(func() error {
			defer h.cfgm.Unsubscribe(sub)
			return h.followConfig(gctx, sub)
		})
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		g.Go(func() error {
			h.watchdog(gctx, interval/2)
			return nil
		})
	}

	h.sdNotify(daemon.SdNotifyReady)
	h.log.Info("host started", logx.Strings("scheduled", h.sched.Tasks()), logx.Bool("reload", h.cfg.Host.Reload))

	err := g.Wait()
	h.sdNotify(daemon.SdNotifyStopping)

	timeout := mapShutdownTimeout(h.cfgm.Get())
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer scancel()
	h.admin.Stop(sctx)
	h.engine.Stop(sctx)

	if fatal := h.Err(); fatal != nil {
		h.log.Error("host stopped on fatal error", logx.Err(fatal))
		return fatal
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	h.log.Info("host stopped", logx.Err(err))
	return err
}

// onHangup reloads on SIGHUP.
func (h *Host) onHangup(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			h.log.Info("SIGHUP received; reloading")
			if err := h.Reload(ctx); err != nil {
				if errors.Is(err, script.ErrPoisoned) {
					return err
				}
				h.log.Warn("reload failed", logx.Err(err))
			}
		}
	}
}

func (h *Host) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		h.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		h.log.Debug("systemd notified", logx.String("state", strings.TrimSpace(state)))
	}
}

func (h *Host) watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// logEvents mirrors task and schedule events at debug level.
func (h *Host) logEvents(ctx context.Context) {
	events, unsub := h.bus.Subscribe(128, "task.", "schedule.", "host.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// followConfig applies reloaded configs until ctx ends. Bursts are coalesced
// to the newest config. A poisoned interpreter ends the loop with its error.
func (h *Host) followConfig(ctx context.Context, sub chan *config.Config) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if err := h.apply(ctx, next); err != nil {
				return err
			}
		}
	}
}

// Reload re-reads the config file and applies it even when unchanged, which
// re-registers scripts whose source was edited in place.
func (h *Host) Reload(ctx context.Context) error {
	cfg, err := h.cfgm.Parse()
	if err != nil {
		return err
	}
	if err := validateMapping(ctx, cfg); err != nil {
		return err
	}
	h.cfgm.Commit(cfg)
	return h.apply(ctx, cfg)
}

// apply moves the running host to next. Storage, sandbox and poll interval
// are fixed for the process lifetime.
func (h *Host) apply(ctx context.Context, next *config.Config) error {
	h.applyMu.Lock()
	defer h.applyMu.Unlock()
	prev := h.applied
	h.applied = next

	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		h.log.Debug("config reload received, but no effective changes detected")
	} else {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		h.log.Info("applying config change", fields...)
	}

	h.logs.Apply(mapLogConfig(next))

	if ec, err := mapEngineConfig(next); err != nil {
		h.log.Warn("engine config not applied", logx.Err(err))
	} else {
		h.engine.Apply(context.WithoutCancel(ctx), ec)
	}

	if err := installCapabilities(ctx, h.sc, next, h.logs.Logger()); err != nil {
		h.log.Warn("capabilities not updated", logx.Err(err))
	}

	if !sameStorage(prev, next) || !sameAdmin(prev, next) ||
		prev.Host.Sandbox != next.Host.Sandbox || prev.Host.PollInterval != next.Host.PollInterval {
		h.log.Warn("storage, admin, host.sandbox and host.poll_interval changes take effect after restart")
	}

	report, err := h.reloadScripts(ctx, next)
	if err != nil {
		return err
	}
	if rerr := report.Err(); rerr != nil {
		h.log.Warn("config reload left some scripts or tasks unregistered", logx.Err(rerr))
	}
	return nil
}

func sameStorage(a, b *config.Config) bool {
	switch {
	case a.Storage == nil && b.Storage == nil:
		return true
	case a.Storage == nil || b.Storage == nil:
		return false
	default:
		return *a.Storage == *b.Storage
	}
}

func sameAdmin(a, b *config.Config) bool {
	switch {
	case a.Admin == nil && b.Admin == nil:
		return true
	case a.Admin == nil || b.Admin == nil:
		return false
	default:
		return *a.Admin == *b.Admin
	}
}
