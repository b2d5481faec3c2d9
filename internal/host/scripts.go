package host

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"reflect"
	"slices"

	"taskhost/internal/config"
	"taskhost/internal/task/manager"
	"taskhost/internal/task/script"
	"taskhost/pkg/logx"
)

// ScriptReport is the registration outcome of one declared script.
type ScriptReport struct {
	Path string

	// Err is a read or load failure; the script contributed no tasks.
	Err error

	Tasks       []string // runnable
	Scheduled   []string
	SetupFailed []string
	CronErrors  []error
}

func (r ScriptReport) OK() bool {
	return r.Err == nil && len(r.SetupFailed) == 0 && len(r.CronErrors) == 0
}

// Report collects the outcome of the last registration pass.
type Report struct {
	Scripts []ScriptReport
}

// Err joins every problem in r, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Scripts {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Path, s.Err))
		}
		for _, t := range s.SetupFailed {
			errs = append(errs, fmt.Errorf("%s: task %q: setup failed", s.Path, t))
		}
		errs = append(errs, s.CronErrors...)
	}
	return errors.Join(errs...)
}

type scriptState struct {
	decl  config.ScriptConfig
	sum   uint64
	tasks []string
}

func sumSource(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func declaredTasks(decl config.ScriptConfig) []string {
	out := make([]string, 0, len(decl.Tasks))
	for _, t := range decl.Tasks {
		out = append(out, t.Name)
	}
	return out
}

// registerScript loads one script and schedules its runnable tasks. Only a
// poisoned interpreter is returned as an error; everything else lands in the report.
func (h *Host) registerScript(ctx context.Context, decl config.ScriptConfig, src []byte) (ScriptReport, error) {
	rep := ScriptReport{Path: decl.Path}
	log := h.log.With(logx.String("script", decl.Path))

	runnable, err := h.manager.RegisterScript(ctx, manager.Script{
		Name:   decl.Path,
		Path:   h.cfgm.ResolvePath(decl.Path),
		Source: string(src),
		Tasks:  declaredTasks(decl),
	})
	if err != nil {
		if errors.Is(err, script.ErrPoisoned) {
			return rep, err
		}
		rep.Err = err
		return rep, nil
	}
	rep.Tasks = runnable

	for _, t := range decl.Tasks {
		if !slices.Contains(runnable, t.Name) {
			rep.SetupFailed = append(rep.SetupFailed, t.Name)
			continue
		}
		if t.Cron == "" {
			h.sched.Remove(t.Name)
			continue
		}
		if err := h.sched.Add(t.Name, t.Cron); err != nil {
			log.Warn("task not scheduled", logx.String("task", t.Name), logx.Err(err))
			rep.CronErrors = append(rep.CronErrors, err)
			continue
		}
		rep.Scheduled = append(rep.Scheduled, t.Name)
	}
	return rep, nil
}

// registerScripts runs the startup registration pass over every declared script.
func (h *Host) registerScripts(ctx context.Context, cfg *config.Config) (Report, error) {
	var report Report
	for _, decl := range cfg.Scripts {
		src, err := os.ReadFile(h.cfgm.ResolvePath(decl.Path))
		if err != nil {
			h.log.Error("script read failed", logx.String("script", decl.Path), logx.Err(err))
			report.Scripts = append(report.Scripts, ScriptReport{Path: decl.Path, Err: err})
			continue
		}
		rep, err := h.registerScript(ctx, decl, src)
		report.Scripts = append(report.Scripts, rep)
		if err != nil {
			return report, err
		}
		if rep.Err == nil {
			h.scripts[decl.Path] = &scriptState{decl: decl, sum: sumSource(src), tasks: rep.Tasks}
		}
	}
	return report, nil
}

// reloadScripts re-registers scripts whose declaration or source changed, and
// retires tasks no longer provided. A script that fails to reload keeps its
// previous tasks.
func (h *Host) reloadScripts(ctx context.Context, cfg *config.Config) (Report, error) {
	h.scriptsMu.Lock()
	defer h.scriptsMu.Unlock()

	var report Report
	seen := make(map[string]bool, len(cfg.Scripts))
	for _, decl := range cfg.Scripts {
		seen[decl.Path] = true
		src, err := os.ReadFile(h.cfgm.ResolvePath(decl.Path))
		if err != nil {
			h.log.Warn("script read failed; keeping previous version", logx.String("script", decl.Path), logx.Err(err))
			report.Scripts = append(report.Scripts, ScriptReport{Path: decl.Path, Err: err})
			continue
		}
		sum := sumSource(src)
		prev := h.scripts[decl.Path]
		if prev != nil && prev.sum == sum && reflect.DeepEqual(prev.decl.Tasks, decl.Tasks) {
			continue
		}

		rep, err := h.registerScript(ctx, decl, src)
		report.Scripts = append(report.Scripts, rep)
		if err != nil {
			return report, err
		}
		if rep.Err != nil {
			continue
		}
		if prev != nil {
			h.retire(decl.Path, without(prev.tasks, rep.Tasks))
		}
		h.scripts[decl.Path] = &scriptState{decl: decl, sum: sum, tasks: rep.Tasks}
	}

	for path, st := range h.scripts {
		if seen[path] {
			continue
		}
		h.retire(path, st.tasks)
		delete(h.scripts, path)
		h.log.Info("script removed", logx.String("script", path))
	}
	return report, nil
}

// retire unschedules and forgets tasks still owned by scriptName.
func (h *Host) retire(scriptName string, tasks []string) {
	for _, t := range tasks {
		if owner, ok := h.manager.ScriptOf(t); ok && owner != scriptName {
			continue
		}
		h.manager.Forget(t)
		h.sched.Remove(t)
		h.log.Info("task retired", logx.String("script", scriptName), logx.String("task", t))
	}
}

func without(all, keep []string) []string {
	var out []string
	for _, t := range all {
		if !slices.Contains(keep, t) {
			out = append(out, t)
		}
	}
	return out
}
