package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskhost/internal/task/engine"
	"taskhost/internal/task/scheduler"
	"taskhost/internal/task/script"
)

const counterScript = `
tick = {}
function tick.setup() end
function tick.execute(params)
  local r = store_get({key = "ticks"})
  local n = 0
  if r.found then n = r.value end
  store_put({key = "ticks", value = n + 1})
  return n + 1
end

manual = {}
function manual.setup() end
function manual.execute(params)
  return {echo = params.word, version = 1}
end

missing = {}
function missing.setup() error("not ready") end
function missing.execute() end
`

const lateScript = `
late = {}
function late.setup() end
function late.execute() return true end
`

const initialConfig = `{
  "logging": {"level": "error"},
  "host": {"poll_interval": "50ms", "sandbox": true, "shutdown_timeout": "2s"},
  "storage": {"driver": "file", "path": "data/kv"},
  "scripts": [
    {"path": "counter.lua", "tasks": [
      {"name": "tick", "cron": "*/1 * * * * *"},
      {"name": "manual"},
      {"name": "missing"}
    ]},
    {"path": "broken.lua", "tasks": [{"name": "nope"}]},
    {"path": "late.lua", "tasks": [{"name": "late", "cron": "not a cron"}]}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newTestHost(t *testing.T) (*Host, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "counter.lua", counterScript)
	writeFile(t, dir, "broken.lua", "this is not lua")
	writeFile(t, dir, "late.lua", lateScript)
	writeFile(t, dir, "taskhost.json", initialConfig)

	h, err := New(context.Background(), filepath.Join(dir, "taskhost.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h, dir
}

func TestNewReportsRegistrationProblems(t *testing.T) {
	h, _ := newTestHost(t)

	if diff := cmp.Diff([]string{"late", "manual", "tick"}, h.Tasks()); diff != "" {
		t.Fatalf("runnable tasks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"tick"}, h.Scheduler().Tasks()); diff != "" {
		t.Fatalf("scheduled tasks (-want +got):\n%s", diff)
	}

	rep := h.Report()
	if len(rep.Scripts) != 3 {
		t.Fatalf("expected 3 script reports, got %d", len(rep.Scripts))
	}

	counter := rep.Scripts[0]
	if counter.Err != nil {
		t.Fatalf("counter.lua: unexpected error %v", counter.Err)
	}
	if diff := cmp.Diff([]string{"missing"}, counter.SetupFailed); diff != "" {
		t.Fatalf("setup failures (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"tick"}, counter.Scheduled); diff != "" {
		t.Fatalf("scheduled (-want +got):\n%s", diff)
	}

	var loadErr *script.ScriptLoadError
	if !errors.As(rep.Scripts[1].Err, &loadErr) {
		t.Fatalf("broken.lua: expected ScriptLoadError, got %v", rep.Scripts[1].Err)
	}

	late := rep.Scripts[2]
	if len(late.CronErrors) != 1 {
		t.Fatalf("late.lua: expected one cron error, got %v", late.CronErrors)
	}
	var cronErr *scheduler.CronParseError
	if !errors.As(late.CronErrors[0], &cronErr) || cronErr.Task != "late" {
		t.Fatalf("late.lua: expected CronParseError for late, got %v", late.CronErrors[0])
	}

	if rep.Err() == nil {
		t.Fatalf("expected report error")
	}
	if counter.OK() {
		t.Fatalf("counter.lua has a setup failure and must not be OK")
	}
}

func TestExecuteUsesScopeCapabilities(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()

	for want := 1.0; want <= 2; want++ {
		got, err := h.Execute(ctx, "tick", nil)
		if err != nil {
			t.Fatalf("execute tick: %v", err)
		}
		if got != want {
			t.Fatalf("tick returned %v, want %v", got, want)
		}
	}

	got, err := h.Execute(ctx, "manual", map[string]any{"word": "hi"})
	if err != nil {
		t.Fatalf("execute manual: %v", err)
	}
	want := map[string]any{"echo": "hi", "version": 1.0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("manual result (-want +got):\n%s", diff)
	}

	if _, err := h.Execute(ctx, "missing", nil); err == nil {
		t.Fatalf("a task whose setup failed must not run")
	}
}

func TestRunDispatchesScheduledTask(t *testing.T) {
	h, _ := newTestHost(t)

	events, unsub := h.Bus().Subscribe(16, engine.EventFinished)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	deadline := time.After(5 * time.Second)
wait:
	for {
		select {
		case e := <-events:
			if ev, ok := e.Data.(engine.TaskEvent); ok && ev.Name == "tick" {
				break wait
			}
		case <-deadline:
			cancel()
			t.Fatalf("tick was not dispatched")
		}
	}

	st := h.Status()
	if st.Engine.Goroutines.Active < 1 {
		t.Fatalf("expected running engine workers in status: %+v", st.Engine.Goroutines)
	}
	if st.Scheduler.Goroutines.Started < 1 {
		t.Fatalf("expected trigger goroutines in status: %+v", st.Scheduler.Goroutines)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestReloadRetiresAndReregisters(t *testing.T) {
	h, dir := newTestHost(t)
	ctx := context.Background()

	writeFile(t, dir, "taskhost.json", `{
  "logging": {"level": "error"},
  "host": {"poll_interval": "50ms", "sandbox": true},
  "storage": {"driver": "file", "path": "data/kv"},
  "scripts": [
    {"path": "counter.lua", "tasks": [{"name": "tick"}, {"name": "manual"}]}
  ]
}`)
	if err := h.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if diff := cmp.Diff([]string{"manual", "tick"}, h.Tasks()); diff != "" {
		t.Fatalf("tasks after reload (-want +got):\n%s", diff)
	}
	if got := h.Scheduler().Tasks(); len(got) != 0 {
		t.Fatalf("expected no scheduled tasks, got %v", got)
	}

	// Same config, edited source.
	writeFile(t, dir, "counter.lua", `
tick = {}
function tick.setup() end
function tick.execute() return 0 end

manual = {}
function manual.setup() end
function manual.execute(params) return {version = 2} end
`)
	if err := h.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got, err := h.Execute(ctx, "manual", nil)
	if err != nil {
		t.Fatalf("execute manual: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"version": 2.0}, got); diff != "" {
		t.Fatalf("manual after source edit (-want +got):\n%s", diff)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	h, dir := newTestHost(t)

	writeFile(t, dir, "taskhost.json", `{"engine": {"overlap": "sometimes"}, "scripts": []}`)
	if err := h.Reload(context.Background()); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
	if diff := cmp.Diff([]string{"late", "manual", "tick"}, h.Tasks()); diff != "" {
		t.Fatalf("tasks changed by a rejected reload (-want +got):\n%s", diff)
	}
}

func TestMapStorageConfig(t *testing.T) {
	h, dir := newTestHost(t)
	cfg := h.Config()

	sc, enabled, err := mapStorageConfig(cfg, h.cfgm.ResolvePath)
	if err != nil || !enabled {
		t.Fatalf("mapStorageConfig: enabled=%v err=%v", enabled, err)
	}
	if sc.Path != filepath.Join(dir, "data/kv") {
		t.Fatalf("storage path not resolved against config dir: %q", sc.Path)
	}
	if sc.BusyTimeout != time.Second {
		t.Fatalf("default busy timeout: got %v", sc.BusyTimeout)
	}
}

func TestStatus(t *testing.T) {
	h, _ := newTestHost(t)

	st := h.Status()
	if diff := cmp.Diff([]string{"late", "manual", "tick"}, st.Tasks); diff != "" {
		t.Fatalf("status tasks (-want +got):\n%s", diff)
	}
	if len(st.Natives) == 0 {
		t.Fatalf("expected native functions in status")
	}
	if len(st.Scheduler.Entries) != 1 || st.Scheduler.Entries[0].Task != "tick" {
		t.Fatalf("scheduler entries: %+v", st.Scheduler.Entries)
	}
	if st.Fatal != "" {
		t.Fatalf("unexpected fatal: %s", st.Fatal)
	}
	if st.Engine.Goroutines.Started != 0 || st.Admin.Started != 0 || st.Config.Started != 0 {
		t.Fatalf("nothing runs before Run: engine=%+v admin=%+v config=%+v", st.Engine.Goroutines, st.Admin, st.Config)
	}
}
