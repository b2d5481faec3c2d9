package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const jsonConfig = `{
  "logging": {"level": "debug", "console": true},
  "host": {"poll_interval": "100ms", "execute_timeout": "5s", "sandbox": true},
  "engine": {"workers": 2, "overlap": "skip"},
  "storage": {"driver": "sqlite", "path": "data/kv.db"},
  "scripts": [
    {"path": "scripts/report.lua", "tasks": [{"name": "Report", "cron": "0 */5 * * * *"}]}
  ]
}`

const yamlConfig = `
logging:
  level: debug
  console: true
host:
  poll_interval: 100ms
  execute_timeout: 5s
  sandbox: true
engine:
  workers: 2
  overlap: skip
storage:
  driver: sqlite
  path: data/kv.db
scripts:
  - path: scripts/report.lua
    tasks:
      - name: Report
        cron: "0 */5 * * * *"
`

const tomlConfig = `
[logging]
level = "debug"
console = true

[host]
poll_interval = "100ms"
execute_timeout = "5s"
sandbox = true

[engine]
workers = 2
overlap = "skip"

[storage]
driver = "sqlite"
path = "data/kv.db"

[[scripts]]
path = "scripts/report.lua"

  [[scripts.tasks]]
  name = "Report"
  cron = "0 */5 * * * *"
`

func TestDecodeFormatsAgree(t *testing.T) {
	want, err := Decode("c.json", []byte(jsonConfig))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	for _, tc := range []struct {
		path string
		data string
	}{
		{"c.yaml", yamlConfig},
		{"c.yml", yamlConfig},
		{"c.toml", tomlConfig},
	} {
		got, err := Decode(tc.path, []byte(tc.data))
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s mismatch (-json +got):\n%s", tc.path, diff)
		}
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := []struct {
		name string
		path string
		data string
	}{
		{"unknown json field", "c.json", `{"hosts": {}}`},
		{"unknown yaml field", "c.yaml", "engine:\n  threads: 4\n"},
		{"unknown toml field", "c.toml", "[ai]\nprovider = \"genai\"\nkey = \"x\"\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad toml", "c.toml", "[host\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.path, []byte(tc.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	ok := &Config{
		Host:    HostConfig{PollInterval: "250ms"},
		Scripts: []ScriptConfig{{Path: "a.lua", Tasks: []TaskConfig{{Name: "A", Cron: "* * * * * *"}}}},
	}
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"bad duration", func(c *Config) { c.Host.PollInterval = "soon" }, "host.poll_interval"},
		{"negative duration", func(c *Config) { c.Host.ExecuteTimeout = "-1s" }, "host.execute_timeout"},
		{"overlap", func(c *Config) { c.Engine.Overlap = "parallel" }, "engine.overlap"},
		{"storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"storage path", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.path"},
		{"ai provider", func(c *Config) { c.AI = &AIConfig{Provider: "llama"} }, "ai.provider"},
		{"script path", func(c *Config) { c.Scripts = append(c.Scripts, ScriptConfig{}) }, "scripts[1].path"},
		{"duplicate task", func(c *Config) {
			c.Scripts = append(c.Scripts, ScriptConfig{Path: "b.lua", Tasks: []TaskConfig{{Name: "A"}}})
		}, `task "A" declared by both`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *ok
			c.Scripts = append([]ScriptConfig(nil), ok.Scripts...)
			tc.mut(&c)
			err := Validate(&c)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	d, err := DurationOr("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	d, err = DurationOr("x", "1m", time.Second)
	if err != nil || d != time.Minute {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := parseDuration("x", "1 hour"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDiffScripts(t *testing.T) {
	oldS := []ScriptConfig{
		{Path: "a.lua", Tasks: []TaskConfig{{Name: "A", Cron: "@hourly"}}},
		{Path: "b.lua", Tasks: []TaskConfig{{Name: "B"}}},
		{Path: "c.lua", Tasks: []TaskConfig{{Name: "C"}}},
	}
	newS := []ScriptConfig{
		{Path: "a.lua", Tasks: []TaskConfig{{Name: "A", Cron: "@daily"}}},
		{Path: "b.lua", Tasks: []TaskConfig{{Name: "B"}}},
		{Path: "d.lua", Tasks: []TaskConfig{{Name: "D"}}},
	}
	want := []ScriptChange{
		{Path: "a.lua", TasksChanged: true},
		{Path: "d.lua", Added: true},
		{Path: "c.lua", Removed: true},
	}
	if diff := cmp.Diff(want, DiffScripts(oldS, newS)); diff != "" {
		t.Fatalf("DiffScripts (-want +got):\n%s", diff)
	}

	changed, _ := SummarizeChange(&Config{Scripts: oldS}, &Config{Scripts: newS, Engine: EngineConfig{Workers: 3}})
	if diff := cmp.Diff([]string{"engine", "scripts"}, changed); diff != "" {
		t.Fatalf("SummarizeChange (-want +got):\n%s", diff)
	}
}

func TestResolvePath(t *testing.T) {
	m := NewManager(filepath.Join("/etc", "taskhost", "config.yaml"))
	if got := m.ResolvePath("scripts/a.lua"); got != filepath.Join("/etc", "taskhost", "scripts", "a.lua") {
		t.Fatalf("got %q", got)
	}
	if got := m.ResolvePath("/abs/a.lua"); got != "/abs/a.lua" {
		t.Fatalf("got %q", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"engine": {"workers": 1}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	if snap := m.Goroutines(); snap.Active != 1 || len(snap.Goroutines) != 1 || snap.Goroutines[0].Name != "config.watch" {
		t.Fatalf("watcher goroutine not reported: %+v", snap)
	}
	if err := os.WriteFile(path, []byte(`{"engine": {"workers": 4}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Engine.Workers != 4 {
			t.Fatalf("workers=%d want 4", cfg.Engine.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Engine.Workers != 4 {
		t.Fatalf("Get() not updated")
	}
}

func TestGoroutinesEmptyWithoutWatch(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "config.json"))
	if snap := m.Goroutines(); snap.Started != 0 || len(snap.Goroutines) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
