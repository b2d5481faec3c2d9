package config

import (
	"reflect"
	"strings"

	"taskhost/pkg/logx"
)

// ScriptChange classifies one script between two configs.
type ScriptChange struct {
	Path    string
	Added   bool
	Removed bool
	// TasksChanged is set when the declared task list or a cron differs.
	TasksChanged bool
}

// SummarizeChange returns the changed section names and log fields that are
// safe to print (tokens and API keys are reduced to "set" flags).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Host, newCfg.Host) {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.poll_interval", newCfg.Host.PollInterval),
			logx.String("host.execute_timeout", newCfg.Host.ExecuteTimeout),
			logx.Bool("host.sandbox", newCfg.Host.Sandbox),
		)
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.overlap", newCfg.Engine.Overlap),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
	}
	if !reflect.DeepEqual(oldCfg.AI, newCfg.AI) {
		changed = append(changed, "ai")
		if newCfg.AI != nil {
			attrs = append(attrs, logx.String("ai.provider", newCfg.AI.Provider), logx.String("ai.model", newCfg.AI.Model))
		}
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		if tg := newCfg.Telegram; tg != nil {
			attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(tg.Token) != ""))
		}
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		if a := newCfg.Admin; a != nil {
			attrs = append(attrs, logx.Bool("admin.enabled", a.Enabled), logx.Bool("admin.token_set", a.Token != ""))
		}
	}
	if scripts := DiffScripts(oldCfg.Scripts, newCfg.Scripts); len(scripts) > 0 {
		changed = append(changed, "scripts")
		attrs = append(attrs, logx.Int("scripts.changed", len(scripts)))
	}
	return changed, attrs
}

// DiffScripts compares script declarations by path. Unchanged scripts are omitted.
// File content is not compared here.
func DiffScripts(oldScripts, newScripts []ScriptConfig) []ScriptChange {
	prev := make(map[string]ScriptConfig, len(oldScripts))
	for _, s := range oldScripts {
		prev[s.Path] = s
	}
	var out []ScriptChange
	seen := make(map[string]bool, len(newScripts))
	for _, s := range newScripts {
		seen[s.Path] = true
		p, ok := prev[s.Path]
		switch {
		case !ok:
			out = append(out, ScriptChange{Path: s.Path, Added: true})
		case !reflect.DeepEqual(p.Tasks, s.Tasks):
			out = append(out, ScriptChange{Path: s.Path, TasksChanged: true})
		}
	}
	for _, s := range oldScripts {
		if !seen[s.Path] {
			out = append(out, ScriptChange{Path: s.Path, Removed: true})
		}
	}
	return out
}
