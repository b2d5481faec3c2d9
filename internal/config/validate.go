package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks field values that the strict decoder cannot. Cron specs and
// task names are checked later by the scheduler and the script runtime.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := parseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("host.poll_interval", cfg.Host.PollInterval)
	check("host.execute_timeout", cfg.Host.ExecuteTimeout)
	check("host.shutdown_timeout", cfg.Host.ShutdownTimeout)
	check("engine.max_queue_delay", cfg.Engine.MaxQueueDelay)
	check("http.timeout", cfg.HTTP.Timeout)

	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 || cfg.Engine.HistorySize < 0 {
		errs = append(errs, errors.New("engine: workers, queue_size and history_size must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Engine.Overlap)) {
	case "", "queue", "skip":
	default:
		errs = append(errs, fmt.Errorf("engine.overlap: unknown policy %q", cfg.Engine.Overlap))
	}

	if cfg.HTTP.RatePerSec < 0 || cfg.HTTP.Burst < 0 || cfg.HTTP.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("http: rate_per_sec, burst and max_body_bytes must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		check("storage.busy_timeout", s.BusyTimeout)
	}

	if ai := cfg.AI; ai != nil {
		switch strings.ToLower(strings.TrimSpace(ai.Provider)) {
		case "", "none", "genai", "gemini":
		default:
			errs = append(errs, fmt.Errorf("ai.provider: unknown provider %q", ai.Provider))
		}
		if ai.MaxOutputTokens < 0 {
			errs = append(errs, errors.New("ai.max_output_tokens must be >= 0"))
		}
		check("ai.timeout", ai.Timeout)
	}

	if tg := cfg.Telegram; tg != nil {
		check("telegram.timeout", tg.Timeout)
	}

	if a := cfg.Admin; a != nil {
		check("admin.read_timeout", a.ReadTimeout)
		check("admin.write_timeout", a.WriteTimeout)
	}

	owner := map[string]string{}
	for i, sc := range cfg.Scripts {
		if strings.TrimSpace(sc.Path) == "" {
			errs = append(errs, fmt.Errorf("scripts[%d].path is required", i))
			continue
		}
		if len(sc.Tasks) == 0 {
			errs = append(errs, fmt.Errorf("scripts[%d] (%s): no tasks declared", i, sc.Path))
		}
		for j, t := range sc.Tasks {
			name := strings.TrimSpace(t.Name)
			if name == "" {
				errs = append(errs, fmt.Errorf("scripts[%d].tasks[%d].name is required", i, j))
				continue
			}
			if prev, ok := owner[name]; ok {
				errs = append(errs, fmt.Errorf("task %q declared by both %s and %s", name, prev, sc.Path))
				continue
			}
			owner[name] = sc.Path
		}
	}
	return errors.Join(errs...)
}
