package host

import (
	"context"
	"os"
	"strings"
	"time"

	"taskhost/internal/aiworker"
	"taskhost/internal/config"
	"taskhost/internal/natives"
	"taskhost/internal/observability/admin"
	"taskhost/internal/storage"
	"taskhost/internal/task/engine"
	"taskhost/internal/task/scheduler"
	"taskhost/internal/transport/telegram"
	"taskhost/pkg/logx"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultAPIKeyEnv       = "GEMINI_API_KEY"
)

// validateMapping rejects a reloaded config that the components cannot take.
func validateMapping(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAIConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := mapAdminConfig(cfg)
	return err
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	overlap, err := engine.ParseOverlap(cfg.Engine.Overlap)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.DurationOr("host.execute_timeout", cfg.Host.ExecuteTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.DurationOr("engine.max_queue_delay", cfg.Engine.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    cfg.Engine.HistorySize,
		Overlap:        overlap,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.DurationOr("host.poll_interval", cfg.Host.PollInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{PollInterval: poll}, nil
}

func mapShutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.DurationOr("host.shutdown_timeout", cfg.Host.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil || d <= 0 {
		return defaultShutdownTimeout
	}
	return d
}

// mapStorageConfig reports enabled=false for a missing section or driver "none".
func mapStorageConfig(cfg *config.Config, resolve func(string) string) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: resolve(sc.Path), BusyTimeout: busy}, true, nil
}

func mapHTTPConfig(cfg *config.Config) (natives.HTTPConfig, error) {
	timeout, err := config.DurationOr("http.timeout", cfg.HTTP.Timeout, 0)
	if err != nil {
		return natives.HTTPConfig{}, err
	}
	return natives.HTTPConfig{
		Timeout:      timeout,
		RatePerSec:   cfg.HTTP.RatePerSec,
		Burst:        cfg.HTTP.Burst,
		UserAgent:    cfg.HTTP.UserAgent,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, nil
}

// mapAIConfig returns enabled=false unless provider is genai. The API key is
// read from the environment so it never sits in the config file.
func mapAIConfig(cfg *config.Config) (aiworker.GenAIConfig, bool, error) {
	ai := cfg.AI
	if ai == nil {
		return aiworker.GenAIConfig{}, false, nil
	}
	if p := strings.ToLower(strings.TrimSpace(ai.Provider)); p != "genai" && p != "gemini" {
		return aiworker.GenAIConfig{}, false, nil
	}
	timeout, err := config.DurationOr("ai.timeout", ai.Timeout, 0)
	if err != nil {
		return aiworker.GenAIConfig{}, false, err
	}
	env := strings.TrimSpace(ai.APIKeyEnv)
	if env == "" {
		env = defaultAPIKeyEnv
	}
	return aiworker.GenAIConfig{
		APIKey:          os.Getenv(env),
		Model:           ai.Model,
		Temperature:     ai.Temperature,
		MaxOutputTokens: ai.MaxOutputTokens,
		Timeout:         timeout,
	}, true, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tg := cfg.Telegram
	if tg == nil || strings.TrimSpace(tg.Token) == "" {
		return telegram.Config{}, false, nil
	}
	timeout, err := config.DurationOr("telegram.timeout", tg.Timeout, 0)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{
		Token:           tg.Token,
		DefaultChatID:   tg.DefaultChatID,
		DefaultThreadID: tg.DefaultThreadID,
		Timeout:         timeout,
	}, true, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	if a == nil {
		return admin.Config{}, nil
	}
	rt, err := config.DurationOr("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := config.DurationOr("admin.write_timeout", a.WriteTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       a.Enabled,
		Addr:          a.Addr,
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
