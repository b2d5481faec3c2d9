package config

// Config is the host configuration. All durations are Go duration strings
// (e.g. "250ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Host     HostConfig      `json:"host"`
	Engine   EngineConfig    `json:"engine"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
	AI       *AIConfig       `json:"ai,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Admin    *AdminConfig    `json:"admin,omitempty"`

	// Scripts are registered in order; later scripts may take over task names.
	Scripts []ScriptConfig `json:"scripts"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HostConfig controls the scheduler loop and the interpreter.
//
// Defaults:
//   - poll_interval: "250ms"
//   - execute_timeout: "0s" (no budget)
//   - shutdown_timeout: "10s"
type HostConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	ExecuteTimeout  string `json:"execute_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// Sandbox hides io, os (except time/date/clock), debug and file loaders from scripts.
	Sandbox bool `json:"sandbox,omitempty"`

	// Reload re-registers changed scripts when the config file changes.
	Reload bool `json:"reload,omitempty"`
}

// EngineConfig controls task execution.
//
// Defaults: workers 1, queue_size 64, history_size 100, overlap "queue".
type EngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	Overlap       string `json:"overlap,omitempty"` // queue | skip
}

// StorageConfig backs the store_* native functions.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskhost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the http_request native function.
type HTTPConfig struct {
	Timeout      string  `json:"timeout,omitempty"`      // default "15s"
	RatePerSec   float64 `json:"rate_per_sec,omitempty"` // 0 = unlimited
	Burst        int     `json:"burst,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
	MaxBodyBytes int64   `json:"max_body_bytes,omitempty"` // default 1 MiB
}

// AIConfig selects the inference backend behind llm_eval and llm_function_call.
type AIConfig struct {
	Provider        string   `json:"provider"` // genai | none
	Model           string   `json:"model,omitempty"`
	APIKeyEnv       string   `json:"api_key_env,omitempty"` // default GEMINI_API_KEY
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Timeout         string   `json:"timeout,omitempty"`
}

// TelegramConfig backs the notify native function. The token is never logged.
type TelegramConfig struct {
	Token           string `json:"token"`
	DefaultChatID   int64  `json:"default_chat_id"`
	DefaultThreadID int    `json:"default_thread_id,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
}

// AdminConfig controls the operational HTTP server (/healthz, /status and
// optionally /debug/pprof/). It binds to 127.0.0.1:6060 by default.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// ScriptConfig declares one Lua script and the tasks it provides.
// Relative paths resolve against the config file's directory.
type ScriptConfig struct {
	Path  string       `json:"path"`
	Tasks []TaskConfig `json:"tasks"`
}

// TaskConfig binds a task name (a global table in the script) to a cron spec.
// An empty cron registers the task without scheduling it.
type TaskConfig struct {
	Name string `json:"name"`
	Cron string `json:"cron,omitempty"`
}
