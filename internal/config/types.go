package config

// Config is the process configuration. All durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	// Workspace holds HEARTBEAT.md and other agent files. Default ".".
	Workspace string `json:"workspace,omitempty"`
	// Timezone applies to schedules written without an offset.
	Timezone string `json:"timezone,omitempty"`

	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Agent        AgentConfig        `json:"agent"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Cron         CronConfig         `json:"cron"`
	Heartbeat    HeartbeatConfig    `json:"heartbeat"`

	// Notifier may be omitted; the alert pipeline then runs with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Channels names delivery destinations used by cron, heartbeat and alerts.
	Channels map[string]ChannelConfig `json:"channels,omitempty"`
	// Storage may be omitted; jobs then live in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	API       APIConfig       `json:"api"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via TELEGRAM_BOT_TOKEN. Without a
	// token no chat transport is started.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards WARN+ records to a channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// AgentConfig selects the execution engine.
//
//	"agent": { "engine": "openai", "model": "gpt-4o-mini" }
//
// engine "echo" answers every task with its own text (dry runs).
type AgentConfig struct {
	Engine         string  `json:"engine"`
	APIKey         string  `json:"api_key,omitempty"` // or OPENAI_API_KEY
	BaseURL        string  `json:"base_url,omitempty"`
	Model          string  `json:"model,omitempty"`
	Temperature    float32 `json:"temperature,omitempty"`
	MaxSteps       int     `json:"max_steps,omitempty"`
	HistoryLimit   int     `json:"history_limit,omitempty"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
}

// OrchestratorConfig bounds isolated sessions.
//
// Defaults: max_concurrent 3, default_timeout "5m", main_turn_timeout =
// default_timeout, inbox_size 16, max_retained 1000.
type OrchestratorConfig struct {
	MaxConcurrent   int    `json:"max_concurrent"`
	DefaultTimeout  string `json:"default_timeout"`
	MainTurnTimeout string `json:"main_turn_timeout,omitempty"`
	InboxSize       int    `json:"inbox_size,omitempty"`
	MaxRetained     int    `json:"max_retained,omitempty"`
}

// CronConfig controls the job scheduler. Enabled is a pointer so an omitted
// key means enabled.
type CronConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
	// MainChannel receives system events and main-session replies.
	MainChannel string `json:"main_channel,omitempty"`
	RunTimeout  string `json:"run_timeout,omitempty"`
	MaxRuns     int    `json:"max_runs,omitempty"`
}

type HeartbeatConfig struct {
	Enabled      bool              `json:"enabled"`
	Interval     string            `json:"interval,omitempty"`
	ActiveHours  ActiveHoursConfig `json:"active_hours"`
	SkipWeekends bool              `json:"skip_weekends,omitempty"`
	Timezone     string            `json:"timezone,omitempty"`
	Target       string            `json:"target,omitempty"`
	Checklist    string            `json:"checklist,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// ActiveHoursConfig is an "HH:MM" window; End before Start wraps midnight.
type ActiveHoursConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// NotifierConfig controls delivery and the async alert pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2, queue_size: 512, rate_per_sec: 3
//   - retry_max: 3, retry_base: "500ms", retry_max_delay: "10s"
//   - send_timeout: "10s", dedup_window: "1m", dedup_max_entries: 2000
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	// AlertChannel receives failed-session and failed-cron-run alerts.
	AlertChannel string `json:"alert_channel,omitempty"`
}

// ChannelConfig names a Telegram chat (and optional forum thread). A zero
// chat_id makes the channel log-only.
type ChannelConfig struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// StorageConfig controls job persistence.
//
//	"storage": { "driver": "sqlite", "path": "./data/tradeclaw.db" }
//
// driver is "file", "sqlite" or "none".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// APIConfig controls the HTTP surface. Prefer a loopback address; set a
// token otherwise.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8787"
	Token   string `json:"token,omitempty"`

	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter,omitempty"` // otlp-http | stdout | none
	Endpoint    string  `json:"endpoint,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
}

func (c CronConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }
