package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("90s", "1h"). Secrets may be left
// empty here and supplied through the environment, see ApplyEnv.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Announce  AnnounceConfig  `json:"announce"`
	Venue     VenueConfig     `json:"venue"`
	Extract   ExtractConfig   `json:"extract"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs may approve requests, answer OTP challenges and run admin commands.
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// ChannelID is the monitored chat where requests are posted.
	ChannelID int64 `json:"channel_id"`
	// OpsChatID receives OTP challenges and startup reports (defaults to ChannelID).
	OpsChatID   int64  `json:"ops_chat_id,omitempty"`
	OpsThreadID int    `json:"ops_thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout"`
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

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AnnounceConfig controls the request lifecycle.
//
// Defaults:
//   - grace_window: "1h" (late timer fires still run up to this)
//   - staleness: "1h" (approvals further in the past are rejected)
//   - history_size: 1000
//   - otp_timeout: "5m"
type AnnounceConfig struct {
	GraceWindow string `json:"grace_window,omitempty"`
	Staleness   string `json:"staleness,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	OTPTimeout  string `json:"otp_timeout,omitempty"`
	// Scope namespaces persisted state, e.g. one scope per chat deployment.
	Scope  string      `json:"scope,omitempty"`
	Emojis EmojiConfig `json:"emojis,omitempty"`
}

type EmojiConfig struct {
	Seen        string `json:"seen,omitempty"`
	Approve     string `json:"approve,omitempty"`
	FastForward string `json:"fast_forward,omitempty"`
	Calendar    string `json:"calendar,omitempty"`
}

type VenueConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	GroupID   string `json:"group_id"`
	UserAgent string `json:"user_agent,omitempty"`
	// RatePerSec throttles outbound calls (default 1).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

type ExtractConfig struct {
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/announcebot.db" }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path,omitempty"`
	DSN            string `json:"dsn,omitempty"`  // postgres
	Addr           string `json:"addr,omitempty"` // redis
	Password       string `json:"password,omitempty"`
	DB             int    `json:"db,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
}

// SchedulerConfig controls periodic maintenance tasks (cron specs or durations).
type SchedulerConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	Heartbeat  string `json:"heartbeat,omitempty"`   // default "@every 10m"
	AuditPrune string `json:"audit_prune,omitempty"` // default "@daily"
}

// OpsConfig controls the metrics/pprof HTTP server.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
