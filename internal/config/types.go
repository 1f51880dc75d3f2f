package config

// Config is the whole bot configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Jobs        JobsConfig        `json:"jobs"`
	State       StateConfig       `json:"state"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Fetch       FetchConfig       `json:"fetch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Debug       DebugConfig       `json:"debug"`

	// Features are enabled in chats that have no stored state yet.
	// Omitted means all features.
	Features []string `json:"features,omitempty"`

	// Messages overrides user-facing texts by key.
	Messages map[string]string `json:"messages,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via TGLOAD_TOKEN or TOKEN.
	Token          string  `json:"token"`
	AdminIDs       []int64 `json:"admin_ids"`
	LoggingChatIDs []int64 `json:"logging_chat_ids,omitempty"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string         `json:"poll_timeout,omitempty"`
	Webhook     *WebhookConfig `json:"webhook,omitempty"`
}

// WebhookConfig switches the transport from long polling to a webhook.
type WebhookConfig struct {
	Listen      string `json:"listen"`
	PublicURL   string `json:"public_url"`
	SecretToken string `json:"secret_token,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines to telegram.logging_chat_ids.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// JobsConfig bounds downloads. Changes require a restart.
//
// Defaults: max_concurrent_jobs 2, job_timeout "5m", kill_grace "5s",
// shutdown_grace "10s", work_dir "<tmp>/tgload", history_size 100.
type JobsConfig struct {
	MaxConcurrentJobs int    `json:"max_concurrent_jobs,omitempty"`
	JobTimeout        string `json:"job_timeout,omitempty"`
	KillGrace         string `json:"kill_grace,omitempty"`
	ShutdownGrace     string `json:"shutdown_grace,omitempty"`
	WorkDir           string `json:"work_dir,omitempty"`
	HistorySize       int    `json:"history_size,omitempty"`
}

// StateConfig selects the state store backend.
//
// Example:
//
//	"state": { "driver": "sqlite", "path": "./tgload.db" }
type StateConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
}

type FetchConfig struct {
	Instaloader   InstaloaderConfig `json:"instaloader"`
	MaxAlbumItems int               `json:"max_album_items,omitempty"`
	AudioFormat   string            `json:"audio_format,omitempty"`
}

// InstaloaderConfig locates the instaloader CLI and its login session.
// Stories need a session.
type InstaloaderConfig struct {
	Binary      string `json:"binary,omitempty"`
	SessionUser string `json:"session_user,omitempty"`
	SessionFile string `json:"session_file,omitempty"`
}

// MaintenanceConfig holds cron specs (5-field, or descriptors such as
// "@hourly"). Empty disables the task.
type MaintenanceConfig struct {
	Janitor    string `json:"janitor,omitempty"`
	Compaction string `json:"compaction,omitempty"`
	// OrphanAge is how old a work dir must be before the janitor removes it.
	OrphanAge string `json:"orphan_age,omitempty"`
}

// DebugConfig enables the operator HTTP endpoint (healthz, state views,
// pprof). A non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
}
