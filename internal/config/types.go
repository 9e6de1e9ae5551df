package config

type Config struct {
	Discord DiscordConfig `json:"discord"`
	Logging LoggingConfig `json:"logging"`

	// TaskEngine controls background execution (timer fires, reconciliations, reminders).
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	Votes     VotesConfig     `json:"votes"`
	Reconcile ReconcileConfig `json:"reconcile"`

	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

type DiscordConfig struct {
	// Token may be left empty and supplied through DISCORD_TOKEN.
	Token string `json:"token"`
	// GuildIDs limits command registration. Empty registers in every joined guild.
	GuildIDs []string `json:"guild_ids,omitempty"`
	// ReviewChannelID hosts the public voting threads.
	ReviewChannelID string `json:"review_channel_id"`
	// LogChannelID receives the log sink when logging.discord is enabled.
	LogChannelID string `json:"log_channel_id,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async notification pipeline (DMs, reminders).
// If the whole section is omitted, the notifier defaults to enabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	// PersistDedup keeps dedup keys in storage so a restart does not resend reminders.
	PersistDedup bool `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the relational backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./councilbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/council?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// VotesConfig holds the live-editable review settings. Vote timings are timespan
// strings ("3d", "12h", "1w"); retry and refetch delays are Go durations.
type VotesConfig struct {
	VoteTime                  string `json:"vote_time,omitempty"`
	PingBeforeClose           string `json:"ping_before_close,omitempty"`
	TimeBetweenApplications   string `json:"time_between_applications,omitempty"`
	NetVotesRequired          *int   `json:"net_votes_required,omitempty"`
	RemoveApplicantFromThread bool   `json:"remove_applicant_from_thread,omitempty"`
	CouncilRoleID             string `json:"council_role_id,omitempty"`

	RetryDelay      string `json:"retry_delay,omitempty"`
	RefetchAttempts int    `json:"refetch_attempts,omitempty"`
	RefetchDelay    string `json:"refetch_delay,omitempty"`
}

// ReconcileConfig drives the periodic role reconciliation sweep.
type ReconcileConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron, "@every 6h", "6h", "HH:MM"
	Timezone string `json:"timezone,omitempty"`
}

// DiagnosticsConfig controls the optional health and profiling HTTP server.
//
// Security:
//   - Prefer binding to localhost (default 127.0.0.1:6060).
//   - A non-loopback addr needs a token or allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
