package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "5m"); offsets also
// accept day and week suffixes ("7d", "2w"). Omitted fields take the defaults
// filled in by ApplyDefaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Evaluator EvaluatorConfig `json:"evaluator"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Retry     RetryConfig     `json:"retry"`
	Queue     QueueConfig     `json:"queue"`
	Retention RetentionConfig `json:"retention"`
	Dedup     DedupConfig     `json:"dedup"`
	Channels  ChannelsConfig  `json:"channels"`
	Entities  EntitiesConfig  `json:"entities"`
	Admin     AdminConfig     `json:"admin"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warnings to the push transport's operator chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the record/message store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/herald.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the periodic task runner.
//
// Task names: "evaluate.<kind>", "retry.sweep", "queue.drain",
// "retention.cleanup". A task entry overrides the default schedule.
type SchedulerConfig struct {
	Enabled        bool                  `json:"enabled"`
	Timezone       string                `json:"timezone,omitempty"`
	Workers        int                   `json:"workers,omitempty"`
	MaxWorkers     int                   `json:"max_workers,omitempty"`
	QueueSize      int                   `json:"queue_size,omitempty"`
	DefaultTimeout string                `json:"default_timeout,omitempty"`
	HistorySize    int                   `json:"history_size,omitempty"`
	Tasks          map[string]TaskConfig `json:"tasks,omitempty"`
}

type TaskConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// EvaluatorConfig holds the tolerance window and the per-kind rules.
type EvaluatorConfig struct {
	Tolerance string                `json:"tolerance"`
	Kinds     map[string]KindConfig `json:"kinds"`
}

// KindConfig is one notification kind's rule. Offsets are "label=duration"
// or a bare duration ("2h", "7d") whose label is derived.
type KindConfig struct {
	Enabled              *bool    `json:"enabled,omitempty"`
	Offsets              []string `json:"offsets,omitempty"`
	EntityStatuses       []string `json:"entity_statuses,omitempty"`
	RegistrationStatuses []string `json:"registration_statuses,omitempty"`
	// Priority overrides the offset-derived priority.
	Priority string `json:"priority,omitempty"`
}

// DispatchConfig controls channel delivery.
type DispatchConfig struct {
	MaxInFlight    int                   `json:"max_in_flight,omitempty"`
	SMSEnabled     bool                  `json:"sms_enabled"`
	PushEnabled    bool                  `json:"push_enabled"`
	AttemptTimeout string                `json:"attempt_timeout,omitempty"`
	Rates          map[string]RateConfig `json:"rates,omitempty"`
	Breaker        BreakerConfig         `json:"breaker"`
}

type RateConfig struct {
	PerSec float64 `json:"per_sec"`
	Burst  int     `json:"burst,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

// RetryConfig is the record backoff policy and the retry sweep.
// MaxRetries is a pointer so an explicit 0 (no retries) survives defaults.
type RetryConfig struct {
	MaxRetries  *int   `json:"max_retries,omitempty"`
	BackoffBase string `json:"backoff_base"`
	MaxBackoff  string `json:"max_backoff,omitempty"`
	StaleAfter  string `json:"stale_after,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

// QueueConfig is the outbound queue drain.
type QueueConfig struct {
	BatchSize       int     `json:"batch_size"`
	SubBatchSize    int     `json:"sub_batch_size,omitempty"`
	InterBatchDelay string  `json:"inter_batch_delay"`
	MaxInFlight     int     `json:"max_in_flight,omitempty"`
	MaxRetries      *int    `json:"max_retries,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
}

type RetentionConfig struct {
	Days int `json:"days"`
}

// DedupConfig selects the claim backend used by the dedup guard.
type DedupConfig struct {
	Backend  string      `json:"backend"`
	ClaimTTL string      `json:"claim_ttl,omitempty"`
	Redis    RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type ChannelsConfig struct {
	Email EmailChannelConfig `json:"email"`
	Push  PushChannelConfig  `json:"push"`
	SMS   SMSChannelConfig   `json:"sms"`
}

// EmailChannelConfig driver: "log" (default), "smtp" or "none".
type EmailChannelConfig struct {
	Driver string     `json:"driver"`
	SMTP   SMTPConfig `json:"smtp"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	StartTLS bool   `json:"starttls,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// PushChannelConfig driver: "log" (default), "telegram" or "none".
type PushChannelConfig struct {
	Driver   string         `json:"driver"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// SMSChannelConfig driver: "log" (default), "webhook" or "none".
type SMSChannelConfig struct {
	Driver  string        `json:"driver"`
	Webhook WebhookConfig `json:"webhook"`
}

type WebhookConfig struct {
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// EntitiesConfig points the reference entity store at its YAML fixtures.
type EntitiesConfig struct {
	Fixtures string `json:"fixtures,omitempty"`
}

// AdminConfig controls the operational HTTP API.
//
// Security note: bind to localhost, or set jwt_secret; a non-loopback address
// without a secret is refused unless allow_insecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	JWTSecret     string `json:"jwt_secret,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same auth.
	Pprof         bool   `json:"pprof,omitempty"`
}
