package config

// Config is the whole reminderd configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m"). String values may reference
// environment variables as ${NAME}; a .env file next to the config is loaded
// first.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Evaluation EvaluationConfig `json:"evaluation"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Templates  TemplatesConfig  `json:"templates"`
	Rules      RulesConfig      `json:"rules"`
	Ledger     LedgerConfig     `json:"ledger"`
	Channels   ChannelsConfig   `json:"channels"`
	Alerts     AlertsConfig     `json:"alerts"`
	API        APIConfig        `json:"api"`
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

// EvaluationConfig controls the periodic cycle.
//
// Defaults (when fields are omitted/zero):
//   - interval: "1m"
//   - lookback: "24h" (window start before the first successful cycle)
//   - dedupe_bucket: "instance"
//   - parallelism: 8
type EvaluationConfig struct {
	Interval     string `json:"interval,omitempty"`
	Lookback     string `json:"lookback,omitempty"`
	DedupeBucket string `json:"dedupe_bucket,omitempty"`
	Parallelism  int    `json:"parallelism,omitempty"`
}

// DeliveryConfig is the retry policy and send pacing.
//
// Defaults:
//   - max_attempts: 5
//   - base_backoff: "30s"
//   - max_backoff: "1h"
//   - lease: "2m"
//   - retry_workers: 4
//   - rates: 10/s with burst 10 per channel
type DeliveryConfig struct {
	MaxAttempts  int                   `json:"max_attempts,omitempty"`
	BaseBackoff  string                `json:"base_backoff,omitempty"`
	MaxBackoff   string                `json:"max_backoff,omitempty"`
	Lease        string                `json:"lease,omitempty"`
	RetryWorkers int                   `json:"retry_workers,omitempty"`
	Rates        map[string]RateConfig `json:"rates,omitempty"`
}

type RateConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst,omitempty"`
}

// RecoveryConfig controls the sweep for stale pending deliveries.
type RecoveryConfig struct {
	Interval  string `json:"interval,omitempty"`  // default "5m"
	Staleness string `json:"staleness,omitempty"` // default "10m"
	Batch     int    `json:"batch,omitempty"`     // default 500
}

// TemplatesConfig points at a directory of <purpose>.<channel>.<locale>.yaml
// files.
type TemplatesConfig struct {
	Dir           string `json:"dir"`
	DefaultLocale string `json:"default_locale,omitempty"`
	Watch         bool   `json:"watch,omitempty"`
}

type RulesConfig struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch,omitempty"`
}

// LedgerConfig selects the delivery ledger backend.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./reminderd.db" }
type LedgerConfig struct {
	Driver      string            `json:"driver"`
	Path        string            `json:"path,omitempty"`
	DSN         string            `json:"dsn,omitempty"`
	BusyTimeout string            `json:"busy_timeout,omitempty"`
	Redis       LedgerRedisConfig `json:"redis,omitempty"`
}

type LedgerRedisConfig struct {
	Addr     string `json:"addr,omitempty"` // comma-separated for a cluster
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type ChannelsConfig struct {
	Email EmailConfig `json:"email"`
	SMS   SMSConfig   `json:"sms"`
}

// EmailConfig selects one provider: "smtp", "http" or "log".
type EmailConfig struct {
	Provider string         `json:"provider"`
	SMTP     SMTPConfig     `json:"smtp,omitempty"`
	HTTP     HTTPMailConfig `json:"http,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	Security string `json:"security,omitempty"`
}

type HTTPMailConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
}

// SMSConfig selects one provider: "http" or "log".
type SMSConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	Sender    string `json:"sender,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Attempts uint   `json:"attempts,omitempty"`
}

// APIConfig controls the status HTTP server. Prefer a loopback address.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8089"
	// Profiling mounts net/http/pprof under /debug. Keep the API on loopback
	// when it is on.
	Profiling bool `json:"profiling,omitempty"`
}
