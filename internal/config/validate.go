package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/model"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for an empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// MustDuration is ParseDurationOrDefault for values Validate already
// accepted.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

// Validate checks every field that Parse cannot check by type alone. All
// problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("evaluation.interval", cfg.Evaluation.Interval)
	dur("evaluation.lookback", cfg.Evaluation.Lookback)
	if _, err := model.ParseBucket(cfg.Evaluation.DedupeBucket); err != nil {
		errs = append(errs, fmt.Errorf("evaluation.dedupe_bucket: %w", err))
	}
	if cfg.Evaluation.Parallelism < 0 {
		errs = append(errs, errors.New("evaluation.parallelism must be >= 0"))
	}

	d := cfg.Delivery
	if d.MaxAttempts < 0 {
		errs = append(errs, errors.New("delivery.max_attempts must be >= 0"))
	}
	dur("delivery.base_backoff", d.BaseBackoff)
	dur("delivery.max_backoff", d.MaxBackoff)
	dur("delivery.lease", d.Lease)
	for ch, r := range d.Rates {
		if !model.Channel(ch).Valid() {
			errs = append(errs, fmt.Errorf("delivery.rates: unknown channel %q", ch))
		}
		if r.PerSecond < 0 || r.Burst < 0 {
			errs = append(errs, fmt.Errorf("delivery.rates.%s: values must be >= 0", ch))
		}
	}
	base := MustDuration(d.BaseBackoff, 0)
	maxB := MustDuration(d.MaxBackoff, 0)
	if base > 0 && maxB > 0 && maxB < base {
		errs = append(errs, errors.New("delivery.max_backoff must be >= delivery.base_backoff"))
	}

	dur("recovery.interval", cfg.Recovery.Interval)
	dur("recovery.staleness", cfg.Recovery.Staleness)

	if strings.TrimSpace(cfg.Templates.Dir) == "" {
		errs = append(errs, errors.New("templates.dir is required"))
	}
	if strings.TrimSpace(cfg.Rules.Path) == "" {
		errs = append(errs, errors.New("rules.path is required"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "":
		// A memory ledger forgets every send on restart; it must be asked for.
		errs = append(errs, errors.New("ledger.driver is required (memory, file, sqlite, postgres or redis)"))
	case "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Ledger.Path) == "" {
			errs = append(errs, fmt.Errorf("ledger.path is required for driver %q", cfg.Ledger.Driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Ledger.DSN) == "" {
			errs = append(errs, errors.New("ledger.dsn is required for postgres"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Ledger.Redis.Addr) == "" {
			errs = append(errs, errors.New("ledger.redis.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver: unknown driver %q", cfg.Ledger.Driver))
	}
	dur("ledger.busy_timeout", cfg.Ledger.BusyTimeout)

	e := cfg.Channels.Email
	dur("channels.email.timeout", e.Timeout)
	switch strings.ToLower(strings.TrimSpace(e.Provider)) {
	case "", "log":
	case "smtp":
		if e.SMTP.Host == "" || e.SMTP.From == "" {
			errs = append(errs, errors.New("channels.email.smtp: host and from are required"))
		}
		switch strings.ToLower(e.SMTP.Security) {
		case "", "starttls", "tls", "none":
		default:
			errs = append(errs, fmt.Errorf("channels.email.smtp.security: unknown mode %q", e.SMTP.Security))
		}
	case "http":
		if e.HTTP.APIKey == "" || e.HTTP.From == "" {
			errs = append(errs, errors.New("channels.email.http: api_key and from are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("channels.email.provider: unknown provider %q", e.Provider))
	}

	s := cfg.Channels.SMS
	dur("channels.sms.timeout", s.Timeout)
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", "log":
	case "http":
		if s.Endpoint == "" {
			errs = append(errs, errors.New("channels.sms.endpoint is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("channels.sms.provider: unknown provider %q", s.Provider))
	}

	if lease, send := MustDuration(d.Lease, DefaultLease), SendTimeout(cfg.Channels); lease < send+LeaseMargin {
		errs = append(errs, fmt.Errorf("delivery.lease (%s) must be at least the longest channel timeout (%s) plus %s", lease, send, LeaseMargin))
	}

	if t := cfg.Alerts.Telegram; t.Enabled && (strings.TrimSpace(t.Token) == "" || t.ChatID == 0) {
		errs = append(errs, errors.New("alerts.telegram: token and chat_id are required when enabled"))
	}
	return errors.Join(errs...)
}

// Lease defaults mirror the dispatcher's; the lease has to outlive one send.
const (
	DefaultLease       = 2 * time.Minute
	DefaultSendTimeout = 15 * time.Second
	LeaseMargin        = 5 * time.Second
)

// SendTimeout is the longest per-attempt timeout across the channels.
func SendTimeout(c ChannelsConfig) time.Duration {
	email := MustDuration(c.Email.Timeout, DefaultSendTimeout)
	sms := MustDuration(c.SMS.Timeout, DefaultSendTimeout)
	return max(email, sms)
}
