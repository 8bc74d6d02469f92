package app

import (
	"fmt"
	"strings"
	"time"

	"reminderd/internal/alert"
	"reminderd/internal/channel"
	"reminderd/internal/config"
	"reminderd/internal/dispatch"
	"reminderd/internal/evaluator"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	"reminderd/internal/pipeline"
	logx "reminderd/pkg/logx"
)

// Defaults for the loop intervals. The per-component defaults live with the
// components.
const (
	defaultCycleInterval    = time.Minute
	defaultRecoveryInterval = 5 * time.Minute
	defaultLookback         = 24 * time.Hour
)

func loggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func ledgerConfig(c config.LedgerConfig) ledger.Config {
	return ledger.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		DSN:         c.DSN,
		BusyTimeout: config.MustDuration(c.BusyTimeout, 0),
		Redis: ledger.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		},
	}
}

func bucketOf(cfg *config.Config) model.Bucket {
	b, err := model.ParseBucket(cfg.Evaluation.DedupeBucket)
	if err != nil {
		// Validate rejects this before we get here.
		return model.BucketInstance
	}
	return b
}

func evaluatorConfig(cfg *config.Config) evaluator.Config {
	return evaluator.Config{
		Bucket:   bucketOf(cfg),
		Lookback: config.MustDuration(cfg.Evaluation.Lookback, defaultLookback),
	}
}

func runnerConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{Parallelism: cfg.Evaluation.Parallelism}
}

// dispatchConfig takes the channels too: the lease is sized against the
// slowest adapter timeout.
func dispatchConfig(c config.DeliveryConfig, ch config.ChannelsConfig) dispatch.Config {
	out := dispatch.Config{
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: config.MustDuration(c.BaseBackoff, 0),
		MaxBackoff:  config.MustDuration(c.MaxBackoff, 0),
		Lease:       config.MustDuration(c.Lease, 0),
		SendTimeout: config.SendTimeout(ch),
	}
	if len(c.Rates) > 0 {
		out.Rates = make(map[model.Channel]dispatch.Rate, len(c.Rates))
		for ch, r := range c.Rates {
			out.Rates[model.Channel(strings.ToLower(ch))] = dispatch.Rate{PerSecond: r.PerSecond, Burst: r.Burst}
		}
	}
	return out
}

func recoveryConfig(cfg *config.Config) pipeline.RecoveryConfig {
	return pipeline.RecoveryConfig{
		Staleness: config.MustDuration(cfg.Recovery.Staleness, 0),
		Batch:     cfg.Recovery.Batch,
		Bucket:    bucketOf(cfg),
	}
}

func jobs(cfg *config.Config, runner *pipeline.Runner, rec *pipeline.Recovery) []pipeline.Job {
	return []pipeline.Job{
		{Name: "cycle", Every: config.MustDuration(cfg.Evaluation.Interval, defaultCycleInterval), Run: runner.Tick},
		{Name: "recovery", Every: config.MustDuration(cfg.Recovery.Interval, defaultRecoveryInterval), Run: rec.Tick},
	}
}

// buildAdapters returns one adapter per channel. A missing or "log" provider
// writes messages to the log instead of sending them.
func buildAdapters(c config.ChannelsConfig, log logx.Logger) (*channel.Registry, error) {
	var adapters []channel.Adapter

	e := c.Email
	emailTimeout := config.MustDuration(e.Timeout, 0)
	switch strings.ToLower(strings.TrimSpace(e.Provider)) {
	case "smtp":
		a, err := channel.NewSMTP(channel.SMTPConfig{
			Host:     e.SMTP.Host,
			Port:     e.SMTP.Port,
			Username: e.SMTP.Username,
			Password: e.SMTP.Password,
			From:     e.SMTP.From,
			FromName: e.SMTP.FromName,
			Security: strings.ToLower(e.SMTP.Security),
			Timeout:  emailTimeout,
		}, log.With(logx.String("adapter", "smtp")))
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		adapters = append(adapters, a)
	case "http":
		a, err := channel.NewHTTPMail(channel.HTTPMailConfig{
			Endpoint: e.HTTP.Endpoint,
			APIKey:   e.HTTP.APIKey,
			From:     e.HTTP.From,
			FromName: e.HTTP.FromName,
			Timeout:  emailTimeout,
		}, log.With(logx.String("adapter", "httpmail")))
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		adapters = append(adapters, a)
	default:
		adapters = append(adapters, channel.NewLog(model.ChannelEmail, log))
	}

	s := c.SMS
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "http":
		a, err := channel.NewSMS(channel.SMSConfig{
			Endpoint:  s.Endpoint,
			APIKey:    s.APIKey,
			Sender:    s.Sender,
			MaxLength: s.MaxLength,
			Timeout:   config.MustDuration(s.Timeout, 0),
		}, log.With(logx.String("adapter", "sms")))
		if err != nil {
			return nil, fmt.Errorf("sms: %w", err)
		}
		adapters = append(adapters, a)
	default:
		adapters = append(adapters, channel.NewLog(model.ChannelSMS, log))
	}
	return channel.NewRegistry(adapters...)
}

func buildAlertSinks(c config.AlertsConfig, log logx.Logger) ([]alert.Sink, error) {
	sinks := []alert.Sink{alert.NewLogSink(log)}
	if t := c.Telegram; t.Enabled {
		tg, err := alert.NewTelegramSink(alert.TelegramConfig{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
			APIURL:   t.APIURL,
			Attempts: t.Attempts,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		sinks = append(sinks, tg)
	}
	return sinks, nil
}
