package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reminderd/pkg/logx"
)

// Sections that can be applied without a restart.
const (
	SectionLogging    = "logging"
	SectionEvaluation = "evaluation"
	SectionDelivery   = "delivery"
	SectionRecovery   = "recovery"
	SectionTemplates  = "templates"
	SectionRules      = "rules"
	SectionLedger     = "ledger"
	SectionChannels   = "channels"
	SectionAlerts     = "alerts"
	SectionAPI        = "api"
)

// RestartRequired lists the sections whose changes only take effect after a
// restart.
var RestartRequired = map[string]bool{
	SectionLedger:   true,
	SectionChannels: true,
	SectionAlerts:   true,
	SectionAPI:      true,
	SectionRules:    true,
}

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging. Secrets (passwords, API keys,
// tokens) are never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Evaluation != newCfg.Evaluation {
		e := newCfg.Evaluation
		changed = append(changed, SectionEvaluation)
		attrs = append(attrs,
			logx.String("evaluation.interval", strings.TrimSpace(e.Interval)),
			logx.String("evaluation.lookback", strings.TrimSpace(e.Lookback)),
			logx.String("evaluation.dedupe_bucket", strings.TrimSpace(e.DedupeBucket)),
			logx.Int("evaluation.parallelism", e.Parallelism),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		d := newCfg.Delivery
		changed = append(changed, SectionDelivery)
		attrs = append(attrs,
			logx.Int("delivery.max_attempts", d.MaxAttempts),
			logx.String("delivery.base_backoff", strings.TrimSpace(d.BaseBackoff)),
			logx.String("delivery.max_backoff", strings.TrimSpace(d.MaxBackoff)),
			logx.String("delivery.lease", strings.TrimSpace(d.Lease)),
			logx.Int("delivery.rates", len(d.Rates)),
		)
	}

	if oldCfg.Recovery != newCfg.Recovery {
		changed = append(changed, SectionRecovery)
		attrs = append(attrs,
			logx.String("recovery.interval", strings.TrimSpace(newCfg.Recovery.Interval)),
			logx.String("recovery.staleness", strings.TrimSpace(newCfg.Recovery.Staleness)),
		)
	}

	if oldCfg.Templates != newCfg.Templates {
		changed = append(changed, SectionTemplates)
		attrs = append(attrs,
			logx.String("templates.dir", newCfg.Templates.Dir),
			logx.String("templates.default_locale", newCfg.Templates.DefaultLocale),
			logx.Bool("templates.watch", newCfg.Templates.Watch),
		)
	}

	if oldCfg.Rules != newCfg.Rules {
		changed = append(changed, SectionRules)
		attrs = append(attrs, logx.String("rules.path", newCfg.Rules.Path))
	}

	// Ledger (never log the DSN or the redis password)
	oL, nL := oldCfg.Ledger, newCfg.Ledger
	if oL != nL {
		changed = append(changed, SectionLedger)
		attrs = append(attrs,
			logx.String("ledger.driver", nL.Driver),
			logx.Bool("ledger.path_set", strings.TrimSpace(nL.Path) != ""),
			logx.Bool("ledger.dsn_set", strings.TrimSpace(nL.DSN) != ""),
		)
	}

	if oldCfg.Channels != newCfg.Channels {
		c := newCfg.Channels
		changed = append(changed, SectionChannels)
		attrs = append(attrs,
			logx.String("channels.email.provider", c.Email.Provider),
			logx.Bool("channels.email.credentials_set", c.Email.SMTP.Password != "" || c.Email.HTTP.APIKey != ""),
			logx.String("channels.sms.provider", c.SMS.Provider),
			logx.Bool("channels.sms.api_key_set", c.SMS.APIKey != ""),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		t := newCfg.Alerts.Telegram
		changed = append(changed, SectionAlerts)
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", t.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(t.Token) != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, SectionAPI)
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.profiling", newCfg.API.Profiling),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
