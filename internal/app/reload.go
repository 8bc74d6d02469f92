package app

import (
	"context"
	"strings"

	"reminderd/internal/config"
	logx "reminderd/pkg/logx"
)

// reloadLoop applies published configs to the running components. Sections
// that need new connections or listeners only log a warning.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(old, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config change summary", fields...)

	var restart []string
	for _, s := range sections {
		if config.RestartRequired[s] {
			restart = append(restart, s)
			continue
		}
		switch s {
		case config.SectionLogging:
			a.logs.Apply(loggingConfig(next.Logging))
		case config.SectionEvaluation:
			a.eval.Apply(evaluatorConfig(next))
			a.runner.Apply(runnerConfig(next))
			a.recovery.Apply(recoveryConfig(next))
			a.driver.Reschedule(jobs(next, a.runner, a.recovery)...)
		case config.SectionDelivery:
			a.disp.Apply(dispatchConfig(next.Delivery, next.Channels))
		case config.SectionRecovery:
			a.recovery.Apply(recoveryConfig(next))
			a.driver.Reschedule(jobs(next, a.runner, a.recovery)...)
		case config.SectionTemplates:
			n := a.templates.Invalidate("")
			a.log.Info("template cache cleared", logx.Int("evicted", n))
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
}
