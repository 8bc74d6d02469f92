// Package app wires the reminder pipeline together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"reminderd/internal/alert"
	"reminderd/internal/api"
	"reminderd/internal/config"
	"reminderd/internal/dispatch"
	"reminderd/internal/evaluator"
	"reminderd/internal/eventbus"
	"reminderd/internal/ledger"
	"reminderd/internal/pipeline"
	"reminderd/internal/rules"
	"reminderd/internal/runtime/supervisor"
	"reminderd/internal/templates"
	logx "reminderd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	ledger    ledger.Ledger
	rules     *rules.File
	templates *templates.Store
	eval      *evaluator.Evaluator
	retries   *dispatch.RetryQueue
	disp      *dispatch.Dispatcher
	runner    *pipeline.Runner
	recovery  *pipeline.Recovery
	driver    *pipeline.Driver
	alerts    *alert.Service
	api       *api.Server

	sup *supervisor.Supervisor
}

// New loads the configuration and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(config.DotEnvPath(cfgPath)); err != nil {
		return nil, err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(loggingConfig(cfg.Logging))
	cfgm.SetLogger(log)

	a := &App{
		cfgm: cfgm,
		logs: logs,
		log:  log,
		bus:  eventbus.New(),
	}
	if err := a.build(ctx, cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	led, err := ledger.Open(ctx, ledgerConfig(cfg.Ledger), a.log.With(logx.String("comp", "ledger")))
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	a.ledger = led

	adapters, err := buildAdapters(cfg.Channels, a.log.With(logx.String("comp", "channel")))
	if err != nil {
		return err
	}

	a.rules, err = rules.OpenFile(cfg.Rules.Path, a.log.With(logx.String("comp", "rules")))
	if err != nil {
		return err
	}
	a.templates = templates.NewStore(
		templates.DirSource{Dir: cfg.Templates.Dir},
		cfg.Templates.DefaultLocale,
		a.log.With(logx.String("comp", "templates")),
	)
	a.eval = evaluator.New(evaluatorConfig(cfg), a.rules, led, a.log.With(logx.String("comp", "evaluator")))

	a.retries = dispatch.NewRetryQueue(cfg.Delivery.RetryWorkers, a.log.With(logx.String("comp", "retries")))
	a.disp, err = dispatch.New(dispatchConfig(cfg.Delivery, cfg.Channels), dispatch.Deps{
		Ledger:   led,
		Adapters: adapters,
		Retries:  a.retries,
		Bus:      a.bus,
		Log:      a.log.With(logx.String("comp", "dispatch")),
	})
	if err != nil {
		return err
	}

	a.runner = pipeline.NewRunner(runnerConfig(cfg), a.eval, a.templates, a.disp, a.bus, a.log.With(logx.String("comp", "cycle")))
	a.recovery = pipeline.NewRecovery(recoveryConfig(cfg), a.rules, led, a.templates, a.disp, a.log.With(logx.String("comp", "recovery")))
	a.driver = pipeline.NewDriver(a.log.With(logx.String("comp", "driver")), jobs(cfg, a.runner, a.recovery)...)

	sinks, err := buildAlertSinks(cfg.Alerts, a.log.With(logx.String("comp", "alerts")))
	if err != nil {
		return err
	}
	a.alerts = alert.NewService(a.bus, a.log.With(logx.String("comp", "alerts")), sinks...)

	if cfg.API.Enabled {
		h := api.NewHandler(api.Deps{
			Ledger:    led,
			Templates: a.templates,
			Cycles:    a.runner,
			Loops:     a.loops,
			Log:       a.log.With(logx.String("comp", "api")),
			Profiling: cfg.API.Profiling,
		})
		a.api = api.NewServer(cfg.API.Addr, h, a.log.With(logx.String("comp", "api")))
	}
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Runner exposes the cycle runner for one-shot runs.
func (a *App) Runner() *pipeline.Runner { return a.runner }

func (a *App) loops() []supervisor.LoopStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Start sweeps stale pending deliveries once, then starts every loop. A loop
// that fails for good cancels the others; Done reports it.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	cfg := a.cfgm.Get()
	a.cfgm.SetValidator(a.validate)

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Pick up work a previous process left behind before the first cycle.
	a.recovery.Tick(runCtx)

	a.sup.GoRestart("retries", func(c context.Context) error {
		return a.retries.Run(c, a.resubmit)
	})
	a.sup.Go("driver", a.driver.Run)
	a.sup.GoRestart("alerts", a.alerts.Run)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	if cfg.Rules.Watch {
		a.sup.GoRestart("rules.watch", a.rules.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if cfg.Templates.Watch {
		dir := cfg.Templates.Dir
		a.sup.GoRestart("templates.watch", func(c context.Context) error {
			return a.templates.WatchDir(c, dir)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	if a.api != nil {
		a.sup.Go("api", a.api.Run)
	}
	a.sup.Go("config.reload", a.reloadLoop)

	a.log.Info("started",
		logx.String("ledger", cfg.Ledger.Driver),
		logx.String("interval", cfg.Evaluation.Interval),
		logx.Bool("api", a.api != nil),
	)
	return nil
}

func (a *App) resubmit(ctx context.Context, t dispatch.RetryTask) {
	if _, err := a.disp.Submit(ctx, t.Candidate, t.Message); err != nil {
		// The record stays pending; recovery picks it up.
		a.log.Warn("retry submit failed", logx.String("key", t.Candidate.Key), logx.Int("attempts", t.Attempts), logx.Err(err))
	}
}

// validate rejects reloads that point at template or rule locations the
// running process cannot read.
func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	var errs []error
	if fi, err := os.Stat(cfg.Templates.Dir); err != nil {
		errs = append(errs, fmt.Errorf("templates.dir: %w", err))
	} else if !fi.IsDir() {
		errs = append(errs, fmt.Errorf("templates.dir: %s is not a directory", cfg.Templates.Dir))
	}
	if _, err := os.Stat(cfg.Rules.Path); err != nil {
		errs = append(errs, fmt.Errorf("rules.path: %w", err))
	}
	return errors.Join(errs...)
}

// Done is closed when every loop has stopped, either through Stop or
// because one of them failed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err is the first loop failure, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error
	if a.sup != nil {
		step := ctx
		var cancel context.CancelFunc
		if _, ok := ctx.Deadline(); !ok {
			step, cancel = context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
		}
		if err := a.sup.Stop(step); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ledger: %w", err))
		}
		a.ledger = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
	return errors.Join(errs...)
}
