// Package pipeline runs evaluation cycles: evaluate, render, submit. It also
// owns the periodic driver and the recovery sweep for records left pending
// by a crash or a lost retry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"reminderd/internal/evaluator"
	"reminderd/internal/eventbus"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

// ErrCycleRunning is returned by RunOnce when the previous cycle has not
// finished yet.
var ErrCycleRunning = errors.New("pipeline: cycle already running")

type Evaluator interface {
	EvaluateReport(ctx context.Context, now time.Time) (evaluator.Report, error)
	Advance(now time.Time)
}

type Renderer interface {
	Render(ctx context.Context, key model.TemplateKey, locale string, vars map[string]string) (model.RenderedMessage, error)
}

type Submitter interface {
	Submit(ctx context.Context, cand model.Candidate, msg model.RenderedMessage) (model.DeliveryRecord, error)
	Abandon(ctx context.Context, cand model.Candidate, reason string) (model.DeliveryRecord, error)
}

type Config struct {
	Parallelism int
}

type Runner struct {
	eval Evaluator
	tpl  Renderer
	disp Submitter
	bus  eventbus.Bus
	log  logx.Logger
	now  func() time.Time
	busy atomic.Bool
	last atomic.Pointer[eventbus.CycleInfo]

	mu  sync.RWMutex
	cfg Config
}

func NewRunner(cfg Config, eval Evaluator, tpl Renderer, disp Submitter, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{eval: eval, tpl: tpl, disp: disp, bus: bus, log: log, now: time.Now}
	r.Apply(cfg)
	return r
}

func (r *Runner) Apply(cfg Config) {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Last returns the most recent finished cycle, if any.
func (r *Runner) Last() (eventbus.CycleInfo, bool) {
	p := r.last.Load()
	if p == nil {
		return eventbus.CycleInfo{}, false
	}
	return *p, true
}

// Tick runs a cycle for the current time. Overlapping ticks are skipped.
func (r *Runner) Tick(ctx context.Context) {
	_, _ = r.RunOnce(ctx, r.now())
}

// RunOnce evaluates the window ending at now and hands every candidate to
// the dispatcher. A ledger failure aborts the cycle and leaves the window
// where it was, so the next cycle re-evaluates it in full.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) (eventbus.CycleInfo, error) {
	info := eventbus.CycleInfo{ID: uuid.NewString(), Now: now}
	if !r.busy.CompareAndSwap(false, true) {
		r.log.Warn("cycle skipped; previous cycle still running", logx.Time("now", now))
		info.Error = ErrCycleRunning.Error()
		r.publish(eventbus.CycleSkipped, info)
		return info, ErrCycleRunning
	}
	defer r.busy.Store(false)

	start := time.Now()
	log := r.log.With(logx.String("cycle", info.ID))
	err := r.run(ctx, now, &info, log)
	info.Duration = time.Since(start)
	if err != nil {
		info.Error = err.Error()
		log.Error("cycle aborted", logx.Err(err), logx.Int("submitted", info.Submitted))
		r.last.Store(&info)
		r.publish(eventbus.CycleAborted, info)
		return info, err
	}
	r.eval.Advance(now)
	log.Info("cycle completed",
		logx.Int("candidates", info.Candidates),
		logx.Int("submitted", info.Submitted),
		logx.Int("abandoned", info.Abandoned),
		logx.Int("failed", info.Failed),
		logx.Duration("took", info.Duration),
	)
	r.last.Store(&info)
	r.publish(eventbus.CycleCompleted, info)
	return info, nil
}

func (r *Runner) run(ctx context.Context, now time.Time, info *eventbus.CycleInfo, log logx.Logger) error {
	rep, err := r.eval.EvaluateReport(ctx, now)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	info.Candidates = len(rep.Candidates)

	r.mu.RLock()
	limit := r.cfg.Parallelism
	r.mu.RUnlock()

	var submitted, abandoned, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, cand := range rep.Candidates {
		cand := cand
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			sent, err := r.deliver(gctx, cand, log)
			if errors.Is(err, ledger.ErrUnavailable) {
				return err
			}
			if err != nil {
				// Isolated to this candidate; the record stays pending for
				// recovery or the next cycle.
				log.Warn("candidate failed", logx.String("key", cand.Key), logx.Err(err))
				failed.Add(1)
				return nil
			}
			if sent {
				submitted.Add(1)
			} else {
				abandoned.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	info.Submitted = int(submitted.Load())
	info.Abandoned = int(abandoned.Load())
	info.Failed = int(failed.Load())
	return err
}

// deliver renders cand and submits it. It reports false when the candidate
// was abandoned because it could not be rendered.
func (r *Runner) deliver(ctx context.Context, cand model.Candidate, log logx.Logger) (bool, error) {
	msg, err := r.tpl.Render(ctx, model.TemplateKey{Purpose: cand.TemplateKey, Channel: cand.Channel}, cand.Locale, cand.Variables)
	if err != nil {
		log.Warn("render failed; abandoning",
			logx.String("key", cand.Key),
			logx.String("template", cand.TemplateKey),
			logx.Err(err),
		)
		if _, aerr := r.disp.Abandon(ctx, cand, "render failure: "+err.Error()); aerr != nil {
			return false, aerr
		}
		return false, nil
	}
	msg.Recipient = cand.Recipient
	if _, err := r.disp.Submit(ctx, cand, msg); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Runner) publish(typ string, info eventbus.CycleInfo) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: info})
}
