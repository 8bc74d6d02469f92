package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"reminderd/internal/evaluator"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	"reminderd/internal/rules"
	logx "reminderd/pkg/logx"
)

type RuleGetter interface {
	Get(ctx context.Context, id string) (model.ReminderRule, error)
}

type PendingLister interface {
	ListPending(ctx context.Context, before time.Time, limit int) ([]model.DeliveryRecord, error)
}

type RecoveryConfig struct {
	// Staleness is how long past its NotBefore a pending record must be
	// before recovery touches it. It keeps recovery clear of records the
	// retry queue is about to submit.
	Staleness time.Duration
	Batch     int
	Bucket    model.Bucket
}

// RecoveryReport summarizes one sweep.
type RecoveryReport struct {
	Found       int
	Resubmitted int
	Abandoned   int
	// Deferred records are left for the next sweep.
	Deferred int
}

type recoveryResult int

const (
	resubmitted recoveryResult = iota
	abandoned
	deferred
)

// Recovery re-submits pending records that nobody is working on: retries
// lost with a restart, and sends interrupted before their outcome was
// written.
type Recovery struct {
	rules  RuleGetter
	ledger PendingLister
	tpl    Renderer
	disp   Submitter
	log    logx.Logger
	now    func() time.Time
	busy   atomic.Bool

	mu  sync.RWMutex
	cfg RecoveryConfig
}

func NewRecovery(cfg RecoveryConfig, rs RuleGetter, led PendingLister, tpl Renderer, disp Submitter, log logx.Logger) *Recovery {
	if log.IsZero() {
		log = logx.Nop()
	}
	rc := &Recovery{rules: rs, ledger: led, tpl: tpl, disp: disp, log: log, now: time.Now}
	rc.Apply(cfg)
	return rc
}

func (rc *Recovery) Apply(cfg RecoveryConfig) {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 10 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	if cfg.Bucket == "" {
		cfg.Bucket = model.BucketInstance
	}
	rc.mu.Lock()
	rc.cfg = cfg
	rc.mu.Unlock()
}

// Tick runs one sweep and logs the result. It does nothing while another
// sweep is running.
func (rc *Recovery) Tick(ctx context.Context) {
	if !rc.busy.CompareAndSwap(false, true) {
		rc.log.Debug("recovery sweep still running; tick skipped")
		return
	}
	defer rc.busy.Store(false)
	rep, err := rc.Sweep(ctx)
	if err != nil {
		rc.log.Error("recovery sweep failed", logx.Err(err))
		return
	}
	if rep.Found > 0 {
		rc.log.Info("recovery sweep done",
			logx.Int("found", rep.Found),
			logx.Int("resubmitted", rep.Resubmitted),
			logx.Int("abandoned", rep.Abandoned),
			logx.Int("deferred", rep.Deferred),
		)
	}
}

// Sweep handles one batch of stale pending records. Only ledger
// unavailability stops it; other per-record errors defer that record.
func (rc *Recovery) Sweep(ctx context.Context) (RecoveryReport, error) {
	rc.mu.RLock()
	cfg := rc.cfg
	rc.mu.RUnlock()

	recs, err := rc.ledger.ListPending(ctx, rc.now().Add(-cfg.Staleness), cfg.Batch)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("listing pending: %w", err)
	}
	rep := RecoveryReport{Found: len(recs)}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := rc.recover(ctx, rec, cfg.Bucket)
		if errors.Is(err, ledger.ErrUnavailable) {
			return rep, err
		}
		if err != nil {
			rc.log.Warn("recovering pending delivery failed", logx.String("key", rec.Key), logx.Err(err))
			res = deferred
		}
		switch res {
		case resubmitted:
			rep.Resubmitted++
		case abandoned:
			rep.Abandoned++
		default:
			rep.Deferred++
		}
	}
	return rep, nil
}

func (rc *Recovery) recover(ctx context.Context, rec model.DeliveryRecord, bucket model.Bucket) (recoveryResult, error) {
	log := rc.log.With(logx.String("key", rec.Key), logx.String("rule", rec.RuleID))
	bare := model.Candidate{
		Key:          rec.Key,
		RuleID:       rec.RuleID,
		EntityID:     rec.EntityID,
		Channel:      rec.Channel,
		ScheduledFor: rec.ScheduledFor,
	}
	abandon := func(reason string) (recoveryResult, error) {
		log.Warn("abandoning pending delivery", logx.String("reason", reason))
		_, err := rc.disp.Abandon(ctx, bare, reason)
		return abandoned, err
	}

	r, err := rc.rules.Get(ctx, rec.RuleID)
	if errors.Is(err, rules.ErrNotFound) {
		return abandon("rule no longer exists")
	}
	if err != nil {
		// The rule source may come back; leave the record for the next sweep.
		log.Warn("rule lookup failed", logx.Err(err))
		return deferred, nil
	}
	if r.AcknowledgedAt != nil && !rec.ScheduledFor.Before(*r.AcknowledgedAt) {
		return abandon("acknowledged")
	}

	cand, err := evaluator.Candidate(r, rec.Channel, rec.ScheduledFor, bucket)
	if err != nil {
		return abandon(err.Error())
	}
	// The bucket may have changed since the record was created.
	cand.Key = rec.Key

	msg, err := rc.tpl.Render(ctx, model.TemplateKey{Purpose: cand.TemplateKey, Channel: cand.Channel}, cand.Locale, cand.Variables)
	if err != nil {
		return abandon("render failure: " + err.Error())
	}
	msg.Recipient = cand.Recipient
	if _, err := rc.disp.Submit(ctx, cand, msg); err != nil {
		return deferred, err
	}
	log.Debug("pending delivery resubmitted", logx.Int("attempts", rec.Attempts))
	return resubmitted, nil
}
