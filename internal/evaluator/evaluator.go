// Package evaluator decides which reminders are due. It reads rules and the
// delivery ledger and never writes either: running Evaluate twice for the
// same moment yields the same candidates, minus any that became terminal in
// between.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"reminderd/internal/ledger"
	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

// RuleSource is the read-only view of upstream reminder rules.
type RuleSource interface {
	List(ctx context.Context) ([]model.ReminderRule, error)
}

type Config struct {
	Bucket model.Bucket
	// Lookback is the window start used before the first successful cycle.
	Lookback time.Duration
}

// Report is the full result of one evaluation.
type Report struct {
	From       time.Time
	To         time.Time
	Rules      int
	Candidates []model.Candidate
	// Dropped counts candidates whose record was already terminal.
	Dropped int
	Skipped []*RuleEvaluationError
}

type Evaluator struct {
	rules  RuleSource
	ledger ledger.Ledger
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	lastRun time.Time
}

func New(cfg Config, rules RuleSource, led ledger.Ledger, log logx.Logger) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Evaluator{rules: rules, ledger: led, log: log}
	e.Apply(cfg)
	return e
}

func (e *Evaluator) Apply(cfg Config) {
	if cfg.Bucket == "" {
		cfg.Bucket = model.BucketInstance
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Window returns the evaluation window ending at now.
func (e *Evaluator) Window(now time.Time) (from, to time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from = e.lastRun
	if from.IsZero() || from.After(now) {
		from = now.Add(-e.cfg.Lookback)
	}
	return from, now
}

// Advance moves the window start to now. The cycle runner calls it only
// after every candidate of the cycle was handed to the dispatcher.
func (e *Evaluator) Advance(now time.Time) {
	e.mu.Lock()
	if now.After(e.lastRun) {
		e.lastRun = now
	}
	e.mu.Unlock()
}

func (e *Evaluator) LastRun() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun
}

// Evaluate returns the due candidates in deterministic order.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) ([]model.Candidate, error) {
	rep, err := e.EvaluateReport(ctx, now)
	if err != nil {
		return nil, err
	}
	return rep.Candidates, nil
}

// EvaluateReport is Evaluate with bookkeeping. A ledger failure aborts the
// whole evaluation and returns no candidates; a bad rule is skipped.
func (e *Evaluator) EvaluateReport(ctx context.Context, now time.Time) (Report, error) {
	from, to := e.Window(now)
	e.mu.Lock()
	bucket := e.cfg.Bucket
	e.mu.Unlock()

	rep := Report{From: from, To: to}
	rules, err := e.rules.List(ctx)
	if err != nil {
		return Report{From: from, To: to}, fmt.Errorf("listing rules: %w", err)
	}
	rep.Rules = len(rules)

	var all []model.Candidate
	for _, r := range rules {
		cands, skipped := e.candidatesFor(r, from, to, bucket)
		for _, s := range skipped {
			e.log.Warn("rule skipped", logx.String("rule", s.RuleID), logx.String("channel", string(s.Channel)), logx.Err(s.Err))
		}
		rep.Skipped = append(rep.Skipped, skipped...)
		all = append(all, cands...)
	}

	// A key may repeat when a coarse bucket folds several fire times.
	seen := make(map[string]bool, len(all))
	for _, c := range all {
		if seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		rec, ok, err := e.ledger.Get(ctx, c.Key)
		if err != nil {
			return Report{From: from, To: to}, fmt.Errorf("checking %s: %w", c.Key, err)
		}
		if ok && rec.Status.Terminal() {
			rep.Dropped++
			continue
		}
		rep.Candidates = append(rep.Candidates, c)
	}
	SortCandidates(rep.Candidates)

	e.log.Debug("evaluation done",
		logx.Time("from", from),
		logx.Time("to", to),
		logx.Int("rules", rep.Rules),
		logx.Int("candidates", len(rep.Candidates)),
		logx.Int("dropped", rep.Dropped),
		logx.Int("skipped", len(rep.Skipped)),
	)
	return rep, nil
}

// candidatesFor never panics on malformed input; anything wrong with the rule
// comes back as a RuleEvaluationError.
func (e *Evaluator) candidatesFor(r model.ReminderRule, from, to time.Time, bucket model.Bucket) (out []model.Candidate, skipped []*RuleEvaluationError) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			skipped = []*RuleEvaluationError{{RuleID: r.ID, Err: fmt.Errorf("panic: %v", p)}}
		}
	}()

	fires, dropped, err := FireTimes(r, from, to)
	if err != nil {
		return nil, []*RuleEvaluationError{{RuleID: r.ID, Err: err}}
	}
	if dropped > 0 {
		e.log.Warn("recurring rule fires too often; keeping the latest",
			logx.String("rule", r.ID),
			logx.Int("kept", len(fires)),
			logx.Int("dropped", dropped),
		)
	}
	for _, ch := range r.Channels {
		for _, at := range fires {
			c, err := Candidate(r, ch, at, bucket)
			if err != nil {
				skipped = append(skipped, &RuleEvaluationError{RuleID: r.ID, Channel: ch, Err: err})
				break
			}
			out = append(out, c)
		}
	}
	return out, skipped
}

var errNoRecipient = errors.New("contact has no address for channel")

// Candidate builds the candidate for one fire time of r on ch. Recovery uses
// it to rebuild a pending delivery from its rule.
func Candidate(r model.ReminderRule, ch model.Channel, scheduledFor time.Time, bucket model.Bucket) (model.Candidate, error) {
	to := r.Contact.Address(ch)
	if to == "" {
		return model.Candidate{}, errNoRecipient
	}
	return model.Candidate{
		RuleID:       r.ID,
		EntityID:     r.EntityID,
		Channel:      ch,
		Recipient:    to,
		ScheduledFor: scheduledFor,
		TemplateKey:  r.TemplateKey,
		Locale:       r.Locale,
		Variables:    variables(r, scheduledFor),
		Key:          model.IdempotencyKey(r.ID, r.EntityID, ch, scheduledFor, bucket),
	}, nil
}

// variables exposes a few rule fields to templates. Explicit rule variables
// win over these.
func variables(r model.ReminderRule, scheduledFor time.Time) map[string]string {
	vars := map[string]string{
		"entity_id":     r.EntityID,
		"deadline":      r.Deadline.UTC().Format(time.RFC3339),
		"scheduled_for": scheduledFor.UTC().Format(time.RFC3339),
		"time_left":     r.Deadline.Sub(scheduledFor).Round(time.Minute).String(),
	}
	if r.Contact.Name != "" {
		vars["name"] = r.Contact.Name
	}
	for k, v := range r.Variables {
		vars[k] = v
	}
	return vars
}

// SortCandidates orders by scheduled time, then entity, channel and rule.
func SortCandidates(cs []model.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.RuleID < b.RuleID
	})
}
