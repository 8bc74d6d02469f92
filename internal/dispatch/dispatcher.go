// Package dispatch turns rendered candidates into delivery attempts. It owns
// every DeliveryRecord mutation: creating the record, claiming it, invoking
// the channel adapter and applying the retry policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/channel"
	"reminderd/internal/eventbus"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

// Config is the retry policy. Zero values take the defaults below.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Lease is how long a claimed record is reserved for the sender. Apply
	// raises it to at least SendTimeout + LeaseMargin.
	Lease time.Duration
	// SendTimeout is the longest per-attempt adapter timeout.
	SendTimeout time.Duration
	Rates       map[model.Channel]Rate
}

// LeaseMargin is the slack a claim lease keeps beyond the slowest send.
const LeaseMargin = 5 * time.Second

// DefaultSendTimeout matches the adapters' default per-attempt timeout.
const DefaultSendTimeout = 15 * time.Second

// Rate bounds sends per channel.
type Rate struct {
	PerSecond float64
	Burst     int
}

// RetryTask is a delayed re-submission.
type RetryTask struct {
	Candidate model.Candidate
	Message   model.RenderedMessage
	Attempts  int
	NotBefore time.Time
}

// RetryScheduler holds retry tasks until they are due and hands them back to
// Submit.
type RetryScheduler interface {
	Schedule(t RetryTask)
}

type Deps struct {
	Ledger   ledger.Ledger
	Adapters *channel.Registry
	Retries  RetryScheduler
	Bus      eventbus.Bus
	Log      logx.Logger
	// Now and Jitter are replaced in tests.
	Now    func() time.Time
	Jitter func(n int64) int64
}

type Dispatcher struct {
	ledger   ledger.Ledger
	adapters *channel.Registry
	retries  RetryScheduler
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	jitter   func(n int64) int64

	mu       sync.RWMutex
	cfg      Config
	limiters map[model.Channel]*rate.Limiter
}

func New(cfg Config, d Deps) (*Dispatcher, error) {
	if d.Ledger == nil {
		return nil, errors.New("dispatch: ledger is required")
	}
	if d.Adapters == nil {
		return nil, errors.New("dispatch: adapter registry is required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Jitter == nil {
		d.Jitter = rand.Int64N
	}
	x := &Dispatcher{
		ledger:   d.Ledger,
		adapters: d.Adapters,
		retries:  d.Retries,
		bus:      d.Bus,
		log:      d.Log,
		now:      d.Now,
		jitter:   d.Jitter,
	}
	x.Apply(cfg)
	return x, nil
}

// Apply swaps the policy. In-flight sends keep the limiter they started with.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if minLease := cfg.SendTimeout + LeaseMargin; cfg.Lease < minLease {
		d.log.Warn("claim lease shorter than the slowest send; raising it",
			logx.Duration("lease", cfg.Lease),
			logx.Duration("min", minLease),
		)
		cfg.Lease = minLease
	}
	limiters := map[model.Channel]*rate.Limiter{}
	for _, ch := range d.adapters.Channels() {
		r, ok := cfg.Rates[ch]
		if !ok || r.PerSecond <= 0 {
			r = Rate{PerSecond: 10, Burst: 10}
		}
		if r.Burst <= 0 {
			r.Burst = max(1, int(r.PerSecond))
		}
		limiters[ch] = rate.NewLimiter(rate.Limit(r.PerSecond), r.Burst)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.limiters = limiters
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, map[model.Channel]*rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.limiters
}

// Submit delivers cand at most once per idempotency key. Re-submitting a key
// whose record is terminal returns that record unchanged. A record that is
// claimed by another sender, or whose retry is not yet due, is also returned
// unchanged. The only error returned is a ledger error.
func (d *Dispatcher) Submit(ctx context.Context, cand model.Candidate, msg model.RenderedMessage) (model.DeliveryRecord, error) {
	cfg, _ := d.snapshot()
	now := d.now()

	rec, created, err := d.ledger.CreateIfAbsent(ctx, model.DeliveryRecord{
		Key:          cand.Key,
		RuleID:       cand.RuleID,
		EntityID:     cand.EntityID,
		Channel:      cand.Channel,
		ScheduledFor: cand.ScheduledFor,
		Status:       model.StatusPending,
		NotBefore:    now.Add(cfg.Lease),
	})
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	if !created {
		if rec.Status.Terminal() || rec.NotBefore.After(now) {
			return rec, nil
		}
		claim := rec
		claim.NotBefore = now.Add(cfg.Lease)
		claimed, err := d.ledger.Update(ctx, claim)
		switch {
		case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrTerminal):
			d.log.Debug("claim lost", logx.String("key", cand.Key))
			return d.current(ctx, rec), nil
		case err != nil:
			return rec, err
		}
		rec = claimed
	}
	return d.attempt(ctx, rec, cand, msg)
}

func (d *Dispatcher) attempt(ctx context.Context, rec model.DeliveryRecord, cand model.Candidate, msg model.RenderedMessage) (model.DeliveryRecord, error) {
	cfg, limiters := d.snapshot()
	log := d.log.With(logx.String("key", rec.Key), logx.String("channel", string(rec.Channel)))

	if msg.Recipient == "" {
		msg.Recipient = cand.Recipient
	}
	msg.Channel = rec.Channel

	var out channel.Outcome
	if a, ok := d.adapters.Get(rec.Channel); !ok {
		out = channel.PermanentFailure(fmt.Sprintf("no adapter for channel %q", rec.Channel))
	} else {
		if lim := limiters[rec.Channel]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				// The claim lease expires and recovery picks the record up.
				log.Debug("send aborted while rate limited", logx.Err(err))
				return rec, nil
			}
		}
		// The wait may have used up the lease; the send must finish inside it.
		if now := d.now(); now.Add(cfg.SendTimeout).After(rec.NotBefore) {
			claim := rec
			claim.NotBefore = now.Add(cfg.Lease)
			renewed, err := d.ledger.Update(ctx, claim)
			switch {
			case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrTerminal):
				log.Debug("claim lost while rate limited")
				return d.current(ctx, rec), nil
			case err != nil:
				return rec, err
			}
			rec = renewed
		}
		out = a.Send(ctx, msg)
	}

	now := d.now()
	next := rec
	next.Attempts++
	next.LastAttemptAt = now
	var retryIn time.Duration
	switch out.Kind {
	case channel.Success:
		next.Status = model.StatusSent
		next.LastError = ""
		next.NotBefore = time.Time{}
	case channel.Permanent:
		next.Status = model.StatusExhausted
		next.LastError = out.Reason
		next.NotBefore = time.Time{}
	default:
		next.LastError = out.Reason
		if next.Attempts >= cfg.MaxAttempts {
			next.Status = model.StatusExhausted
			next.NotBefore = time.Time{}
		} else {
			retryIn = d.backoff(cfg, next.Attempts)
			next.NotBefore = now.Add(retryIn)
		}
	}

	// The send already happened; record it even if the caller is going away.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	saved, err := d.ledger.Update(wctx, next)
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrTerminal) {
		// Another sender claimed the record after our lease ran out.
		log.Warn("delivery outcome not recorded; record owned by another sender",
			logx.String("outcome", out.String()),
			logx.Err(err),
		)
		return d.current(wctx, rec), nil
	}
	if err != nil {
		log.Error("recording delivery outcome failed",
			logx.String("outcome", out.String()),
			logx.Err(err),
		)
		return rec, err
	}

	switch saved.Status {
	case model.StatusSent:
		log.Info("delivery sent", logx.Int("attempts", saved.Attempts))
		d.publish(eventbus.DeliverySent, saved)
	case model.StatusExhausted:
		log.Warn("delivery exhausted",
			logx.Int("attempts", saved.Attempts),
			logx.String("last_error", saved.LastError),
		)
		d.exhausted(saved)
	default:
		log.Info("delivery will be retried",
			logx.Int("attempts", saved.Attempts),
			logx.Duration("retry_in", retryIn),
			logx.String("reason", out.Reason),
		)
		d.publish(eventbus.DeliveryRetry, saved)
		if d.retries != nil {
			d.retries.Schedule(RetryTask{
				Candidate: cand,
				Message:   msg,
				Attempts:  saved.Attempts,
				NotBefore: saved.NotBefore,
			})
		}
	}
	return saved, nil
}

// current re-reads the record, falling back to rec.
func (d *Dispatcher) current(ctx context.Context, rec model.DeliveryRecord) model.DeliveryRecord {
	cur, ok, err := d.ledger.Get(ctx, rec.Key)
	if err != nil || !ok {
		return rec
	}
	return cur
}

// Abandon records cand as exhausted without attempting a send. It is used
// when the message could not be rendered.
func (d *Dispatcher) Abandon(ctx context.Context, cand model.Candidate, reason string) (model.DeliveryRecord, error) {
	now := d.now()
	rec, created, err := d.ledger.CreateIfAbsent(ctx, model.DeliveryRecord{
		Key:           cand.Key,
		RuleID:        cand.RuleID,
		EntityID:      cand.EntityID,
		Channel:       cand.Channel,
		ScheduledFor:  cand.ScheduledFor,
		Status:        model.StatusExhausted,
		LastAttemptAt: now,
		LastError:     reason,
	})
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	if !created {
		if rec.Status.Terminal() {
			return rec, nil
		}
		next := rec
		next.Status = model.StatusExhausted
		next.LastError = reason
		next.LastAttemptAt = now
		next.NotBefore = time.Time{}
		saved, err := d.ledger.Update(ctx, next)
		if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrTerminal) {
			return saved, nil
		}
		if err != nil {
			return rec, err
		}
		rec = saved
	}
	d.log.Warn("delivery abandoned",
		logx.String("key", rec.Key),
		logx.String("channel", string(rec.Channel)),
		logx.String("reason", reason),
	)
	d.exhausted(rec)
	return rec, nil
}

// backoff returns the delay before the next attempt after the given number
// of failed attempts: base*2^attempts capped at MaxBackoff, with equal
// jitter (half fixed, half random) so uncapped delays strictly increase.
func (d *Dispatcher) backoff(cfg Config, attempts int) time.Duration {
	delay := cfg.BaseBackoff
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= cfg.MaxBackoff || delay <= 0 {
			delay = cfg.MaxBackoff
			break
		}
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(d.jitter(int64(half)))
}

func (d *Dispatcher) publish(typ string, rec model.DeliveryRecord) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: rec})
}

func (d *Dispatcher) exhausted(rec model.DeliveryRecord) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: eventbus.DeliveryExhausted,
		Time: d.now(),
		Data: model.Exhaustion{
			Key:       rec.Key,
			RuleID:    rec.RuleID,
			EntityID:  rec.EntityID,
			Channel:   rec.Channel,
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
			At:        rec.LastAttemptAt,
		},
	})
}
