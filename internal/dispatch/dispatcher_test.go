package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminderd/internal/channel"
	"reminderd/internal/eventbus"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

type fakeAdapter struct {
	ch    model.Channel
	delay time.Duration
	calls atomic.Int32
	out   func(n int32) channel.Outcome
}

func (f *fakeAdapter) Channel() model.Channel { return f.ch }

func (f *fakeAdapter) Send(ctx context.Context, msg model.RenderedMessage) channel.Outcome {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.out == nil {
		return channel.OK()
	}
	return f.out(n)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingRetries struct {
	mu    sync.Mutex
	tasks []RetryTask
}

func (r *recordingRetries) Schedule(t RetryTask) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
}

func (r *recordingRetries) last() (RetryTask, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return RetryTask{}, 0
	}
	return r.tasks[len(r.tasks)-1], len(r.tasks)
}

var t0 = time.Date(2024, 5, 31, 0, 5, 0, 0, time.UTC)

func candidate() model.Candidate {
	sched := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	return model.Candidate{
		RuleID:       "r1",
		EntityID:     "e1",
		Channel:      model.ChannelEmail,
		Recipient:    "ana@example.com",
		ScheduledFor: sched,
		TemplateKey:  "deadline",
		Key:          model.IdempotencyKey("r1", "e1", model.ChannelEmail, sched, model.BucketInstance),
	}
}

func newTestDispatcher(t *testing.T, cfg Config, a *fakeAdapter, clock *fakeClock, retries RetryScheduler, bus eventbus.Bus) (*Dispatcher, *ledger.Memory) {
	t.Helper()
	reg, err := channel.NewRegistry(a)
	if err != nil {
		t.Fatal(err)
	}
	led := ledger.NewMemory()
	deps := Deps{
		Ledger:   led,
		Adapters: reg,
		Retries:  retries,
		Bus:      bus,
		Log:      logx.Nop(),
		Jitter:   func(n int64) int64 { return n - 1 },
	}
	if clock != nil {
		deps.Now = clock.Now
	}
	if cfg.Rates == nil {
		cfg.Rates = map[model.Channel]Rate{a.ch: {PerSecond: 1000, Burst: 1000}}
	}
	d, err := New(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	return d, led
}

func TestConcurrentSubmitSendsOnce(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail, delay: 10 * time.Millisecond}
	d, led := newTestDispatcher(t, Config{}, a, nil, nil, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Submit(context.Background(), candidate(), model.RenderedMessage{Body: "hi"}); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := a.calls.Load(); got != 1 {
		t.Fatalf("adapter calls = %d, want 1", got)
	}
	rec, _, _ := led.Get(context.Background(), candidate().Key)
	if rec.Status != model.StatusSent || rec.Attempts != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestShortLeaseIsRaisedAboveSendTimeout(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail, delay: 80 * time.Millisecond}
	d, led := newTestDispatcher(t, Config{Lease: 10 * time.Millisecond, SendTimeout: 80 * time.Millisecond}, a, nil, nil, nil)
	if cfg, _ := d.snapshot(); cfg.Lease < 80*time.Millisecond+LeaseMargin {
		t.Fatalf("lease = %v, want at least send timeout + margin", cfg.Lease)
	}

	ctx := context.Background()
	first := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, candidate(), model.RenderedMessage{Body: "hi"})
		first <- err
	}()
	time.Sleep(30 * time.Millisecond)
	if _, err := d.Submit(ctx, candidate(), model.RenderedMessage{Body: "hi"}); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if got := a.calls.Load(); got != 1 {
		t.Fatalf("adapter calls = %d, want 1", got)
	}
	rec, _, _ := led.Get(ctx, candidate().Key)
	if rec.Status != model.StatusSent {
		t.Fatalf("record = %+v", rec)
	}
}

func TestOutcomeLostToAnotherSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var led *ledger.Memory
	a := &fakeAdapter{ch: model.ChannelEmail, out: func(int32) channel.Outcome {
		// Another sender takes the record over while this send is in flight.
		rec, _, err := led.Get(ctx, candidate().Key)
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		rec.NotBefore = rec.NotBefore.Add(time.Hour)
		if _, err := led.Update(ctx, rec); err != nil {
			t.Errorf("takeover Update: %v", err)
		}
		return channel.OK()
	}}
	d, l := newTestDispatcher(t, Config{}, a, nil, nil, nil)
	led = l

	rec, err := d.Submit(ctx, candidate(), model.RenderedMessage{Body: "hi"})
	if err != nil {
		t.Fatalf("Submit = %v, want nil", err)
	}
	if rec.Status != model.StatusPending || rec.Attempts != 0 {
		t.Fatalf("record = %+v, want the other sender's pending record", rec)
	}
}

func TestTerminalResubmitIsNoop(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail}
	d, _ := newTestDispatcher(t, Config{}, a, nil, nil, nil)
	ctx := context.Background()

	first, err := d.Submit(ctx, candidate(), model.RenderedMessage{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := d.Submit(ctx, candidate(), model.RenderedMessage{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("adapter calls = %d, want 1", a.calls.Load())
	}
	if again.Version != first.Version || again.Status != model.StatusSent {
		t.Fatalf("resubmit changed record: first=%+v again=%+v", first, again)
	}
}

func TestTransientFailureExhaustsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	const maxAttempts = 5
	a := &fakeAdapter{ch: model.ChannelEmail, out: func(int32) channel.Outcome { return channel.TransientFailure("503") }}
	clock := &fakeClock{t: t0}
	retries := &recordingRetries{}
	bus := eventbus.New()
	exhausted, unsub := bus.Subscribe(4, eventbus.DeliveryExhausted)
	defer unsub()
	d, _ := newTestDispatcher(t, Config{
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Second,
		MaxBackoff:  24 * time.Hour,
	}, a, clock, retries, bus)
	ctx := context.Background()

	var delays []time.Duration
	var rec model.DeliveryRecord
	for i := 0; i < maxAttempts+3; i++ {
		var err error
		rec, err = d.Submit(ctx, candidate(), model.RenderedMessage{Body: "hi"})
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status.Terminal() {
			break
		}
		task, n := retries.last()
		if n != len(delays)+1 {
			t.Fatalf("retry tasks = %d, want %d", n, len(delays)+1)
		}
		if task.Attempts != rec.Attempts || !task.NotBefore.Equal(rec.NotBefore) {
			t.Fatalf("task %+v does not match record %+v", task, rec)
		}

		// A resubmit before the retry is due must not send.
		before := a.calls.Load()
		if _, err := d.Submit(ctx, candidate(), model.RenderedMessage{Body: "hi"}); err != nil {
			t.Fatal(err)
		}
		if a.calls.Load() != before {
			t.Fatal("early resubmit sent")
		}

		delays = append(delays, task.NotBefore.Sub(clock.Now()))
		clock.Set(task.NotBefore)
	}

	if rec.Status != model.StatusExhausted {
		t.Fatalf("status = %s, want exhausted", rec.Status)
	}
	if rec.Attempts != maxAttempts || int(a.calls.Load()) != maxAttempts {
		t.Fatalf("attempts = %d, calls = %d, want %d", rec.Attempts, a.calls.Load(), maxAttempts)
	}
	if len(delays) != maxAttempts-1 {
		t.Fatalf("delays = %v", delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
	select {
	case e := <-exhausted:
		ex := e.Data.(model.Exhaustion)
		if ex.EntityID != "e1" || ex.Channel != model.ChannelEmail || ex.LastError != "503" {
			t.Fatalf("exhaustion = %+v", ex)
		}
	default:
		t.Fatal("no exhaustion event")
	}
}

func TestPermanentFailureExhaustsImmediately(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail, out: func(int32) channel.Outcome { return channel.PermanentFailure("550 no such user") }}
	retries := &recordingRetries{}
	d, _ := newTestDispatcher(t, Config{MaxAttempts: 5}, a, nil, retries, nil)

	rec, err := d.Submit(context.Background(), candidate(), model.RenderedMessage{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusExhausted || rec.Attempts != 1 || rec.LastError != "550 no such user" {
		t.Fatalf("record = %+v", rec)
	}
	if _, n := retries.last(); n != 0 {
		t.Fatalf("retry scheduled after permanent failure")
	}
}

func TestRecoverAfterTransientThenSuccess(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail, out: func(n int32) channel.Outcome {
		if n == 1 {
			return channel.TransientFailure("timeout")
		}
		return channel.OK()
	}}
	clock := &fakeClock{t: t0}
	retries := &recordingRetries{}
	d, _ := newTestDispatcher(t, Config{BaseBackoff: time.Minute}, a, clock, retries, nil)

	rec, _ := d.Submit(context.Background(), candidate(), model.RenderedMessage{Body: "hi"})
	if rec.Status != model.StatusPending || rec.Attempts != 1 || rec.LastError != "timeout" {
		t.Fatalf("after first attempt = %+v", rec)
	}
	task, _ := retries.last()
	clock.Set(task.NotBefore)
	rec, _ = d.Submit(context.Background(), task.Candidate, task.Message)
	if rec.Status != model.StatusSent || rec.Attempts != 2 || rec.LastError != "" {
		t.Fatalf("after retry = %+v", rec)
	}
}

func TestAbandon(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(2, eventbus.DeliveryExhausted)
	defer unsub()
	d, _ := newTestDispatcher(t, Config{}, a, nil, nil, bus)

	rec, err := d.Abandon(context.Background(), candidate(), "render failure: missing variable")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusExhausted || rec.Attempts != 0 {
		t.Fatalf("record = %+v", rec)
	}
	if a.calls.Load() != 0 {
		t.Fatal("abandon must not send")
	}
	if len(ch) != 1 {
		t.Fatalf("exhaustion events = %d, want 1", len(ch))
	}

	// The key is now terminal: later submits are no-ops.
	again, _ := d.Submit(context.Background(), candidate(), model.RenderedMessage{Body: "hi"})
	if again.Status != model.StatusExhausted || a.calls.Load() != 0 {
		t.Fatalf("submit after abandon = %+v", again)
	}
}

func TestSubmitLedgerUnavailable(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail}
	d, led := newTestDispatcher(t, Config{}, a, nil, nil, nil)
	led.SetFailure(errors.New("down"))
	if _, err := d.Submit(context.Background(), candidate(), model.RenderedMessage{}); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if a.calls.Load() != 0 {
		t.Fatal("sent without a ledger record")
	}
}

func TestMissingAdapterIsPermanent(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{ch: model.ChannelEmail}
	d, _ := newTestDispatcher(t, Config{}, a, nil, nil, nil)
	c := candidate()
	c.Channel = model.ChannelSMS
	c.Key = "sms-key"
	rec, err := d.Submit(context.Background(), c, model.RenderedMessage{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusExhausted || rec.Attempts != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	d := &Dispatcher{jitter: func(n int64) int64 { return 0 }}
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{60, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := d.backoff(cfg, tt.attempts); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryQueueOrdersAndReplaces(t *testing.T) {
	t.Parallel()
	q := NewRetryQueue(1, logx.Nop())
	now := t0
	q.now = func() time.Time { return now }

	mk := func(key string, at time.Time) RetryTask {
		return RetryTask{Candidate: model.Candidate{Key: key}, NotBefore: at}
	}
	q.Schedule(mk("b", now.Add(2*time.Minute)))
	q.Schedule(mk("a", now.Add(time.Minute)))
	q.Schedule(mk("c", now.Add(3*time.Minute)))
	q.Schedule(mk("c", now.Add(30*time.Second)))
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	got, wait := q.due(now)
	if len(got) != 0 || wait != 30*time.Second {
		t.Fatalf("due(now) = %v, %v", got, wait)
	}
	got, wait = q.due(now.Add(2 * time.Minute))
	if len(got) != 3 || got[0].Candidate.Key != "c" || got[1].Candidate.Key != "a" || got[2].Candidate.Key != "b" {
		t.Fatalf("due order = %+v", got)
	}
	if wait != 0 || q.Len() != 0 {
		t.Fatalf("queue not drained: wait=%v len=%d", wait, q.Len())
	}
}

func TestRetryQueueRunSubmitsDueTasks(t *testing.T) {
	t.Parallel()
	q := NewRetryQueue(2, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, func(_ context.Context, t RetryTask) { got <- t.Candidate.Key })
	}()

	q.Schedule(RetryTask{Candidate: model.Candidate{Key: "now"}, NotBefore: time.Now()})
	q.Schedule(RetryTask{Candidate: model.Candidate{Key: "soon"}, NotBefore: time.Now().Add(20 * time.Millisecond)})

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case k := <-got:
			seen[k] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; submitted %v", seen)
		}
	}
	if !seen["now"] || !seen["soon"] {
		t.Fatalf("submitted %v", seen)
	}
	cancel()
	<-done
}
