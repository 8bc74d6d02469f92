package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"reminderd/internal/channel"
	"reminderd/internal/dispatch"
	"reminderd/internal/evaluator"
	"reminderd/internal/eventbus"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	"reminderd/internal/rules"
	"reminderd/internal/templates"
	logx "reminderd/pkg/logx"
)

var deadline = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func rule() model.ReminderRule {
	return model.ReminderRule{
		ID:          "r1",
		EntityID:    "claim-12",
		Deadline:    deadline,
		Policy:      model.OffsetPolicy{Kind: model.PolicyBefore, Offsets: []time.Duration{24 * time.Hour}},
		Contact:     model.Contact{Name: "Ana", Email: "ana@example.com"},
		Channels:    []model.Channel{model.ChannelEmail},
		TemplateKey: "deadline",
	}
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []model.RenderedMessage
	block chan struct{}
	ready chan struct{}
}

func (f *fakeAdapter) Channel() model.Channel { return model.ChannelEmail }

func (f *fakeAdapter) Send(ctx context.Context, msg model.RenderedMessage) channel.Outcome {
	if f.ready != nil {
		select {
		case f.ready <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return channel.OK()
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	led     *ledger.Memory
	rules   *rules.Memory
	tpl     *templates.Store
	src     *templates.MapSource
	adapter *fakeAdapter
	disp    *dispatch.Dispatcher
	eval    *evaluator.Evaluator
	bus     eventbus.Bus
	runner  *Runner
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	f := &fixture{
		led:     ledger.NewMemory(),
		rules:   rules.NewMemory(rule()),
		adapter: &fakeAdapter{},
		bus:     eventbus.New(),
	}
	f.src = templates.NewMapSource(model.Template{
		Purpose: "deadline", Channel: model.ChannelEmail, Locale: "en",
		Subject: "Reminder", Body: body, Version: "1",
	})
	f.tpl = templates.NewStore(f.src, "en", logx.Nop())
	reg, err := channel.NewRegistry(f.adapter)
	if err != nil {
		t.Fatal(err)
	}
	f.disp, err = dispatch.New(dispatch.Config{}, dispatch.Deps{Ledger: f.led, Adapters: reg, Bus: f.bus, Log: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	f.eval = evaluator.New(evaluator.Config{}, f.rules, f.led, logx.Nop())
	f.runner = NewRunner(Config{Parallelism: 4}, f.eval, f.tpl, f.disp, f.bus, logx.Nop())
	return f
}

var at0005 = time.Date(2024, 5, 31, 0, 5, 0, 0, time.UTC)

func TestCycleDeliversOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}, {time_left} left")
	ctx := context.Background()

	info, err := f.runner.RunOnce(ctx, at0005)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if info.Candidates != 1 || info.Submitted != 1 || info.ID == "" {
		t.Fatalf("info = %+v", info)
	}
	if f.adapter.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.adapter.count())
	}
	msg := f.adapter.sent[0]
	if msg.Recipient != "ana@example.com" || msg.Body != "Hi Ana, 24h0m0s left" {
		t.Fatalf("message = %+v", msg)
	}
	if !f.eval.LastRun().Equal(at0005) {
		t.Fatalf("window not advanced: %v", f.eval.LastRun())
	}

	info, err = f.runner.RunOnce(ctx, at0005.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if info.Candidates != 0 || f.adapter.count() != 1 {
		t.Fatalf("second cycle info = %+v, sends = %d", info, f.adapter.count())
	}
	if last, ok := f.runner.Last(); !ok || last.ID != info.ID {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
}

func TestLedgerFailureAbortsCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}")
	events, unsub := f.bus.Subscribe(8, eventbus.CycleAborted, eventbus.CycleCompleted)
	defer unsub()
	ctx := context.Background()

	f.led.SetFailure(errors.New("connection refused"))
	_, err := f.runner.RunOnce(ctx, at0005)
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if f.adapter.count() != 0 {
		t.Fatalf("sends = %d, want 0", f.adapter.count())
	}
	if !f.eval.LastRun().IsZero() {
		t.Fatal("window advanced after an aborted cycle")
	}
	if e := <-events; e.Type != eventbus.CycleAborted {
		t.Fatalf("event = %s, want %s", e.Type, eventbus.CycleAborted)
	}

	f.led.SetFailure(nil)
	info, err := f.runner.RunOnce(ctx, at0005.Add(time.Minute))
	if err != nil {
		t.Fatalf("healthy cycle: %v", err)
	}
	if info.Submitted != 1 || f.adapter.count() != 1 {
		t.Fatalf("info = %+v, sends = %d", info, f.adapter.count())
	}
	if e := <-events; e.Type != eventbus.CycleCompleted {
		t.Fatalf("event = %s, want %s", e.Type, eventbus.CycleCompleted)
	}
}

func TestRenderFailureAbandons(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {nickname}")
	exhausted, unsub := f.bus.Subscribe(4, eventbus.DeliveryExhausted)
	defer unsub()
	ctx := context.Background()

	info, err := f.runner.RunOnce(ctx, at0005)
	if err != nil {
		t.Fatal(err)
	}
	if info.Abandoned != 1 || info.Submitted != 0 || f.adapter.count() != 0 {
		t.Fatalf("info = %+v, sends = %d", info, f.adapter.count())
	}
	key := model.IdempotencyKey("r1", "claim-12", model.ChannelEmail, deadline.Add(-24*time.Hour), model.BucketInstance)
	rec, ok, err := f.led.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if rec.Status != model.StatusExhausted || !strings.HasPrefix(rec.LastError, "render failure") {
		t.Fatalf("record = %+v", rec)
	}
	select {
	case e := <-exhausted:
		if ex := e.Data.(model.Exhaustion); ex.Key != key {
			t.Fatalf("exhaustion = %+v", ex)
		}
	default:
		t.Fatal("no exhaustion event")
	}
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}")
	f.adapter.block = make(chan struct{})
	f.adapter.ready = make(chan struct{}, 1)
	skipped, unsub := f.bus.Subscribe(4, eventbus.CycleSkipped)
	defer unsub()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.RunOnce(ctx, at0005)
		done <- err
	}()
	<-f.adapter.ready

	if _, err := f.runner.RunOnce(ctx, at0005.Add(time.Minute)); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("err = %v, want ErrCycleRunning", err)
	}
	select {
	case <-skipped:
	case <-time.After(time.Second):
		t.Fatal("no skip event")
	}

	close(f.adapter.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if f.adapter.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.adapter.count())
	}
}

func TestRecoveryResubmitsStalePending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}")
	ctx := context.Background()
	scheduled := deadline.Add(-24 * time.Hour)
	key := model.IdempotencyKey("r1", "claim-12", model.ChannelEmail, scheduled, model.BucketInstance)
	stale := time.Now().Add(-time.Hour)

	for _, rec := range []model.DeliveryRecord{
		{Key: key, RuleID: "r1", EntityID: "claim-12", Channel: model.ChannelEmail, ScheduledFor: scheduled, Attempts: 1, NotBefore: stale},
		{Key: "orphan", RuleID: "gone", EntityID: "claim-99", Channel: model.ChannelEmail, ScheduledFor: scheduled, NotBefore: stale},
	} {
		if _, _, err := f.led.CreateIfAbsent(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	rc := NewRecovery(RecoveryConfig{Staleness: time.Minute}, f.rules, f.led, f.tpl, f.disp, logx.Nop())
	rep, err := rc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Found != 2 || rep.Resubmitted != 1 || rep.Abandoned != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if f.adapter.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.adapter.count())
	}
	rec, _, _ := f.led.Get(ctx, key)
	if rec.Status != model.StatusSent || rec.Attempts != 2 {
		t.Fatalf("recovered record = %+v", rec)
	}
	orphan, _, _ := f.led.Get(ctx, "orphan")
	if orphan.Status != model.StatusExhausted {
		t.Fatalf("orphan = %+v", orphan)
	}

	rep, err = rc.Sweep(ctx)
	if err != nil || rep.Found != 0 {
		t.Fatalf("second sweep = %+v, %v", rep, err)
	}
}

func TestRecoveryLeavesFreshPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}")
	ctx := context.Background()
	if _, _, err := f.led.CreateIfAbsent(ctx, model.DeliveryRecord{
		Key: "fresh", RuleID: "r1", Channel: model.ChannelEmail, NotBefore: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	rc := NewRecovery(RecoveryConfig{Staleness: time.Minute}, f.rules, f.led, f.tpl, f.disp, logx.Nop())
	rep, err := rc.Sweep(ctx)
	if err != nil || rep.Found != 0 {
		t.Fatalf("sweep = %+v, %v", rep, err)
	}
}

func TestIntervalWithSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	for _, every := range []time.Duration{10 * time.Second, time.Minute} {
		sched, jitter := intervalWithSpread(every, now, "cycle")
		if jitter < 0 || jitter >= min(every, maxStartupSpread) {
			t.Fatalf("every %v: jitter %v out of range", every, jitter)
		}
		first := sched.Next(now)
		if !first.Equal(now.Add(jitter)) {
			t.Fatalf("every %v: first = %v, want %v", every, first, now.Add(jitter))
		}
		if second := sched.Next(first); second.Sub(first) < every-time.Second {
			t.Fatalf("every %v: second run too early: %v", every, second.Sub(first))
		}
	}
}

// failingSubmitter fails every Submit with err and passes Abandon through.
type failingSubmitter struct {
	*dispatch.Dispatcher
	err error
}

func (s failingSubmitter) Submit(context.Context, model.Candidate, model.RenderedMessage) (model.DeliveryRecord, error) {
	return model.DeliveryRecord{}, s.err
}

func TestCandidateErrorDoesNotAbortCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}")
	r := NewRunner(Config{}, f.eval, f.tpl, failingSubmitter{f.disp, errors.New("write rejected")}, f.bus, logx.Nop())

	info, err := r.RunOnce(context.Background(), at0005)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if info.Candidates != 1 || info.Failed != 1 || info.Submitted != 0 {
		t.Fatalf("info = %+v", info)
	}
	if !f.eval.LastRun().Equal(at0005) {
		t.Fatalf("window not advanced: %v", f.eval.LastRun())
	}
}

func TestUnavailableSubmitAbortsCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}")
	err := fmt.Errorf("claim: %w", ledger.ErrUnavailable)
	r := NewRunner(Config{}, f.eval, f.tpl, failingSubmitter{f.disp, err}, f.bus, logx.Nop())

	if _, got := r.RunOnce(context.Background(), at0005); !errors.Is(got, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", got)
	}
	if !f.eval.LastRun().IsZero() {
		t.Fatal("window advanced after an aborted cycle")
	}
}

func TestRecoveryDefersRecordOnSubmitError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "Hi {name}")
	ctx := context.Background()
	scheduled := deadline.Add(-24 * time.Hour)
	key := model.IdempotencyKey("r1", "claim-12", model.ChannelEmail, scheduled, model.BucketInstance)
	if _, _, err := f.led.CreateIfAbsent(ctx, model.DeliveryRecord{
		Key: key, RuleID: "r1", EntityID: "claim-12", Channel: model.ChannelEmail,
		ScheduledFor: scheduled, NotBefore: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	sub := failingSubmitter{f.disp, errors.New("write rejected")}
	rc := NewRecovery(RecoveryConfig{Staleness: time.Minute}, f.rules, f.led, f.tpl, sub, logx.Nop())
	rep, err := rc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Found != 1 || rep.Deferred != 1 || rep.Resubmitted != 0 {
		t.Fatalf("report = %+v", rep)
	}

	sub.err = fmt.Errorf("claim: %w", ledger.ErrUnavailable)
	rc = NewRecovery(RecoveryConfig{Staleness: time.Minute}, f.rules, f.led, f.tpl, sub, logx.Nop())
	if _, err := rc.Sweep(ctx); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("Sweep = %v, want ErrUnavailable", err)
	}
}
