package pipeline

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "reminderd/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule wraps an interval schedule and pulls the first run
// forward by a random share of one interval, so several instances started
// together do not evaluate in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), fnv64a(tag)))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Job is one periodic activity of the driver.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

// Driver fires jobs on their intervals. Overlap is handled by the jobs:
// Runner.Tick and Recovery.Tick drop a tick that arrives while the previous
// run is still going.
type Driver struct {
	log logx.Logger

	mu   sync.Mutex
	jobs []Job
	c    *cron.Cron
	ctx  context.Context
}

func NewDriver(log logx.Logger, jobs ...Job) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{log: log, jobs: jobs}
}

// Run starts the schedule and blocks until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.startLocked()
	d.mu.Unlock()

	<-ctx.Done()

	d.mu.Lock()
	c := d.c
	d.c = nil
	d.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	return nil
}

// Reschedule swaps the job set, restarting the schedule if it is running.
func (d *Driver) Reschedule(jobs ...Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = jobs
	if d.c == nil {
		return
	}
	old := d.c
	d.c = nil
	// Stop waits for running jobs; do it off the lock.
	go func() { <-old.Stop().Done() }()
	d.startLocked()
}

func (d *Driver) startLocked() {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{d.log})),
	)
	now := time.Now()
	ctx := d.ctx
	for _, j := range d.jobs {
		if j.Every <= 0 || j.Run == nil {
			continue
		}
		j := j
		sched, jitter := intervalWithSpread(j.Every, now, j.Name)
		c.Schedule(sched, cron.FuncJob(func() { j.Run(ctx) }))
		d.log.Info("job scheduled",
			logx.String("job", j.Name),
			logx.Duration("every", j.Every),
			logx.Duration("first_in", jitter),
		)
	}
	c.Start()
	d.c = c
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
