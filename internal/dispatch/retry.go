package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "reminderd/pkg/logx"
)

// RetryQueue holds retry tasks in memory, ordered by NotBefore. The ledger
// also records NotBefore, so tasks lost with the process are found again by
// recovery.
type RetryQueue struct {
	log     logx.Logger
	now     func() time.Time
	workers int

	mu    sync.Mutex
	tasks taskHeap
	keys  map[string]*RetryTask
	wake  chan struct{}
}

func NewRetryQueue(workers int, log logx.Logger) *RetryQueue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if workers <= 0 {
		workers = 4
	}
	return &RetryQueue{
		log:     log,
		now:     time.Now,
		workers: workers,
		keys:    map[string]*RetryTask{},
		wake:    make(chan struct{}, 1),
	}
}

// Schedule adds t. A task already queued for the same key is replaced.
func (q *RetryQueue) Schedule(t RetryTask) {
	q.mu.Lock()
	if old, ok := q.keys[t.Candidate.Key]; ok {
		*old = t
		heap.Init(&q.tasks)
	} else {
		p := &t
		q.keys[t.Candidate.Key] = p
		heap.Push(&q.tasks, p)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// due pops every task whose NotBefore has passed and returns the wait until
// the next one (0 when the queue is empty).
func (q *RetryQueue) due(now time.Time) ([]RetryTask, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []RetryTask
	for len(q.tasks) > 0 && !q.tasks[0].NotBefore.After(now) {
		t := heap.Pop(&q.tasks).(*RetryTask)
		delete(q.keys, t.Candidate.Key)
		out = append(out, *t)
	}
	if len(q.tasks) == 0 {
		return out, 0
	}
	return out, q.tasks[0].NotBefore.Sub(now)
}

// Run hands due tasks to submit with bounded parallelism until ctx is done.
func (q *RetryQueue) Run(ctx context.Context, submit func(context.Context, RetryTask)) error {
	var g errgroup.Group
	g.SetLimit(q.workers)
	defer func() { _ = g.Wait() }()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		tasks, wait := q.due(q.now())
		for _, t := range tasks {
			t := t
			q.log.Debug("retry due", logx.String("key", t.Candidate.Key), logx.Int("attempts", t.Attempts))
			g.Go(func() error {
				submit(ctx, t)
				return nil
			})
		}
		if wait <= 0 {
			wait = time.Hour
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

type taskHeap []*RetryTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].Candidate.Key < h[j].Candidate.Key
	}
	return h[i].NotBefore.Before(h[j].NotBefore)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*RetryTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
