// Package eventbus is the in-process fan-out used to observe the pipeline:
// the dispatcher and cycle runner publish, alerting and the status API
// listen.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	DeliverySent      = "delivery.sent"      // Data: model.DeliveryRecord
	DeliveryRetry     = "delivery.retry"     // Data: model.DeliveryRecord
	DeliveryExhausted = "delivery.exhausted" // Data: model.Exhaustion
	CycleCompleted    = "cycle.completed"    // Data: CycleInfo
	CycleAborted      = "cycle.aborted"      // Data: CycleInfo
	CycleSkipped      = "cycle.skipped"      // Data: CycleInfo
)

// Event is a small signal. Publish never blocks; a subscriber whose buffer is
// full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// CycleInfo summarizes one evaluation cycle.
type CycleInfo struct {
	ID         string        `json:"id"`
	Now        time.Time     `json:"now"`
	Candidates int           `json:"candidates"`
	Submitted  int           `json:"submitted"`
	Abandoned  int           `json:"abandoned"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events whose type is in
	// types (all events when types is empty).
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.types) == 0 || s.types[e.Type] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped reports how many events were discarded because a subscriber was
// full. It returns 0 for buses not created by New.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.dropped.Load()
	}
	return 0
}
