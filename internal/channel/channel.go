// Package channel holds the delivery adapters. Every adapter exposes the same
// Send contract and maps its provider's errors onto exactly one of three
// outcomes; the dispatcher never inspects provider errors itself.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"reminderd/internal/model"
)

type Kind int

const (
	Success Kind = iota
	// Transient failures are retried within the budget.
	Transient
	// Permanent failures exhaust the record immediately.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one send attempt.
type Outcome struct {
	Kind   Kind
	Reason string
}

func OK() Outcome                       { return Outcome{Kind: Success} }
func TransientFailure(r string) Outcome { return Outcome{Kind: Transient, Reason: r} }
func PermanentFailure(r string) Outcome { return Outcome{Kind: Permanent, Reason: r} }

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Reason
}

// Adapter delivers rendered messages over one channel. Send must return
// within its own timeout and must never panic on provider errors.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, msg model.RenderedMessage) Outcome
}

// Registry maps each channel to its adapter.
type Registry struct {
	m map[model.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{m: make(map[model.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		ch := a.Channel()
		if !ch.Valid() {
			return nil, fmt.Errorf("adapter for unknown channel %q", ch)
		}
		if _, dup := r.m[ch]; dup {
			return nil, fmt.Errorf("duplicate adapter for channel %s", ch)
		}
		r.m[ch] = a
	}
	return r, nil
}

func (r *Registry) Get(ch model.Channel) (Adapter, bool) {
	a, ok := r.m[ch]
	return a, ok
}

func (r *Registry) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(r.m))
	for ch := range r.m {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const defaultTimeout = 15 * time.Second

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}

// classifyTransport maps errors that happen before a provider answered.
// Anything unrecognized is transient.
func classifyTransport(ctx context.Context, err error) Outcome {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return TransientFailure("timeout: " + err.Error())
	case errors.Is(err, context.Canceled):
		return TransientFailure("cancelled: " + err.Error())
	case errors.As(err, &nerr) && nerr.Timeout():
		return TransientFailure("timeout: " + err.Error())
	default:
		return TransientFailure(err.Error())
	}
}

// classifyHTTP maps a provider status code. permanent lists the 4xx codes
// the provider documents as "do not retry".
func classifyHTTP(status int, body string, permanent ...int) Outcome {
	if status >= 200 && status < 300 {
		return OK()
	}
	reason := fmt.Sprintf("HTTP %d", status)
	if body != "" {
		reason += ": " + body
	}
	for _, p := range permanent {
		if status == p {
			return PermanentFailure(reason)
		}
	}
	return TransientFailure(reason)
}
