// Package alert tells operators about deliveries that reached the
// exhausted state. Alerting is best-effort: a failing sink is logged and
// never affects the pipeline.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

// Sink delivers one alert.
type Sink interface {
	Name() string
	Alert(ctx context.Context, ex model.Exhaustion) error
}

// Service forwards exhaustion events from the bus to every sink.
type Service struct {
	bus     eventbus.Bus
	sinks   []Sink
	log     logx.Logger
	timeout time.Duration
}

func NewService(bus eventbus.Bus, log logx.Logger, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{bus: bus, sinks: sinks, log: log, timeout: time.Minute}
}

// Run blocks until ctx is done. Events that arrive while the buffer is full
// are dropped by the bus.
func (s *Service) Run(ctx context.Context) error {
	ch, unsub := s.bus.Subscribe(256, eventbus.DeliveryExhausted)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			ex, ok := e.Data.(model.Exhaustion)
			if !ok {
				continue
			}
			s.dispatch(ctx, ex)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, ex model.Exhaustion) {
	for _, sink := range s.sinks {
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := sink.Alert(sctx, ex)
		cancel()
		if err != nil {
			s.log.Warn("alert sink failed",
				logx.String("sink", sink.Name()),
				logx.String("key", ex.Key),
				logx.Err(err),
			)
		}
	}
}

// Text renders ex as a short plain-text alert.
func Text(ex model.Exhaustion) string {
	var b strings.Builder
	b.WriteString("Reminder delivery exhausted\n")
	fmt.Fprintf(&b, "entity: %s\n", ex.EntityID)
	fmt.Fprintf(&b, "rule: %s\n", ex.RuleID)
	fmt.Fprintf(&b, "channel: %s\n", ex.Channel)
	fmt.Fprintf(&b, "attempts: %d\n", ex.Attempts)
	if ex.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", ex.LastError)
	}
	fmt.Fprintf(&b, "key: %s", ex.Key)
	return b.String()
}

// LogSink writes alerts to the structured log at error level.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Alert(ctx context.Context, ex model.Exhaustion) error {
	_ = ctx
	l.log.Error("delivery exhausted",
		logx.String("key", ex.Key),
		logx.String("rule", ex.RuleID),
		logx.String("entity", ex.EntityID),
		logx.String("channel", string(ex.Channel)),
		logx.Int("attempts", ex.Attempts),
		logx.String("last_error", ex.LastError),
	)
	return nil
}
