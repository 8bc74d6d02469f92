package evaluator

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"reminderd/internal/model"
)

// maxFiresPerRule bounds the work a single recurring rule can cause in one
// window, as when a tiny interval meets a long lookback.
const maxFiresPerRule = 1000

// RuleEvaluationError reports a rule that could not be evaluated. The rule is
// skipped; the cycle continues.
type RuleEvaluationError struct {
	RuleID  string
	Channel model.Channel
	Err     error
}

func (e *RuleEvaluationError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("rule %s (%s): %v", e.RuleID, e.Channel, e.Err)
	}
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

func validate(r model.ReminderRule) error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return errors.New("missing id")
	case strings.TrimSpace(r.EntityID) == "":
		return errors.New("missing entity_id")
	case r.Deadline.IsZero():
		return errors.New("missing deadline")
	case strings.TrimSpace(r.TemplateKey) == "":
		return errors.New("missing template")
	case len(r.Channels) == 0:
		return errors.New("no channels")
	}
	for _, ch := range r.Channels {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

// FireTimes returns the moments in the closed window [from, to] at which r
// should fire, in ascending order. Moments at or after the rule's
// acknowledgement are dropped. A recurring rule yields at most
// maxFiresPerRule moments, the latest ones; dropped counts the rest.
func FireTimes(r model.ReminderRule, from, to time.Time) (out []time.Time, dropped int, err error) {
	if err := validate(r); err != nil {
		return nil, 0, err
	}
	if to.Before(from) {
		return nil, 0, nil
	}
	keep := func(t time.Time) bool {
		if t.Before(from) || t.After(to) {
			return false
		}
		if r.AcknowledgedAt != nil && !t.Before(*r.AcknowledgedAt) {
			return false
		}
		return true
	}

	p := r.Policy
	switch p.Kind {
	case model.PolicyBefore:
		if len(p.Offsets) == 0 {
			return nil, 0, errors.New("before policy without offsets")
		}
		seen := map[time.Duration]bool{}
		for _, off := range p.Offsets {
			if off < 0 {
				return nil, 0, fmt.Errorf("negative offset %s", off)
			}
			if seen[off] {
				continue
			}
			seen[off] = true
			if t := r.Deadline.Add(-off); keep(t) {
				out = append(out, t)
			}
		}
		slices.SortFunc(out, time.Time.Compare)

	case model.PolicyRecurring:
		if p.Every <= 0 {
			return nil, 0, errors.New("recurring policy needs a positive interval")
		}
		start := p.Start
		if start.IsZero() {
			if p.Lead <= 0 {
				return nil, 0, errors.New("recurring policy needs start or lead")
			}
			start = r.Deadline.Add(-p.Lead)
		}
		end := r.Deadline
		if to.Before(end) {
			end = to
		}
		if ack := r.AcknowledgedAt; ack != nil && !ack.After(end) {
			end = ack.Add(-time.Nanosecond)
		}
		if end.Before(start) || end.Before(from) {
			break
		}
		var first int64
		if from.After(start) {
			// First occurrence at or after from.
			first = int64((from.Sub(start) + p.Every - 1) / p.Every)
		}
		last := int64(end.Sub(start) / p.Every)
		if n := last - first + 1; n > maxFiresPerRule {
			dropped = int(n - maxFiresPerRule)
			first = last - maxFiresPerRule + 1
		}
		for k := first; k <= last; k++ {
			out = append(out, start.Add(time.Duration(k)*p.Every))
		}

	default:
		return nil, 0, fmt.Errorf("unknown policy kind %q", p.Kind)
	}
	return out, dropped, nil
}
