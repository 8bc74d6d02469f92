// Package rules provides read-only access to reminder rules owned by the
// surrounding application.
//
// Sources:
//   - Memory: rules set programmatically (tests, embedding).
//   - File: a YAML or JSON document reloaded when it changes on disk.
package rules

import (
	"context"
	"errors"
	"sort"
	"sync"

	"reminderd/internal/model"
)

var ErrNotFound = errors.New("rule not found")

// Source is what the evaluator and recovery read from.
type Source interface {
	List(ctx context.Context) ([]model.ReminderRule, error)
	Get(ctx context.Context, id string) (model.ReminderRule, error)
}

// Memory is a concurrency-safe in-memory Source.
type Memory struct {
	mu    sync.RWMutex
	rules map[string]model.ReminderRule
}

func NewMemory(rs ...model.ReminderRule) *Memory {
	m := &Memory{rules: map[string]model.ReminderRule{}}
	m.Replace(rs)
	return m
}

// Replace swaps the whole rule set.
func (m *Memory) Replace(rs []model.ReminderRule) {
	next := make(map[string]model.ReminderRule, len(rs))
	for _, r := range rs {
		next[r.ID] = r
	}
	m.mu.Lock()
	m.rules = next
	m.mu.Unlock()
}

func (m *Memory) Put(r model.ReminderRule) {
	m.mu.Lock()
	m.rules[r.ID] = r
	m.mu.Unlock()
}

func (m *Memory) List(ctx context.Context) ([]model.ReminderRule, error) {
	_ = ctx
	m.mu.RLock()
	out := make([]model.ReminderRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (model.ReminderRule, error) {
	_ = ctx
	m.mu.RLock()
	r, ok := m.rules[id]
	m.mu.RUnlock()
	if !ok {
		return model.ReminderRule{}, ErrNotFound
	}
	return r, nil
}
