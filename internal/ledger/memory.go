package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"reminderd/internal/model"
)

// Memory is a process-local ledger. It does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	recs    map[string]model.DeliveryRecord
	closed  bool
	now     func() time.Time
	failure error
}

func NewMemory() *Memory {
	return &Memory{recs: map[string]model.DeliveryRecord{}, now: time.Now}
}

// SetFailure makes every call fail with ErrUnavailable wrapping err until it
// is reset with nil. Used to simulate an unreachable store.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

func (m *Memory) checkLocked(op string) error {
	if m.closed {
		return unavailable(op, errors.New("ledger closed"))
	}
	if m.failure != nil {
		return unavailable(op, m.failure)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (model.DeliveryRecord, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("get"); err != nil {
		return model.DeliveryRecord{}, false, err
	}
	rec, ok := m.recs[key]
	return rec, ok, nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("create"); err != nil {
		return model.DeliveryRecord{}, false, err
	}
	if cur, ok := m.recs[rec.Key]; ok {
		return cur, false, nil
	}
	rec, err := prepareCreate(rec, m.now())
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	m.recs[rec.Key] = rec
	return rec, true, nil
}

func (m *Memory) Update(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("update"); err != nil {
		return model.DeliveryRecord{}, err
	}
	cur, ok := m.recs[rec.Key]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	if err := checkUpdate(cur, rec); err != nil {
		return cur, err
	}
	rec.Version = cur.Version + 1
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = m.now()
	m.recs[rec.Key] = rec
	return rec, nil
}

func (m *Memory) ListPending(ctx context.Context, before time.Time, limit int) ([]model.DeliveryRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("list pending"); err != nil {
		return nil, err
	}
	var out []model.DeliveryRecord
	for _, r := range m.recs {
		if r.Status == model.StatusPending && !r.NotBefore.After(before) {
			out = append(out, r)
		}
	}
	sortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked("ping")
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortPending(recs []model.DeliveryRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].NotBefore.Equal(recs[j].NotBefore) {
			return recs[i].NotBefore.Before(recs[j].NotBefore)
		}
		return recs[i].Key < recs[j].Key
	})
}
