package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

// fileLedger is a dependency-free durable backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of all records)
//   - <prefix>.journal.jsonl (append-only journal, one record state per line)
//
// Every mutation is appended and fsynced before it is acknowledged. The
// journal is compacted into the snapshot every compactEvery writes.
type fileLedger struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	recs         map[string]model.DeliveryRecord

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	recs := map[string]model.DeliveryRecord{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file ledger opened", logx.String("path", prefix), logx.Int("records", len(recs)))

	return &fileLedger{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		recs:         recs,
		compactEvery: 1000,
	}, nil
}

func (l *fileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil
	}
	err := l.compactLocked()
	if cerr := l.journal.Close(); err == nil {
		err = cerr
	}
	l.journal = nil
	return err
}

func (l *fileLedger) Ping(ctx context.Context) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return unavailable("ping", errors.New("journal closed"))
	}
	return nil
}

func (l *fileLedger) Get(ctx context.Context, key string) (model.DeliveryRecord, bool, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return model.DeliveryRecord{}, false, unavailable("get", errors.New("journal closed"))
	}
	rec, ok := l.recs[key]
	return rec, ok, nil
}

func (l *fileLedger) CreateIfAbsent(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return model.DeliveryRecord{}, false, unavailable("create", errors.New("journal closed"))
	}
	if cur, ok := l.recs[rec.Key]; ok {
		return cur, false, nil
	}
	rec, err := prepareCreate(rec, time.Now())
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	if err := l.appendLocked(rec); err != nil {
		return model.DeliveryRecord{}, false, unavailable("create", err)
	}
	return rec, true, nil
}

func (l *fileLedger) Update(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return model.DeliveryRecord{}, unavailable("update", errors.New("journal closed"))
	}
	cur, ok := l.recs[rec.Key]
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	if err := checkUpdate(cur, rec); err != nil {
		return cur, err
	}
	rec.Version = cur.Version + 1
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = time.Now()
	if err := l.appendLocked(rec); err != nil {
		return model.DeliveryRecord{}, unavailable("update", err)
	}
	return rec, nil
}

func (l *fileLedger) ListPending(ctx context.Context, before time.Time, limit int) ([]model.DeliveryRecord, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.journal == nil {
		return nil, unavailable("list pending", errors.New("journal closed"))
	}
	var out []model.DeliveryRecord
	for _, r := range l.recs {
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

// appendLocked journals rec and only then applies it in memory, so a failed
// write never leaves an acknowledged state that would be lost on restart.
func (l *fileLedger) appendLocked(rec model.DeliveryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := l.journal.Write(b); err != nil {
		return err
	}
	if err := l.journal.Sync(); err != nil {
		return err
	}
	l.recs[rec.Key] = rec

	l.writes++
	if l.writes%l.compactEvery == 0 {
		if err := l.compactLocked(); err != nil {
			l.log.Warn("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (l *fileLedger) compactLocked() error {
	tmp := l.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(l.recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		return err
	}
	if err := l.journal.Truncate(0); err != nil {
		return err
	}
	_, err = l.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]model.DeliveryRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]model.DeliveryRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]model.DeliveryRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for s.Scan() {
		var r model.DeliveryRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			// A torn final line from a crash mid-write.
			continue
		}
		if r.Key == "" {
			continue
		}
		// Later lines carry higher versions; keep the newest.
		if cur, ok := out[r.Key]; ok && cur.Version > r.Version {
			continue
		}
		out[r.Key] = r
	}
	return s.Err()
}
