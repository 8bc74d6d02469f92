// Package ledger is the durable record of every notification attempt, keyed
// by idempotency key. It is the only source of truth for "was this already
// sent", and CreateIfAbsent is the single operation that must be atomic
// across concurrent callers racing on the same key.
//
// Drivers:
//   - "memory": process-local map (tests, dry runs)
//   - "file": JSON Lines journal + periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//   - "postgres": PostgreSQL through pgx's database/sql driver
//   - "redis": Redis, with Lua scripts for compare-and-swap
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

var (
	// ErrUnavailable wraps every failure to reach the backing store. Without
	// the ledger idempotency cannot be guaranteed, so callers abort.
	ErrUnavailable = errors.New("ledger unavailable")
	ErrNotFound    = errors.New("delivery record not found")
	// ErrConflict means the record changed since the caller read it.
	ErrConflict = errors.New("delivery record version conflict")
	// ErrTerminal means the stored record is sent or exhausted.
	ErrTerminal = errors.New("delivery record is terminal")
)

// Ledger is the persistence API used by the evaluator and dispatcher.
type Ledger interface {
	Get(ctx context.Context, key string) (rec model.DeliveryRecord, ok bool, err error)
	// CreateIfAbsent stores rec unless a record with the same key exists. It
	// returns the stored record and whether this call created it.
	CreateIfAbsent(ctx context.Context, rec model.DeliveryRecord) (stored model.DeliveryRecord, created bool, err error)
	// Update replaces the record if its stored version still equals rec.Version.
	// The returned record carries the new version.
	Update(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error)
	// ListPending returns pending records whose NotBefore is at or before the
	// given time, oldest first.
	ListPending(ctx context.Context, before time.Time, limit int) ([]model.DeliveryRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config configures the ledger.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open initializes the configured ledger.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "":
		return nil, errors.New("ledger driver is required")
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown ledger driver: %s", driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// prepareCreate fills bookkeeping fields on a new record.
func prepareCreate(rec model.DeliveryRecord, now time.Time) (model.DeliveryRecord, error) {
	if strings.TrimSpace(rec.Key) == "" {
		return rec, errors.New("delivery record key is required")
	}
	if rec.Status == "" {
		rec.Status = model.StatusPending
	}
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return rec, nil
}

// checkUpdate validates a transition against the currently stored record.
func checkUpdate(cur, next model.DeliveryRecord) error {
	if cur.Version != next.Version {
		return ErrConflict
	}
	if cur.Status.Terminal() {
		return ErrTerminal
	}
	return nil
}
