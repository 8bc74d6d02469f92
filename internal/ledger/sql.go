package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlLedger serves both SQLite and PostgreSQL. The schema and statements are
// shared; placeholders are rebound per driver by sqlx.
type sqlLedger struct {
	db  *sqlx.DB
	log logx.Logger
}

// deliveryRow is the storage shape: times are unix nanoseconds so both
// dialects round-trip them exactly.
type deliveryRow struct {
	Key           string `db:"idem_key"`
	RuleID        string `db:"rule_id"`
	EntityID      string `db:"entity_id"`
	Channel       string `db:"channel"`
	ScheduledFor  int64  `db:"scheduled_for"`
	Status        string `db:"status"`
	Attempts      int    `db:"attempts"`
	LastAttemptAt int64  `db:"last_attempt_at"`
	NotBefore     int64  `db:"not_before"`
	LastError     string `db:"last_error"`
	Version       int64  `db:"version"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

const selectColumns = `idem_key, rule_id, entity_id, channel, scheduled_for, status, attempts,
	last_attempt_at, not_before, last_error, version, created_at, updated_at`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger: %w", err)
	}
	// SQLite prefers a single writer; this also serializes CreateIfAbsent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	if err := migrate(ctx, db, goose.DialectSQLite3); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite ledger opened", logx.String("path", path))
	return &sqlLedger{db: db, log: log}, nil
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger.dsn is required for postgres driver")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres ledger: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("connect", err)
	}
	if err := migrate(ctx, db, goose.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres ledger opened")
	return &sqlLedger{db: db, log: log}, nil
}

func migrate(ctx context.Context, db *sqlx.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("running ledger migrations: %w", err)
	}
	return nil
}

func (s *sqlLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlLedger) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqlLedger) Get(ctx context.Context, key string) (model.DeliveryRecord, bool, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+selectColumns+` FROM deliveries WHERE idem_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, false, nil
	}
	if err != nil {
		return model.DeliveryRecord{}, false, unavailable("get", err)
	}
	return row.record(), true, nil
}

func (s *sqlLedger) CreateIfAbsent(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	rec, err := prepareCreate(rec, time.Now())
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	row := toRow(rec)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO deliveries (
			idem_key, rule_id, entity_id, channel, scheduled_for, status, attempts,
			last_attempt_at, not_before, last_error, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idem_key) DO NOTHING`),
		row.Key, row.RuleID, row.EntityID, row.Channel, row.ScheduledFor, row.Status, row.Attempts,
		row.LastAttemptAt, row.NotBefore, row.LastError, row.Version, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return model.DeliveryRecord{}, false, unavailable("create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.DeliveryRecord{}, false, unavailable("create", err)
	}
	if n == 1 {
		return rec, true, nil
	}
	cur, ok, err := s.Get(ctx, rec.Key)
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	if !ok {
		return model.DeliveryRecord{}, false, unavailable("create", fmt.Errorf("record %s vanished after conflict", rec.Key))
	}
	return cur, false, nil
}

func (s *sqlLedger) Update(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error) {
	now := time.Now()
	row := toRow(rec)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE deliveries SET
			status = ?, attempts = ?, last_attempt_at = ?, not_before = ?,
			last_error = ?, version = version + 1, updated_at = ?
		WHERE idem_key = ? AND version = ? AND status NOT IN ('sent', 'exhausted')`),
		row.Status, row.Attempts, row.LastAttemptAt, row.NotBefore,
		row.LastError, now.UnixNano(),
		row.Key, row.Version,
	)
	if err != nil {
		return model.DeliveryRecord{}, unavailable("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.DeliveryRecord{}, unavailable("update", err)
	}
	cur, ok, err := s.Get(ctx, rec.Key)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	if n == 0 {
		if cur.Status.Terminal() {
			return cur, ErrTerminal
		}
		return cur, ErrConflict
	}
	return cur, nil
}

func (s *sqlLedger) ListPending(ctx context.Context, before time.Time, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+selectColumns+` FROM deliveries
		WHERE status = 'pending' AND not_before <= ?
		ORDER BY not_before ASC, idem_key ASC
		LIMIT ?`), before.UnixNano(), limit)
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	out := make([]model.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func toRow(r model.DeliveryRecord) deliveryRow {
	return deliveryRow{
		Key:           r.Key,
		RuleID:        r.RuleID,
		EntityID:      r.EntityID,
		Channel:       string(r.Channel),
		ScheduledFor:  unixNano(r.ScheduledFor),
		Status:        string(r.Status),
		Attempts:      r.Attempts,
		LastAttemptAt: unixNano(r.LastAttemptAt),
		NotBefore:     unixNano(r.NotBefore),
		LastError:     r.LastError,
		Version:       r.Version,
		CreatedAt:     unixNano(r.CreatedAt),
		UpdatedAt:     unixNano(r.UpdatedAt),
	}
}

func (r deliveryRow) record() model.DeliveryRecord {
	return model.DeliveryRecord{
		Key:           r.Key,
		RuleID:        r.RuleID,
		EntityID:      r.EntityID,
		Channel:       model.Channel(r.Channel),
		ScheduledFor:  fromUnixNano(r.ScheduledFor),
		Status:        model.Status(r.Status),
		Attempts:      r.Attempts,
		LastAttemptAt: fromUnixNano(r.LastAttemptAt),
		NotBefore:     fromUnixNano(r.NotBefore),
		LastError:     r.LastError,
		Version:       r.Version,
		CreatedAt:     fromUnixNano(r.CreatedAt),
		UpdatedAt:     fromUnixNano(r.UpdatedAt),
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
