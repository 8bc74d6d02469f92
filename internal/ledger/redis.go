package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

// redisLedger stores each record as a JSON string under <prefix>:rec:<key>
// and indexes pending records in the sorted set <prefix>:pending, scored by
// NotBefore in unix milliseconds.
type redisLedger struct {
	client redis.UniversalClient
	prefix string
	log    logx.Logger
}

// createScript: KEYS[1]=record key, KEYS[2]=pending index.
// ARGV[1]=json, ARGV[2]=score, ARGV[3]=status, ARGV[4]=idempotency key.
// Returns nil when created, the existing JSON otherwise.
var createScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return redis.call('GET', KEYS[1])
end
if ARGV[3] == 'pending' then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
end
return false
`)

// updateScript: same KEYS. ARGV[1]=expected version, ARGV[2]=json,
// ARGV[3]=score, ARGV[4]=status, ARGV[5]=idempotency key.
// Returns 1 on success, 0 on version conflict, -1 if missing, -2 if terminal.
var updateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return -1 end
local rec = cjson.decode(cur)
if rec['status'] == 'sent' or rec['status'] == 'exhausted' then return -2 end
if tonumber(rec['version']) ~= tonumber(ARGV[1]) then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
if ARGV[4] == 'pending' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
else
  redis.call('ZREM', KEYS[2], ARGV[5])
end
return 1
`)

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	addrs := splitAddrs(cfg.Redis.Addr)
	if len(addrs) == 0 {
		return nil, errors.New("ledger.redis.addr is required for redis driver")
	}
	var client redis.UniversalClient
	if len(addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: addrs, Password: cfg.Redis.Password})
	} else {
		client = redis.NewClient(&redis.Options{Addr: addrs[0], Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "reminderd"
	}
	l := &redisLedger{client: client, prefix: prefix, log: log}
	if err := l.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Debug("redis ledger opened", logx.Any("addrs", addrs), logx.String("prefix", prefix))
	return l, nil
}

func splitAddrs(raw string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Keys share a hash tag so the scripts stay single-slot on a cluster.
func (l *redisLedger) recKey(key string) string { return "{" + l.prefix + "}:rec:" + key }
func (l *redisLedger) pendingKey() string      { return "{" + l.prefix + "}:pending" }

func (l *redisLedger) Close() error { return l.client.Close() }

func (l *redisLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (l *redisLedger) Get(ctx context.Context, key string) (model.DeliveryRecord, bool, error) {
	raw, err := l.client.Get(ctx, l.recKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return model.DeliveryRecord{}, false, nil
	}
	if err != nil {
		return model.DeliveryRecord{}, false, unavailable("get", err)
	}
	var rec model.DeliveryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.DeliveryRecord{}, false, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return rec, true, nil
}

func (l *redisLedger) CreateIfAbsent(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, bool, error) {
	rec, err := prepareCreate(rec, time.Now())
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return model.DeliveryRecord{}, false, err
	}
	res, err := createScript.Run(ctx, l.client,
		[]string{l.recKey(rec.Key), l.pendingKey()},
		string(b), score(rec.NotBefore), string(rec.Status), rec.Key,
	).Text()
	if errors.Is(err, redis.Nil) {
		return rec, true, nil
	}
	if err != nil {
		return model.DeliveryRecord{}, false, unavailable("create", err)
	}
	var cur model.DeliveryRecord
	if err := json.Unmarshal([]byte(res), &cur); err != nil {
		return model.DeliveryRecord{}, false, fmt.Errorf("decoding record %s: %w", rec.Key, err)
	}
	return cur, false, nil
}

func (l *redisLedger) Update(ctx context.Context, rec model.DeliveryRecord) (model.DeliveryRecord, error) {
	expected := rec.Version
	cur, ok, err := l.Get(ctx, rec.Key)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	if !ok {
		return model.DeliveryRecord{}, ErrNotFound
	}
	next := rec
	next.Version = expected + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now()
	b, err := json.Marshal(next)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	code, err := updateScript.Run(ctx, l.client,
		[]string{l.recKey(rec.Key), l.pendingKey()},
		expected, string(b), score(next.NotBefore), string(next.Status), rec.Key,
	).Int()
	if err != nil {
		return model.DeliveryRecord{}, unavailable("update", err)
	}
	switch code {
	case 1:
		return next, nil
	case -1:
		return model.DeliveryRecord{}, ErrNotFound
	case -2:
		cur, _, _ = l.Get(ctx, rec.Key)
		return cur, ErrTerminal
	default:
		cur, _, _ = l.Get(ctx, rec.Key)
		return cur, ErrConflict
	}
}

func (l *redisLedger) ListPending(ctx context.Context, before time.Time, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	keys, err := l.client.ZRangeByScore(ctx, l.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   score(before),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	out := make([]model.DeliveryRecord, 0, len(keys))
	for _, k := range keys {
		rec, ok, err := l.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok && rec.Status == model.StatusPending {
			out = append(out, rec)
		}
	}
	sortPending(out)
	return out, nil
}

func score(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
