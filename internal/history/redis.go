package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/redis/go-redis/v9"
)

// appendScript performs the whole append atomically on the server:
// clamp the timestamp to the current head, push, trim to capacity and
// refresh the expiry.
//
// KEYS[1] list key
// ARGV[1] occurred_at (unix ms)
// ARGV[2] features as a JSON array
// ARGV[3] capacity
// ARGV[4] ttl (ms)
var appendScript = redis.NewScript(`
local ts = tonumber(ARGV[1])
local head = redis.call('LINDEX', KEYS[1], 0)
if head then
	local ok, prev = pcall(cjson.decode, head)
	if ok and type(prev) == 'table' and type(prev['ts']) == 'number' and prev['ts'] > ts then
		ts = prev['ts']
	end
end
redis.call('LPUSH', KEYS[1], '{"ts":' .. string.format('%d', ts) .. ',"f":' .. ARGV[2] .. '}')
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[3]) - 1)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('LLEN', KEYS[1])
`)

// redisRecord is the stored list element.
type redisRecord struct {
	TS       int64     `json:"ts"`
	Features []float64 `json:"f"`
}

// redisBackend stores each entity's history as a Redis list, newest first.
type redisBackend struct {
	client *redis.Client
	prefix string
}

func newRedisBackend(cfg domain.HistoryConfig) (*redisBackend, error) {
	rc := cfg.Redis
	if rc.Addr == "" {
		rc.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})

	timeout := rc.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "merlin"
	}

	return &redisBackend{client: client, prefix: prefix}, nil
}

func (r *redisBackend) push(ctx context.Context, entityID string, rec record, capacity int, ttl time.Duration) error {
	features, err := json.Marshal([]float64(rec.Vector))
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	if rec.Vector == nil {
		features = []byte("[]")
	}

	return appendScript.Run(ctx, r.client,
		[]string{r.key(entityID)},
		rec.OccurredAt.UnixMilli(),
		string(features),
		capacity,
		ttl.Milliseconds(),
	).Err()
}

func (r *redisBackend) recent(ctx context.Context, entityID string, n int) ([]record, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}

	raw, err := r.client.LRange(ctx, r.key(entityID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]record, 0, len(raw))
	for _, item := range raw {
		var rr redisRecord
		if err := json.Unmarshal([]byte(item), &rr); err != nil || rr.TS <= 0 {
			slog.Debug("skipping malformed history record", "entity_id", entityID)
			continue
		}
		out = append(out, record{
			Vector:     domain.FeatureVector(rr.Features),
			OccurredAt: time.UnixMilli(rr.TS),
		})
	}
	return out, nil
}

func (r *redisBackend) clear(ctx context.Context, entityID string) error {
	return r.client.Del(ctx, r.key(entityID)).Err()
}

func (r *redisBackend) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisBackend) close() error {
	return r.client.Close()
}

func (r *redisBackend) key(entityID string) string {
	return r.prefix + ":entity:" + entityID + ":history"
}
