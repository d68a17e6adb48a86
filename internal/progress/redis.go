package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = time.Hour

// RedisStore shares progress records across multiple server instances through
// a Redis keyspace. It implements the same best-effort contract as
// MemoryStore: backend failures are logged and never surfaced to the
// operation being tracked.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Client redis.UniversalClient
	// Prefix namespaces keys so several deployments can share one Redis.
	Prefix string
	// TTL bounds how long a non-terminal record can linger if its writer
	// crashes mid-operation. Defaults to one hour.
	TTL    time.Duration
	Logger *slog.Logger
}

// NewRedisStore wraps the provided Redis client as a progress Store.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "progress"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: cfg.Client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

// Set stores the record as JSON with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, key string, record Record) {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("encode progress record", "key", key, "error", err)
		return
	}
	if err := s.client.Set(ctx, s.key(key), payload, s.ttl).Err(); err != nil {
		s.logger.Warn("store progress record", "key", key, "error", err)
	}
}

// Get fetches and decodes the record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool) {
	payload, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("fetch progress record", "key", key, "error", err)
		}
		return Record{}, false
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		s.logger.Warn("decode progress record", "key", key, "error", err)
		return Record{}, false
	}
	return record, true
}

// Delete removes the record immediately.
func (s *RedisStore) Delete(ctx context.Context, key string) {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		s.logger.Warn("delete progress record", "key", key, "error", err)
	}
}

// Forget shortens the record's TTL to the grace period instead of scheduling
// a process-local timer, so the deletion survives a server restart.
func (s *RedisStore) Forget(ctx context.Context, key string, after time.Duration) {
	if after <= 0 {
		s.Delete(ctx, key)
		return
	}
	if err := s.client.Expire(ctx, s.key(key), after).Err(); err != nil {
		s.logger.Warn("expire progress record", "key", key, "error", err)
	}
}

var _ Store = (*RedisStore)(nil)
