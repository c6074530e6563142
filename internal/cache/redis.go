// Package cache provides an optional second-tier Redis cache for
// consolidated call documents, adapted from the teacher's
// internal/db/cache.go. Unlike the local bbolt-backed state.Store (the
// source of truth for shipping progress), this cache exists purely to skip
// redundant re-consolidation work across restarts when Redis happens to be
// available; every operation degrades to a no-op on a nil client, matching
// the teacher's "don't fail on cache errors" posture exactly.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

type Config struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

// Cache wraps a *redis.Client. A zero-value Cache (client == nil) is always
// safe to use and behaves as an always-miss, always-succeed no-op, so
// callers never need to branch on whether Redis is configured.
type Cache struct {
	client *redis.Client
	prefix string
}

// New connects to Redis per cfg. If cfg.Enabled is false, New returns a
// no-op Cache without attempting a connection, matching the teacher's
// degrade-gracefully pattern for optional infrastructure.
func New(cfg Config, prefix string) (*Cache, error) {
	if !cfg.Enabled {
		logger.Info("redis cache disabled, consolidated documents will not be deduplicated across restarts")
		return &Cache{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to redis")
	}

	logger.Info("redis cache initialized")
	return &Cache{client: client, prefix: prefix}, nil
}

func (c *Cache) key(k string) string {
	if c.prefix != "" {
		return fmt.Sprintf("%s:%s", c.prefix, k)
	}
	return k
}

// Get unmarshals the cached value for key into dest. A miss or any cache
// error leaves dest untouched and returns nil — callers treat a cache miss
// identically to a cache error, since neither should ever block shipping.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return nil
	}

	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache get failed")
		return nil
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache unmarshal failed")
		return nil
	}
	return nil
}

// Set stores value under key with the given expiration. Cache errors are
// logged, never returned, so a Redis outage never interrupts shipping.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c.client == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}

	if err := c.client.Set(ctx, c.key(key), data, expiration).Err(); err != nil {
		logger.WithContext(ctx).WithField("key", key).WithError(err).Warn("cache set failed")
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c.client == nil {
		return nil
	}

	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.key(k)
	}

	if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("cache delete failed")
	}
	return nil
}

// SeenDocument reports whether a document with this content hash was
// already cached for linkedID (i.e. a byte-identical document was already
// shipped), and records it if not. cmd/agent constructs the cache, but the
// shipper does not call SeenDocument, so documents are shipped without this
// check; state.Store alone enforces the never-reship-after-complete
// invariant.
func (c *Cache) SeenDocument(ctx context.Context, linkedID, contentHash string, ttl time.Duration) bool {
	if c.client == nil {
		return false
	}

	key := c.key(fmt.Sprintf("doc-hash:%s", linkedID))
	prev, err := c.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		logger.WithContext(ctx).WithField("linkedid", linkedID).WithError(err).Warn("cache seen-document check failed")
		return false
	}

	seen := err == nil && prev == contentHash
	if setErr := c.client.Set(ctx, key, contentHash, ttl).Err(); setErr != nil {
		logger.WithContext(ctx).WithField("linkedid", linkedID).WithError(setErr).Warn("cache seen-document set failed")
	}
	return seen
}

// Lock acquires a short-lived distributed lock, returning an unlock
// function. The shipper does not take this lock, so two agent instances are
// not kept from shipping the same linkedid concurrently. A nil client
// yields a no-op lock.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if c.client == nil {
		return func() {}, nil
	}

	lockKey := c.key(fmt.Sprintf("lock:%s", key))
	value := fmt.Sprintf("%d", time.Now().UnixNano())

	ok, err := c.client.SetNX(ctx, lockKey, value, ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRedis, "failed to acquire lock")
	}
	if !ok {
		return nil, errors.New(errors.ErrInternal, "lock already held")
	}

	return func() {
		script := redis.NewScript(`
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			else
				return 0
			end
		`)
		script.Run(ctx, c.client, []string{lockKey}, value)
	}, nil
}

// Close releases the underlying connection pool, if any.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
