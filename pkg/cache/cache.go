// Package cache provides a Redis client wrapper for caching and coordination
// in the Vanguard Remediation Engine. It caches recent risk assessments and
// plan status for cheap polling, and provides per-asset deployment locks so
// two plans never execute against the same asset concurrently.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with Vanguard-specific caching operations.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new Redis cache client connected to the given address.
// The redisURL should be in "host:port" format.
func NewCache(ctx context.Context, redisURL string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisURL,
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	// Verify connectivity
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", redisURL, err)
	}

	log.Printf("cache: connected to Redis at %s", redisURL)
	return &Cache{client: client}, nil
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		log.Println("cache: closing Redis connection")
		return c.client.Close()
	}
	return nil
}

// Get retrieves a value from the cache by key.
// Returns an empty string and no error if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set stores a key-value pair in the cache with the given TTL.
// A zero TTL means the key will not expire.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// SetJSON marshals v and stores it under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %q: %w", key, err)
	}
	return c.Set(ctx, key, string(data), ttl)
}

// GetJSON retrieves the value under key and unmarshals it into v.
// Returns false with no error on a cache miss.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("cache: unmarshal %q: %w", key, err)
	}
	return true, nil
}

// AcquireLock attempts to take an exclusive lock for the given asset using
// SET NX. It returns true if the lock was acquired. The lock expires after
// ttl so a crashed executor cannot wedge an asset forever.
func (c *Cache) AcquireLock(ctx context.Context, assetID, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, lockKey(assetID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: acquire lock for asset %s: %w", assetID, err)
	}
	return ok, nil
}

// ReleaseLock releases the asset lock if it is still held by owner.
// Releasing a lock held by someone else is a no-op.
func (c *Cache) ReleaseLock(ctx context.Context, assetID, owner string) error {
	// Compare-and-delete so an expired-and-reacquired lock is not released
	// by the previous owner.
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`
	if err := c.client.Eval(ctx, script, []string{lockKey(assetID)}, owner).Err(); err != nil {
		return fmt.Errorf("cache: release lock for asset %s: %w", assetID, err)
	}
	return nil
}

// AssessmentKey is the cache key for the latest assessment of a
// (vulnerability, asset) pair.
func AssessmentKey(vulnID, assetID string) string {
	return fmt.Sprintf("vanguard:assessment:%s:%s", vulnID, assetID)
}

// PlanStatusKey is the cache key for a plan's last known status summary.
func PlanStatusKey(planID string) string {
	return fmt.Sprintf("vanguard:plan:%s:status", planID)
}

func lockKey(assetID string) string {
	return fmt.Sprintf("vanguard:lock:asset:%s", assetID)
}
