package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/newser-intel/internal/agent/core"
)

// KeyPrefix namespaces cache keys in Redis.
const KeyPrefix = "newser:cache:"

// Redis is a ResultCache shared across processes.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis wraps a go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func redisKey(k Key) string { return KeyPrefix + k.Agent + ":" + k.Fingerprint }

func (r *Redis) Get(ctx context.Context, key Key) (core.AgentResult, bool, error) {
	raw, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return core.AgentResult{}, false, nil
		}
		return core.AgentResult{}, false, fmt.Errorf("cache get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// unreadable entries are treated as misses and dropped
		_ = r.client.Del(ctx, redisKey(key)).Err()
		return core.AgentResult{}, false, nil
	}
	// PX expiry is coarse; expires_at is authoritative
	if !r.now().Before(e.ExpiresAt) {
		return core.AgentResult{}, false, nil
	}
	return e.Result, true, nil
}

func (r *Redis) Put(ctx context.Context, key Key, result core.AgentResult, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(Entry{Key: key, Result: result, ExpiresAt: r.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}
