package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamPrefix prefixes the per-story audit stream key.
const StreamPrefix = "audit."

// RedisStream appends entries to a Redis Stream per story.
type RedisStream struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStream builds a stream sink. maxLen > 0 trims each stream approximately.
func NewRedisStream(client *redis.Client, maxLen int64) *RedisStream {
	return &RedisStream{client: client, maxLen: maxLen}
}

func streamKey(storyID string) string { return StreamPrefix + storyID }

func (r *RedisStream) Append(ctx context.Context, e Entry) error {
	if e.StoryID == "" {
		return fmt.Errorf("audit entry requires story id")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: streamKey(e.StoryID),
		Values: map[string]interface{}{"entry": raw},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (r *RedisStream) List(ctx context.Context, storyID string) ([]Entry, error) {
	msgs, err := r.client.XRange(ctx, streamKey(storyID), "-", "+").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		var data []byte
		switch v := msg.Values["entry"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
