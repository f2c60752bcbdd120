package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"localtasks/internal/domain"
)

const DefaultKey = "localtasks:deadletter"

// Entry is the JSON document pushed for each poisoned queue item.
type Entry struct {
	Item     domain.QueueItem `json:"item"`
	Reason   string           `json:"reason"`
	PushedAt time.Time        `json:"pushed_at"`
}

// RedisSink mirrors poisoned queue items into a Redis list so they can be
// inspected outside the local store. The SQLite row stays authoritative.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = DefaultKey
	}
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Push(ctx context.Context, it domain.QueueItem, reason string) error {
	if s.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(Entry{Item: it, Reason: reason, PushedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (s *RedisSink) List(ctx context.Context, limit int64) ([]Entry, error) {
	if s.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, s.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// NewClient connects to Redis and pings it. A failed ping closes the client.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}
