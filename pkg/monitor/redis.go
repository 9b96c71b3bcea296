package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotTTL = 5 * time.Minute

// RedisPublisher stores the snapshot under key and announces it on the
// channel key+":updates".
type RedisPublisher struct {
	client *redis.Client
	key    string
}

func NewRedisPublisher(addr, password string, db int, key string) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{client: client, key: key}
}

func (r *RedisPublisher) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPublisher) Publish(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key, data, snapshotTTL)
	pipe.Publish(ctx, r.key+":updates", data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Load reads back the stored snapshot.
func (r *RedisPublisher) Load(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
