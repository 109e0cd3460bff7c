package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel  = "exam-events"
	defaultDedupTTL = 24 * time.Hour
)

// RedisPublisher publishes events on a pub/sub channel. A SETNX marker per
// event makes repeated publishes of the same event a no-op.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, ttl: defaultDedupTTL}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	key := e.DedupeKey()
	fresh, err := p.client.SetNX(ctx, key, 1, p.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis dedupe %s: %w", key, err)
	}
	if !fresh {
		return nil
	}

	payload, err := json.Marshal(e)
	if err != nil {
		_ = p.client.Del(ctx, key).Err()
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		// let a later retry publish it
		_ = p.client.Del(ctx, key).Err()
		return fmt.Errorf("redis publish %s: %w", key, err)
	}
	return nil
}

// NewRedisClient connects to addr; an empty addr disables Redis.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
