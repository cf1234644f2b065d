package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/orderbook"

	"github.com/redis/go-redis/v9"
)

// RedisSink caches the latest snapshot per book and publishes each one on a channel
type RedisSink struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

// NewRedisSink wraps an existing client
func NewRedisSink(client *redis.Client, channel string, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, channel: channel, ttl: ttl}
}

func (r *RedisSink) Name() string { return "redis" }

func latestKey(name exchange.ExchangeName, symbol string) string {
	return "lob:latest:" + Key(name, symbol)
}

// Publish stores the snapshot under lob:latest:<exchange>:<symbol> and publishes it
func (r *RedisSink) Publish(ctx context.Context, snap orderbook.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, latestKey(snap.Exchange, snap.Symbol), data, r.ttl)
	if r.channel != "" {
		pipe.Publish(ctx, r.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write snapshot to Redis: %w", err)
	}
	return nil
}

// Latest reads the cached snapshot of a book
func (r *RedisSink) Latest(ctx context.Context, name exchange.ExchangeName, symbol string) (orderbook.Snapshot, error) {
	var snap orderbook.Snapshot
	data, err := r.client.Get(ctx, latestKey(name, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("%w: %s", ErrNoSnapshot, Key(name, symbol))
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
