// Package redis provides a Redis implementation of the subsync.DeadLetterer
// interface. Parked events live in a hash keyed by (provider, event id) with
// a sorted set keeping arrival order, so replay drains oldest first.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DeadLetters implements subsync.DeadLetterer using Redis
type DeadLetters struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis dead-letter configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// TTL bounds how long a parked event survives without replay
	// (0 = no expiration)
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
		TTL:       0, // Parked events don't expire by default
	}
}

// New creates a new Redis dead-letter adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*DeadLetters, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	return &DeadLetters{client: client, config: config}, nil
}

// Push implements subsync.DeadLetterer
func (d *DeadLetters) Push(ctx context.Context, dl *subsync.DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("invalid dead letter")
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	field := memberKey(dl.Provider, dl.EventID)
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, d.payloadKey(), field, data)
	pipe.ZAdd(ctx, d.orderKey(), redis.Z{
		Score:  float64(dl.At.UnixNano()),
		Member: field,
	})
	if d.config.TTL > 0 {
		pipe.Expire(ctx, d.payloadKey(), d.config.TTL)
		pipe.Expire(ctx, d.orderKey(), d.config.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// List implements subsync.DeadLetterer. Letters come back oldest first.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]*subsync.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	fields, err := d.client.ZRange(ctx, d.orderKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	payloads, err := d.client.HMGet(ctx, d.payloadKey(), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dead letters: %w", err)
	}

	var letters []*subsync.DeadLetter
	for _, raw := range payloads {
		data, ok := raw.(string)
		if !ok {
			// Payload expired while its order entry survived; skip it.
			continue
		}
		var dl subsync.DeadLetter
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		letters = append(letters, &dl)
	}
	return letters, nil
}

// Remove implements subsync.DeadLetterer
func (d *DeadLetters) Remove(ctx context.Context, provider, eventID string) error {
	field := memberKey(provider, eventID)

	pipe := d.client.TxPipeline()
	pipe.HDel(ctx, d.payloadKey(), field)
	pipe.ZRem(ctx, d.orderKey(), field)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return nil
}

// Len returns the number of parked events.
func (d *DeadLetters) Len(ctx context.Context) (int, error) {
	n, err := d.client.ZCard(ctx, d.orderKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return int(n), nil
}

func (d *DeadLetters) payloadKey() string {
	return d.config.KeyPrefix + "dead_letters"
}

func (d *DeadLetters) orderKey() string {
	return d.config.KeyPrefix + "dead_letters:order"
}

func memberKey(provider, eventID string) string {
	return fmt.Sprintf("%s/%s", provider, eventID)
}
