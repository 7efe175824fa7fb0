// Package cache keeps the most recent unsaved state of live documents in
// Redis so a restarted node can pick up edits that never reached the store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no state is cached for a document.
var ErrMiss = errors.New("state not cached")

const defaultTTL = 24 * time.Hour

// StateCache stores zstd-compressed document state keyed by room name.
type StateCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStateCache connects to redisURL and verifies the connection.
func NewStateCache(redisURL string, ttl time.Duration) (*StateCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStateCacheWithClient(client, ttl), nil
}

// NewStateCacheWithClient wraps an existing client.
func NewStateCacheWithClient(client *redis.Client, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	// Neither constructor fails with default options.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	return &StateCache{
		client: client,
		prefix: "docsync:state:",
		ttl:    ttl,
		enc:    enc,
		dec:    dec,
	}
}

func (c *StateCache) key(room string) string {
	return c.prefix + room
}

// Client exposes the underlying connection for components sharing it.
func (c *StateCache) Client() *redis.Client {
	return c.client
}

// Save replaces the cached state of room and refreshes its expiry.
func (c *StateCache) Save(ctx context.Context, room string, state []byte) error {
	compressed := c.enc.EncodeAll(state, make([]byte, 0, len(state)/2))
	if err := c.client.Set(ctx, c.key(room), compressed, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache state %s: %w", room, err)
	}
	return nil
}

// Load returns the cached state of room, or ErrMiss.
func (c *StateCache) Load(ctx context.Context, room string) ([]byte, error) {
	compressed, err := c.client.Get(ctx, c.key(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("load cached state %s: %w", room, err)
	}
	state, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress cached state %s: %w", room, err)
	}
	return state, nil
}

// Delete drops the cached state of room, typically after a successful save.
func (c *StateCache) Delete(ctx context.Context, room string) error {
	if err := c.client.Del(ctx, c.key(room)).Err(); err != nil {
		return fmt.Errorf("drop cached state %s: %w", room, err)
	}
	return nil
}

func (c *StateCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *StateCache) Close() error {
	c.dec.Close()
	_ = c.enc.Close()
	return c.client.Close()
}
