// Package cache wraps Redis in two roles: a TTL'd JSON read-through cache
// for hot lookups, and a pub/sub bus connecting jobs to the fan-out server.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// ErrUnavailable marks cache transport failures. A key miss is not an error.
var ErrUnavailable = errors.New("cache unavailable")

// Key builders. Cached values are JSON.
const (
	CorrelationMatrixKey = "correlation:matrix"
	BestPairsAllKey      = "best_pairs:all"
)

// PriceKey is the latest-price key for one instrument.
func PriceKey(instrument string) string { return "prices:" + instrument }

// MetricsKey is the latest-metrics key for one instrument.
func MetricsKey(instrument string) string { return "metrics:" + instrument }

// BestPairsCategoryKey is the per-category best-pairs snapshot key.
func BestPairsCategoryKey(category string) string { return "best_pairs:" + category }

// Message is one bus delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Cache is the Redis client wrapper shared by jobs and the fan-out relay.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New connects and pings.
func New(ctx context.Context, addr, password string, log zerolog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	c := &Cache{rdb: rdb, log: log.With().Str("component", "cache").Logger()}
	c.log.Info().Str("addr", addr).Msg("cache connected")
	return c, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(rdb *redis.Client, log zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, log: log.With().Str("component", "cache").Logger()}
}

// Close closes the connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// Client exposes the underlying connection for health checks.
func (c *Cache) Client() *redis.Client { return c.rdb }

// Ping checks liveness for health endpoints.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PutJSON stores v under key with the given TTL.
func (c *Cache) PutJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// GetJSON loads key into out. A miss returns (false, nil).
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("cache unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Publish marshals v and fires it at the channel. Delivery is best effort.
func (c *Cache) Publish(ctx context.Context, channel string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", channel, err)
	}
	if err := c.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

// Subscribe delivers bus messages until ctx is cancelled. The returned
// channel closes when the subscription ends.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Message {
	sub := c.rdb.Subscribe(ctx, channels...)
	out := make(chan Message, 256)

	go func() {
		defer close(out)
		defer sub.Close()
		src := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
