package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"drone-surveillance-console/shared/config"
)

var ErrNotInitialized = errors.New("redis client not initialized")

// Client is the console's shared Redis handle. It backs the roster cache and
// the per-alert action locks.
type Client struct {
	rdb *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	return &Client{rdb: redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})}, nil
}

func (c *Client) ready() bool { return c != nil && c.rdb != nil }

func (c *Client) Ping(ctx context.Context) error {
	if !c.ready() {
		return ErrNotInitialized
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if !c.ready() {
		return nil
	}
	return c.rdb.Close()
}

// Redis exposes the raw client for packages that script against it.
func (c *Client) Redis() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.ready() {
		return ErrNotInitialized
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// GetJSON reports false with a nil error on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if !c.ready() {
		return false, ErrNotInitialized
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// JSONStore is what Remember needs from a cache. *Client satisfies it.
type JSONStore interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

var inflight singleflight.Group

// Remember returns the value cached under key, or loads and caches it for
// ttl. Concurrent misses on one key share a single load. Cache errors only
// cost a backend call; the bool reports a cache hit.
func Remember[T any](ctx context.Context, store JSONStore, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if store != nil {
		var cached T
		if ok, err := store.GetJSON(ctx, key, &cached); err == nil && ok {
			return cached, true, nil
		}
	}
	v, err, _ := inflight.Do(key, func() (any, error) {
		fresh, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if store != nil {
			_ = store.SetJSON(ctx, key, fresh, ttl)
		}
		return fresh, nil
	})
	if err != nil {
		return zero, false, fmt.Errorf("load %s: %w", key, err)
	}
	out, ok := v.(T)
	if !ok {
		return zero, false, fmt.Errorf("load %s: shared result has type %T", key, v)
	}
	return out, false, nil
}
