// Package idempotency records which side effects already ran, so redelivered
// stream records do not repeat them.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

var ErrUnavailable = errors.New("idempotency store unavailable")

type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Claims is a set of keys with expiry. A nil *Claims claims everything.
type Claims struct {
	client *redis.Client
	ttl    time.Duration
}

func New(cfg Config) *Claims {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Claims{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		ttl: ttl,
	}
}

// Claim returns true for the first caller of key within the TTL.
func (c *Claims) Claim(ctx context.Context, key string) (bool, error) {
	if c == nil {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: claim %s: %v", ErrUnavailable, key, err)
	}
	return ok, nil
}

// Release drops a claim so the side effect can run again.
func (c *Claims) Release(ctx context.Context, key string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (c *Claims) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Claims) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
