// Package redisclient wraps github.com/redis/go-redis/v9 the way the
// teacher's own redisclient package does for its gateway: a thin client
// built from a URL, exposing just Ping and the raw client for whichever
// package (here, metrics.RedisSink) needs it.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client built from a REDIS_URL-style connection string.
type Client struct {
	c *redis.Client
}

// New creates a Client from a redis:// or rediss:// URL.
func New(url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisclient: invalid redis url: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity with a short timeout.
func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Raw returns the underlying *redis.Client for packages (metrics.RedisSink)
// that need the full client surface.
func (r *Client) Raw() *redis.Client { return r.c }
