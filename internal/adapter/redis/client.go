// Package redis connects opwire to Redis: the cross-instance group relay,
// the token store behind bearer authentication, and the readiness check.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient creates a go-redis client from a URL (e.g., "redis://localhost:6379"),
// installs hooks and verifies the connection.
func NewClient(ctx context.Context, redisURL string, hooks ...goredis.Hook) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	for _, hook := range hooks {
		rdb.AddHook(hook)
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// Checker reports Redis reachability for readiness probes.
type Checker struct {
	rdb *goredis.Client
}

func NewChecker(rdb *goredis.Client) *Checker {
	return &Checker{rdb: rdb}
}

func (c *Checker) Name() string { return "redis" }

func (c *Checker) Check(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
