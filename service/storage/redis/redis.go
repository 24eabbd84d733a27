package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config describes one Redis endpoint.
type Config struct {
	URL         string        // redis://[:password@]host:port/db or rediss://...
	DialTimeout time.Duration // per-connection dial timeout and the startup PING budget
	PoolSize    int
}

// NewClient parses the URL, builds a client and PINGs it within DialTimeout.
// On failure the client is closed and the error returned.
func NewClient(ctx context.Context, c Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
		opts.ReadTimeout = c.DialTimeout
		opts.WriteTimeout = c.DialTimeout
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	opts.MaxRetries = 3
	if opts.Protocol == 0 {
		// pub/sub frames are consumed as RESP2 arrays
		opts.Protocol = 2
	}

	rdb := redis.NewClient(opts)

	pingCtx := ctx
	if c.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
