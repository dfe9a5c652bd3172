// Package redis implements the ledger store, distributed item lock, event
// journal, event bus and rate limiter on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultSlowThreshold applies when ClientConfig.SlowThreshold is zero.
const defaultSlowThreshold = 250 * time.Millisecond

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// SlowThreshold is the command latency above which a warning is logged.
	// Negative disables slow-command logging.
	SlowThreshold time.Duration
}

// Client owns the connection pool shared by every Redis-backed component.
type Client struct {
	rdb  *redis.Client
	addr string
}

// New connects to Redis and pings it. logger may be nil.
func New(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if logger != nil && cfg.SlowThreshold >= 0 {
		threshold := cfg.SlowThreshold
		if threshold == 0 {
			threshold = defaultSlowThreshold
		}
		rdb.AddHook(slowLog{
			threshold: threshold,
			logger:    logger.With(slog.String("component", "redis")),
		})
	}

	c := &Client{rdb: rdb, addr: cfg.Addr}
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

// Ping checks the connection. It is registered as the "redis" health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.addr, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis: close: %w", err)
	}
	return nil
}

// Underlying returns the go-redis client for the components in this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}

// slowLog is a go-redis hook that warns about commands and pipelines that
// take longer than threshold. Blocking reads are expected to wait and are
// skipped.
type slowLog struct {
	threshold time.Duration
	logger    *slog.Logger
}

func (h slowLog) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h slowLog) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		if elapsed := time.Since(start); elapsed > h.threshold && !blocking(cmd.Name()) {
			h.logger.WarnContext(ctx, "redis: slow command",
				slog.String("command", cmd.Name()),
				slog.Duration("elapsed", elapsed),
			)
		}
		return err
	}
}

func (h slowLog) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		if elapsed := time.Since(start); elapsed > h.threshold {
			h.logger.WarnContext(ctx, "redis: slow pipeline",
				slog.Int("commands", len(cmds)),
				slog.Duration("elapsed", elapsed),
			)
		}
		return err
	}
}

func blocking(name string) bool {
	switch name {
	case "xread", "blpop", "brpop", "subscribe", "psubscribe":
		return true
	}
	return false
}
