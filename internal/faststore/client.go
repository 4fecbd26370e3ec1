// Package faststore implements the broker's real-time backend: file
// locks, agent presence, and low-latency streams, all backed by a
// Redis-family server. Every key is namespaced with the configured
// stream_prefix so multiple broker deployments can share one Redis
// instance.
package faststore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection scoped to one stream_prefix namespace.
// All methods are safe for concurrent use: go-redis multiplexes a single
// connection pool across goroutines.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Options configures a new Client.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New creates a faststore client. Prefix must not be empty: it namespaces
// every key and stream this client touches.
func New(opts Options) (*Client, error) {
	if opts.Prefix == "" {
		return nil, fmt.Errorf("stream prefix cannot be empty")
	}

	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix: opts.Prefix,
	}, nil
}

// NewFromRedis wraps an already-constructed go-redis client. Used by tests
// to point a Client at a miniredis instance.
func NewFromRedis(rdb *redis.Client, prefix string) (*Client, error) {
	if prefix == "" {
		return nil, fmt.Errorf("stream prefix cannot be empty")
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the underlying Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity to the fast store. Used by the health
// supervisor's reconnect probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
