package faststore

import (
	"context"
	"fmt"
	"time"

	"github.com/coordhub/coordhub/pkg/broker"
)

// WriteHeartbeat writes a short-TTL key for consumerName so external
// observers can detect a stuck consumer. ttl should be a small multiple
// of the heartbeat loop's own interval.
func (c *Client) WriteHeartbeat(ctx context.Context, consumerName string, ttl time.Duration) error {
	key := broker.HeartbeatKey(c.prefix, consumerName)
	if err := c.rdb.Set(ctx, key, time.Now().UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("write_heartbeat: %w", err)
	}
	return nil
}

// StartHeartbeatLoop writes a heartbeat key every interval until ctx is
// cancelled. Intended to run in its own goroutine for the lifetime of the
// consumer.
func (c *Client) StartHeartbeatLoop(ctx context.Context, consumerName string, interval time.Duration) {
	ttl := interval * 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.WriteHeartbeat(ctx, consumerName, ttl); err != nil {
				continue
			}
		}
	}
}
