package faststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coordhub/coordhub/pkg/broker"
	"github.com/redis/go-redis/v9"
)

// EnsureConsumerGroups creates a durable consumer group on every logical
// stream, idempotently: a group that already exists is fine. Must be
// called once at startup before the first ReadGroup call.
func (c *Client) EnsureConsumerGroups(ctx context.Context, group string) error {
	for _, stream := range broker.AllStreams() {
		key := broker.StreamKey(c.prefix, stream)
		err := c.rdb.XGroupCreateMkStream(ctx, key, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("ensure_consumer_groups: stream %q: %w", stream, err)
		}
	}
	return nil
}

// PublishEnvelope appends env to the logical stream for env.Type's
// category: file_lock goes to locks, file_edit to edits, agent_status to
// agents, workspace_event to workspace, consensus_vote to consensus.
func (c *Client) PublishEnvelope(ctx context.Context, env *broker.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish_envelope: %w", err)
	}
	if !env.Type.IsFastStoreType() {
		return fmt.Errorf("publish_envelope: %q is not a fast-store message type", env.Type)
	}

	stream, err := streamForType(env.Type)
	if err != nil {
		return fmt.Errorf("publish_envelope: %w", err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("publish_envelope: %w", err)
	}

	key := broker.StreamKey(c.prefix, stream)
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"envelope":       string(body),
			"type":           string(env.Type),
			"agent_id":       env.Metadata.AgentID,
			"correlation_id": env.Metadata.CorrelationID,
		},
	}).Err(); err != nil {
		return fmt.Errorf("publish_envelope: %w", err)
	}
	return nil
}

func streamForType(t broker.MessageType) (string, error) {
	switch t {
	case broker.MessageTypeFileLock:
		return broker.StreamLocks, nil
	case broker.MessageTypeAgentStatus:
		return broker.StreamAgents, nil
	case broker.MessageTypeFileEdit:
		return broker.StreamEdits, nil
	case broker.MessageTypeWorkspaceEvent:
		return broker.StreamWorkspace, nil
	case broker.MessageTypeConsensusVote:
		return broker.StreamConsensus, nil
	default:
		return "", fmt.Errorf("no stream mapped for message type %q", t)
	}
}

// Dispatch is called once per successfully-parsed envelope read from any
// stream. Implementations typically forward the envelope to the bridge's
// event bus.
type Dispatch func(ctx context.Context, env *broker.Envelope) error

// ConsumeStreams runs one XReadGroup poll loop per logical stream until
// ctx is cancelled. Each loop reads up to count entries with a short
// block, dispatches them, and acks only after dispatch succeeds, so
// delivery is at-least-once. A parse failure is logged and the entry is
// skipped without crashing the loop.
func (c *Client) ConsumeStreams(ctx context.Context, group, consumer string, count int64, block time.Duration, dispatch Dispatch) {
	for _, stream := range broker.AllStreams() {
		go c.consumeOne(ctx, broker.StreamKey(c.prefix, stream), group, consumer, count, block, dispatch)
	}
}

func (c *Client) consumeOne(ctx context.Context, key, group, consumer string, count int64, block time.Duration, dispatch Dispatch) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Printf("[FastStore] xreadgroup %s: %v", key, err)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.dispatchMessage(ctx, key, group, msg, dispatch)
			}
		}
	}
}

func (c *Client) dispatchMessage(ctx context.Context, streamKey, group string, msg redis.XMessage, dispatch Dispatch) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		log.Printf("[FastStore] stream %s: entry %s missing envelope field", streamKey, msg.ID)
		c.ack(ctx, streamKey, group, msg.ID)
		return
	}

	var env broker.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Printf("[FastStore] stream %s: entry %s: parse failed: %v", streamKey, msg.ID, err)
		c.ack(ctx, streamKey, group, msg.ID)
		return
	}

	if err := dispatch(ctx, &env); err != nil {
		log.Printf("[FastStore] stream %s: entry %s: dispatch failed: %v", streamKey, msg.ID, err)
		return
	}

	c.ack(ctx, streamKey, group, msg.ID)
}

// ack acknowledges one entry. A malformed entry is acked too: leaving it
// pending would pin it in the group's pending list forever.
func (c *Client) ack(ctx context.Context, streamKey, group, id string) {
	if err := c.rdb.XAck(ctx, streamKey, group, id).Err(); err != nil {
		log.Printf("[FastStore] stream %s: entry %s: ack failed: %v", streamKey, id, err)
	}
}
