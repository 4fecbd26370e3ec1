package faststore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordhub/coordhub/pkg/broker"
)

func testEnvelope(t broker.MessageType, agentID string) *broker.Envelope {
	seq := &broker.SequenceCounter{}
	return broker.NewEnvelope(t, agentID, broker.PriorityMedium, map[string]interface{}{
		"eventType": "test",
	}, broker.Metadata{WorkspaceID: "ws", CorrelationID: "corr-1"}, seq, time.Now().UnixMilli())
}

func TestEnsureConsumerGroups_IsIdempotent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.EnsureConsumerGroups(ctx, "group"))
	require.NoError(t, client.EnsureConsumerGroups(ctx, "group"), "second call must ignore existing groups")
}

func TestPublishEnvelope_RoutesByType(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	cases := []struct {
		msgType broker.MessageType
		stream  string
	}{
		{broker.MessageTypeFileLock, "test:locks"},
		{broker.MessageTypeFileEdit, "test:edits"},
		{broker.MessageTypeAgentStatus, "test:agents"},
		{broker.MessageTypeWorkspaceEvent, "test:workspace"},
		{broker.MessageTypeConsensusVote, "test:consensus"},
	}

	for _, c := range cases {
		t.Run(string(c.msgType), func(t *testing.T) {
			require.NoError(t, client.PublishEnvelope(ctx, testEnvelope(c.msgType, "agent-1")))
			assert.True(t, mr.Exists(c.stream), "stream %s should exist", c.stream)
		})
	}
}

func TestPublishEnvelope_RejectsDurableTypes(t *testing.T) {
	client, _ := setupTestClient(t)

	err := client.PublishEnvelope(context.Background(), testEnvelope(broker.MessageTypeEditHistory, "agent-1"))
	assert.Error(t, err)
}

// TestPublishedEnvelopeRoundTrips checks the encoding law: a consumer
// parsing the stored entry recovers the fields the producer supplied.
func TestPublishedEnvelopeRoundTrips(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	env := testEnvelope(broker.MessageTypeFileEdit, "agent-1")
	require.NoError(t, client.PublishEnvelope(ctx, env))

	entries, err := client.rdb.XRange(ctx, "test:edits", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Header fields duplicate the envelope for index-free filtering.
	assert.Equal(t, string(broker.MessageTypeFileEdit), entries[0].Values["type"])
	assert.Equal(t, "agent-1", entries[0].Values["agent_id"])
	assert.Equal(t, "corr-1", entries[0].Values["correlation_id"])

	var got broker.Envelope
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["envelope"].(string)), &got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Source, got.Source)
	assert.Equal(t, env.Priority, got.Priority)
	assert.Equal(t, env.Metadata.SequenceNumber, got.Metadata.SequenceNumber)
	assert.Equal(t, env.Metadata.WorkspaceID, got.Metadata.WorkspaceID)
}

func TestConsumeStreams_DispatchesAndAcks(t *testing.T) {
	client, _ := setupTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.EnsureConsumerGroups(ctx, "group"))

	got := make(chan *broker.Envelope, 1)
	client.ConsumeStreams(ctx, "group", "consumer-1", 10, 50*time.Millisecond,
		func(ctx context.Context, env *broker.Envelope) error {
			got <- env
			return nil
		})

	env := testEnvelope(broker.MessageTypeConsensusVote, "agent-1")
	require.NoError(t, client.PublishEnvelope(ctx, env))

	select {
	case received := <-got:
		assert.Equal(t, env.ID, received.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was not dispatched")
	}

	// Dispatch succeeded, so the entry ends up acknowledged.
	require.Eventually(t, func() bool {
		pending, err := client.rdb.XPending(ctx, "test:consensus", "group").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond, "dispatched entry should be acked")
}

// TestConsumeStreams_AcksPoisonMessages checks that malformed entries are
// logged, dropped, and still acknowledged: a poison message must not sit
// in the pending entries list forever, and the loop must keep delivering
// the valid entries behind it.
func TestConsumeStreams_AcksPoisonMessages(t *testing.T) {
	client, _ := setupTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.EnsureConsumerGroups(ctx, "group"))

	got := make(chan *broker.Envelope, 2)
	client.ConsumeStreams(ctx, "group", "consumer-1", 10, 50*time.Millisecond,
		func(ctx context.Context, env *broker.Envelope) error {
			got <- env
			return nil
		})

	// One entry with no envelope field, one that is not JSON, then a
	// valid one.
	streamKey := "test:edits"
	require.NoError(t, client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"type": "file_edit"},
	}).Err())
	require.NoError(t, client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"envelope": "{not json"},
	}).Err())
	env := testEnvelope(broker.MessageTypeFileEdit, "agent-1")
	require.NoError(t, client.PublishEnvelope(ctx, env))

	select {
	case received := <-got:
		assert.Equal(t, env.ID, received.ID, "only the valid envelope is dispatched")
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not survive the poison entries")
	}

	// The poison entries were acked along with the valid one.
	require.Eventually(t, func() bool {
		pending, err := client.rdb.XPending(ctx, streamKey, "group").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond, "poison entries must not stay pending")
}

func TestWriteHeartbeat(t *testing.T) {
	client, mr := setupTestClient(t)

	require.NoError(t, client.WriteHeartbeat(context.Background(), "consumer-1", 5*time.Second))
	assert.True(t, mr.Exists("test:heartbeat:consumer-1"))

	ttl := mr.TTL("test:heartbeat:consumer-1")
	assert.Greater(t, ttl, time.Duration(0))
}
