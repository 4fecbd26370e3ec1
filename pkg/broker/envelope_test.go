package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceCounter_StrictlyIncreasing(t *testing.T) {
	var c SequenceCounter
	prev := c.Next()
	for i := 0; i < 100; i++ {
		next := c.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNewEnvelope_RoundTrip(t *testing.T) {
	var seq SequenceCounter
	meta := Metadata{WorkspaceID: "ws-1", FilePath: "/f"}
	payload := map[string]interface{}{"reason": "Lock acquired: write"}

	env := NewEnvelope(MessageTypeFileLock, "agent-a", PriorityHigh, payload, meta, &seq, 1000)

	require.NoError(t, env.Validate())
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, MessageTypeFileLock, env.Type)
	assert.Equal(t, "agent-a", env.Source)
	assert.Equal(t, "agent-a", env.Metadata.AgentID)
	assert.Equal(t, "ws-1", env.Metadata.WorkspaceID)
	assert.Equal(t, int64(1), env.Metadata.SequenceNumber)
	assert.Equal(t, PriorityHigh, env.Priority)
	assert.Equal(t, payload["reason"], env.Payload["reason"])
}

func TestNewEnvelope_SequenceIsMonotonicPerProducer(t *testing.T) {
	var seq SequenceCounter
	e1 := NewEnvelope(MessageTypeFileEdit, "agent-a", PriorityLow, nil, Metadata{}, &seq, 1)
	e2 := NewEnvelope(MessageTypeAgentStatus, "agent-a", PriorityLow, nil, Metadata{}, &seq, 2)

	assert.Less(t, e1.Metadata.SequenceNumber, e2.Metadata.SequenceNumber)
}

func TestMessageType_Partition(t *testing.T) {
	assert.True(t, MessageTypeFileLock.IsFastStoreType())
	assert.False(t, MessageTypeFileLock.IsDurableStoreType())

	assert.True(t, MessageTypeEditHistory.IsDurableStoreType())
	assert.False(t, MessageTypeEditHistory.IsFastStoreType())
}

func TestMessageType_Validate(t *testing.T) {
	require.NoError(t, MessageTypeConsensusVote.Validate())
	require.Error(t, MessageType("bogus").Validate())
}

func TestEnvelope_Validate_RequiresFields(t *testing.T) {
	env := &Envelope{}
	require.Error(t, env.Validate())

	env = &Envelope{ID: "x", Type: MessageTypeFileEdit, Priority: PriorityLow, Source: "a"}
	require.NoError(t, env.Validate())
}

func TestCorrelationID(t *testing.T) {
	assert.Equal(t, "consensus_round_1_proposal-42", CorrelationID("round_1_proposal-42"))
}
