package broker

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Priority is the delivery priority carried on every envelope.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Validate reports whether p is a known priority.
func (p Priority) Validate() error {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("unknown priority: %q", p)
	}
}

// MessageType is the closed taxonomy of envelope types, partitioned by
// which backend carries it. Callers validate the type before trusting the
// payload shape of the variant it names.
type MessageType string

const (
	// Fast-store types.
	MessageTypeFileLock       MessageType = "file_lock"
	MessageTypeFileEdit       MessageType = "file_edit"
	MessageTypeAgentStatus    MessageType = "agent_status"
	MessageTypeWorkspaceEvent MessageType = "workspace_event"
	MessageTypeConsensusVote  MessageType = "consensus_vote"

	// Durable-store types.
	MessageTypeEditHistory        MessageType = "edit_history"
	MessageTypeWorkspaceSnapshot  MessageType = "workspace_snapshot"
	MessageTypeConsensusDecision  MessageType = "consensus_decision"
	MessageTypeAgentCoordination  MessageType = "agent_coordination"
	MessageTypeConflictResolution MessageType = "conflict_resolution"
)

// Validate reports whether t is one of the known envelope types.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeFileLock, MessageTypeFileEdit, MessageTypeAgentStatus,
		MessageTypeWorkspaceEvent, MessageTypeConsensusVote,
		MessageTypeEditHistory, MessageTypeWorkspaceSnapshot,
		MessageTypeConsensusDecision, MessageTypeAgentCoordination,
		MessageTypeConflictResolution:
		return nil
	default:
		return fmt.Errorf("unknown message type: %q", t)
	}
}

// IsFastStoreType reports whether t belongs to the fast-store partition of
// the taxonomy.
func (t MessageType) IsFastStoreType() bool {
	switch t {
	case MessageTypeFileLock, MessageTypeFileEdit, MessageTypeAgentStatus,
		MessageTypeWorkspaceEvent, MessageTypeConsensusVote:
		return true
	default:
		return false
	}
}

// IsDurableStoreType reports whether t belongs to the durable-store
// partition of the taxonomy.
func (t MessageType) IsDurableStoreType() bool {
	switch t {
	case MessageTypeEditHistory, MessageTypeWorkspaceSnapshot,
		MessageTypeConsensusDecision, MessageTypeAgentCoordination,
		MessageTypeConflictResolution:
		return true
	default:
		return false
	}
}

// Metadata carries the envelope's indexable fields. Producers duplicate
// type, agent id, and correlation id into message headers so consumers
// can filter without parsing the body.
type Metadata struct {
	AgentID          string `json:"agent_id"`
	WorkspaceID      string `json:"workspace_id"`
	SessionID        string `json:"session_id,omitempty"`
	FilePath         string `json:"file_path,omitempty"`
	LockType         string `json:"lock_type,omitempty"`
	CorrelationID    string `json:"correlation_id,omitempty"`
	SequenceNumber   int64  `json:"sequence_number"`
	RetryCount       int    `json:"retry_count,omitempty"`
	RequiresResponse bool   `json:"requires_response,omitempty"`
	ConsensusRound   int    `json:"consensus_round,omitempty"`
}

// Envelope is the uniform message structure published on either backend.
type Envelope struct {
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Type      MessageType            `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target,omitempty"`
	Priority  Priority               `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  Metadata               `json:"metadata"`
}

// Validate checks the envelope's closed-vocabulary fields. It does not (and
// cannot, payload being opaque) validate payload shape beyond the type tag.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if err := e.Priority.Validate(); err != nil {
		return err
	}
	if e.Source == "" {
		return fmt.Errorf("envelope source (agent_id) is required")
	}
	return nil
}

// SequenceCounter is a strictly monotonic per-producer sequence number
// generator. One counter per producer instance, never a shared process
// global.
type SequenceCounter struct {
	next int64
}

// Next returns the next strictly increasing sequence number, starting at 1.
func (c *SequenceCounter) Next() int64 {
	return atomic.AddInt64(&c.next, 1)
}

// NewEnvelope builds a fresh envelope with a freshly minted id and the
// given producer's next sequence number.
func NewEnvelope(t MessageType, source string, priority Priority, payload map[string]interface{}, meta Metadata, seq *SequenceCounter, nowMs int64) *Envelope {
	meta.SequenceNumber = seq.Next()
	meta.AgentID = source
	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: nowMs,
		Type:      t,
		Source:    source,
		Priority:  priority,
		Payload:   payload,
		Metadata:  meta,
	}
}

// CorrelationID builds the correlation id that groups all envelopes
// related to one consensus proposal: every vote and the final decision
// share consensus_<proposal_id>.
func CorrelationID(proposalID string) string {
	return "consensus_" + proposalID
}
