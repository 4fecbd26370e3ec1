package durablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coordhub/coordhub/pkg/broker"
)

// EditOperation is the kind of change an edit-history entry records.
type EditOperation string

const (
	EditOpCreate EditOperation = "create"
	EditOpUpdate EditOperation = "update"
	EditOpDelete EditOperation = "delete"
)

// Validate reports whether op is a known edit operation.
func (op EditOperation) Validate() error {
	switch op {
	case EditOpCreate, EditOpUpdate, EditOpDelete:
		return nil
	default:
		return fmt.Errorf("unknown edit operation: %q", op)
	}
}

// FileEdit describes one change to one file. Content fields are opaque to
// the broker: it never diffs or interprets them.
type FileEdit struct {
	Operation EditOperation `json:"operation"`
	Previous  string        `json:"previous_content,omitempty"`
	New       string        `json:"new_content,omitempty"`
	Patch     string        `json:"patch,omitempty"`
	StartLine int           `json:"start_line,omitempty"`
	EndLine   int           `json:"end_line,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Decision is the final verdict recorded for a consensus proposal.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionDeferred Decision = "deferred"
)

// ConsensusMethod names how a decision was reached.
type ConsensusMethod string

const (
	MethodMajority  ConsensusMethod = "majority"
	MethodWeighted  ConsensusMethod = "weighted"
	MethodUnanimous ConsensusMethod = "unanimous"
	MethodDelegate  ConsensusMethod = "delegate"
)

// ConsensusDecision is the audit record of one settled proposal.
type ConsensusDecision struct {
	ProposalID    string            `json:"proposal_id"`
	Description   string            `json:"description"`
	Votes         map[string]string `json:"votes"`
	FinalDecision Decision          `json:"final_decision"`
	Method        ConsensusMethod   `json:"method"`
	Confidence    float64           `json:"confidence,omitempty"`
}

// CoordinationType classifies an agent-to-agent coordination record.
type CoordinationType string

const (
	CoordinationHandoff         CoordinationType = "handoff"
	CoordinationCollaboration   CoordinationType = "collaboration"
	CoordinationDelegation      CoordinationType = "delegation"
	CoordinationSynchronization CoordinationType = "synchronization"
)

// AgentCoordination is the audit record of one coordination act.
type AgentCoordination struct {
	Type             CoordinationType `json:"coordination_type"`
	Target           string           `json:"target_agent,omitempty"`
	Task             string           `json:"task"`
	Dependencies     []string         `json:"dependencies,omitempty"`
	ExpectedDuration int64            `json:"expected_duration_ms,omitempty"`
	Priority         broker.Priority  `json:"priority"`
}

// ConflictResolution is the audit record of one resolved conflict.
type ConflictResolution struct {
	ConflictID     string   `json:"conflict_id"`
	Type           string   `json:"conflict_type"`
	InvolvedAgents []string `json:"involved_agents"`
	Details        string   `json:"details,omitempty"`
	Method         string   `json:"method"`
	Resolution     string   `json:"resolution"`
	Outcome        string   `json:"outcome"`
}

// roundPattern extracts the round number from proposal ids shaped like
// "refactor_round_3" or "round_2_api". Anything else is round 1.
var roundPattern = regexp.MustCompile(`round_(\d+)`)

// ConsensusRound returns the round encoded in proposalID, defaulting to 1.
func ConsensusRound(proposalID string) int {
	m := roundPattern.FindStringSubmatch(proposalID)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1
	}
	return n
}

// LogFileEdit appends an edit-history entry for filePath.
func (c *Client) LogFileEdit(ctx context.Context, agentID, workspaceID, sessionID, filePath string, edit FileEdit) error {
	if err := edit.Operation.Validate(); err != nil {
		return fmt.Errorf("log_file_edit: %w", err)
	}

	payload, err := payloadMap(edit)
	if err != nil {
		return fmt.Errorf("log_file_edit: %w", err)
	}
	payload["file_path"] = filePath

	env := c.newEnvelope(broker.MessageTypeEditHistory, agentID, broker.PriorityMedium, payload, broker.Metadata{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		FilePath:    filePath,
	})
	return c.append(ctx, broker.TopicEditHistory, workspaceID, env)
}

// SaveWorkspaceSnapshot appends an immutable snapshot of the workspace.
func (c *Client) SaveWorkspaceSnapshot(ctx context.Context, agentID, workspaceID, sessionID string, snapshot *broker.WorkspaceSnapshot) error {
	payload, err := payloadMap(snapshot)
	if err != nil {
		return fmt.Errorf("save_workspace_snapshot: %w", err)
	}

	env := c.newEnvelope(broker.MessageTypeWorkspaceSnapshot, agentID, broker.PriorityLow, payload, broker.Metadata{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
	})
	return c.append(ctx, broker.TopicWorkspaceSnapshots, workspaceID, env)
}

// LogConsensusDecision appends a settled proposal. The consensus round is
// extracted from the proposal id and carried in the envelope metadata.
func (c *Client) LogConsensusDecision(ctx context.Context, agentID, workspaceID, sessionID string, decision ConsensusDecision) error {
	payload, err := payloadMap(decision)
	if err != nil {
		return fmt.Errorf("log_consensus_decision: %w", err)
	}

	env := c.newEnvelope(broker.MessageTypeConsensusDecision, agentID, broker.PriorityHigh, payload, broker.Metadata{
		WorkspaceID:    workspaceID,
		SessionID:      sessionID,
		CorrelationID:  broker.CorrelationID(decision.ProposalID),
		ConsensusRound: ConsensusRound(decision.ProposalID),
	})
	return c.append(ctx, broker.TopicConsensusDecisions, workspaceID, env)
}

// LogAgentCoordination appends a coordination record. Delegations expect a
// response from the target agent; everything else does not.
func (c *Client) LogAgentCoordination(ctx context.Context, agentID, workspaceID, sessionID string, coord AgentCoordination) error {
	payload, err := payloadMap(coord)
	if err != nil {
		return fmt.Errorf("log_agent_coordination: %w", err)
	}

	env := c.newEnvelope(broker.MessageTypeAgentCoordination, agentID, coord.Priority, payload, broker.Metadata{
		WorkspaceID:      workspaceID,
		SessionID:        sessionID,
		RequiresResponse: coord.Type == CoordinationDelegation,
	})
	env.Target = coord.Target
	return c.append(ctx, broker.TopicAgentCoordination, workspaceID, env)
}

// LogConflictResolution appends a conflict record. The conflict id doubles
// as the correlation id so all envelopes about one conflict group together.
func (c *Client) LogConflictResolution(ctx context.Context, agentID, workspaceID, sessionID string, conflict ConflictResolution) error {
	payload, err := payloadMap(conflict)
	if err != nil {
		return fmt.Errorf("log_conflict_resolution: %w", err)
	}

	env := c.newEnvelope(broker.MessageTypeConflictResolution, agentID, broker.PriorityHigh, payload, broker.Metadata{
		WorkspaceID:   workspaceID,
		SessionID:     sessionID,
		CorrelationID: conflict.ConflictID,
	})
	return c.append(ctx, broker.TopicConflictResolution, workspaceID, env)
}

// StartSession appends a session-started marker. Session lifecycle rides
// on the workspace_snapshot envelope type with an eventType discriminator
// in the payload.
func (c *Client) StartSession(ctx context.Context, agentID, workspaceID, sessionID string) error {
	return c.logSessionEvent(ctx, agentID, workspaceID, sessionID, "session_started")
}

// EndSession appends a session-ended marker.
func (c *Client) EndSession(ctx context.Context, agentID, workspaceID, sessionID string) error {
	return c.logSessionEvent(ctx, agentID, workspaceID, sessionID, "session_ended")
}

func (c *Client) logSessionEvent(ctx context.Context, agentID, workspaceID, sessionID, eventType string) error {
	env := c.newEnvelope(broker.MessageTypeWorkspaceSnapshot, agentID, broker.PriorityMedium, map[string]interface{}{
		"eventType":  eventType,
		"session_id": sessionID,
	}, broker.Metadata{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
	})
	return c.append(ctx, broker.TopicSessionManagement, workspaceID, env)
}

func (c *Client) newEnvelope(t broker.MessageType, agentID string, priority broker.Priority, payload map[string]interface{}, meta broker.Metadata) *broker.Envelope {
	return broker.NewEnvelope(t, agentID, priority, payload, meta, c.seq, time.Now().UnixMilli())
}

// append serializes env and writes it to topic, keyed by workspaceID so
// per-workspace order survives partitioning. Headers duplicate the type,
// agent id, and correlation id for index-free filtering.
func (c *Client) append(ctx context.Context, topic, workspaceID string, env *broker.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("durablestore: marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(workspaceID),
		Value: value,
		Time:  time.UnixMilli(env.Timestamp),
		Headers: []kafka.Header{
			{Key: "messageType", Value: []byte(env.Type)},
			{Key: "agentId", Value: []byte(env.Metadata.AgentID)},
			{Key: "correlationId", Value: []byte(env.Metadata.CorrelationID)},
		},
	}

	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		c.log.Error("append failed", "topic", topic, "workspace", workspaceID, "error", err)
		return fmt.Errorf("durablestore: append to %s: %w", topic, err)
	}
	return nil
}

// payloadMap round-trips v through JSON into the envelope's opaque payload
// shape.
func payloadMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
