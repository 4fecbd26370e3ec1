package broker

import "fmt"

// Redis key and stream helpers, and Kafka topic constants.
//
// Key pattern:       {prefix}:state:{entity}:{...}
// Stream pattern:    {prefix}:{stream}
// Heartbeat pattern: {prefix}:heartbeat:{consumer_name}

// LockKey returns the fast-store key for a single-holder lock record.
// Pattern: {prefix}:state:locks:{workspace}:{path}
func LockKey(prefix, workspaceID, filePath string) string {
	return fmt.Sprintf("%s:state:locks:%s:%s", prefix, workspaceID, filePath)
}

// ReadersKey returns the fast-store key for a shared-reader lock's set.
// Pattern: {prefix}:state:locks:{workspace}:{path}:readers
func ReadersKey(prefix, workspaceID, filePath string) string {
	return fmt.Sprintf("%s:state:locks:%s:%s:readers", prefix, workspaceID, filePath)
}

// WaitersKey returns the fast-store key for the FIFO waiters list.
// Pattern: {prefix}:state:edit_queue:{workspace}:{path}
func WaitersKey(prefix, workspaceID, filePath string) string {
	return fmt.Sprintf("%s:state:edit_queue:%s:%s", prefix, workspaceID, filePath)
}

// AgentKey returns the fast-store key for an agent's presence hash.
// Pattern: {prefix}:state:agents:{agent_id}
func AgentKey(prefix, agentID string) string {
	return fmt.Sprintf("%s:state:agents:%s", prefix, agentID)
}

// WorkspaceKey returns the fast-store key for workspace-scoped metadata.
// Pattern: {prefix}:state:workspace:{workspace}
func WorkspaceKey(prefix, workspaceID string) string {
	return fmt.Sprintf("%s:state:workspace:%s", prefix, workspaceID)
}

// HeartbeatKey returns the fast-store TTL key written by the consumer
// heartbeat loop so external observers can detect a stuck consumer.
// Pattern: {prefix}:heartbeat:{consumer_name}
func HeartbeatKey(prefix, consumerName string) string {
	return fmt.Sprintf("%s:heartbeat:%s", prefix, consumerName)
}

// Stream names (logical; the configured prefix is prepended by the caller).
const (
	StreamLocks     = "locks"
	StreamEdits     = "edits"
	StreamAgents    = "agents"
	StreamWorkspace = "workspace"
	StreamConsensus = "consensus"
)

// StreamKey returns the fully namespaced stream key for one logical stream.
// Pattern: {prefix}:{stream}
func StreamKey(prefix, stream string) string {
	return fmt.Sprintf("%s:%s", prefix, stream)
}

// AllStreams lists every logical stream the fast store maintains a
// consumer group on.
func AllStreams() []string {
	return []string{StreamLocks, StreamEdits, StreamAgents, StreamWorkspace, StreamConsensus}
}

// Durable-store topic names. Fixed constants; auto-creation is permitted
// so the broker works against a fresh cluster. The autogen- prefix is the
// wire-compatible naming the audit consumers already expect.
const (
	TopicEditHistory        = "autogen-edit-history"
	TopicWorkspaceSnapshots  = "autogen-workspace-snapshots"
	TopicConsensusDecisions  = "autogen-consensus-decisions"
	TopicAgentCoordination   = "autogen-agent-coordination"
	TopicConflictResolution  = "autogen-conflict-resolution"
	TopicSessionManagement   = "autogen-session-management"
	TopicWorkspaceLifecycle  = "autogen-workspace-lifecycle"
	TopicAuditTrail          = "autogen-audit-trail"
	TopicDecisionLog         = "autogen-decision-log"
)

// AllTopics lists every durable-store topic the consumer subscribes to.
func AllTopics() []string {
	return []string{
		TopicEditHistory,
		TopicWorkspaceSnapshots,
		TopicConsensusDecisions,
		TopicAgentCoordination,
		TopicConflictResolution,
		TopicSessionManagement,
		TopicWorkspaceLifecycle,
		TopicAuditTrail,
		TopicDecisionLog,
	}
}
