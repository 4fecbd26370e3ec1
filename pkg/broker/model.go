// Package broker defines the shared data model for the coordination broker:
// the message envelope and type taxonomy, agent/lock/waiter records, health
// status, and workspace snapshots. Every backend (fast store, durable store,
// fallback manager) and the bridge that unifies them operate on these types.
package broker

import "fmt"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusOffline AgentStatus = "offline"
)

// Validate reports whether s is one of the known agent statuses.
func (s AgentStatus) Validate() error {
	switch s {
	case AgentStatusActive, AgentStatusBusy, AgentStatusIdle, AgentStatusOffline:
		return nil
	default:
		return fmt.Errorf("unknown agent status: %q", s)
	}
}

// AgentRecord is the presence record for one agent within one workspace.
// Exclusively owned by the fast store; the bridge never caches a copy.
type AgentRecord struct {
	AgentID        string      `json:"agent_id"`
	Name           string      `json:"name"`
	Model          string      `json:"model"`
	Capabilities   []string    `json:"capabilities"`
	WorkspaceID    string      `json:"workspace_id"`
	Status         AgentStatus `json:"status"`
	CurrentTask    string      `json:"current_task,omitempty"`
	RegisteredAtMs int64       `json:"registered_at_ms"`
	LastHeartbeat  int64       `json:"last_heartbeat_ms"`
}

// LockKind is the kind of access a caller requested or holds. Exclusive
// is carried as an alias of write throughout the protocol.
type LockKind string

const (
	LockKindRead      LockKind = "read"
	LockKindWrite     LockKind = "write"
	LockKindExclusive LockKind = "exclusive"
)

// Validate reports whether k is one of the known lock kinds.
func (k LockKind) Validate() error {
	switch k {
	case LockKindRead, LockKindWrite, LockKindExclusive:
		return nil
	default:
		return fmt.Errorf("unknown lock kind: %q", k)
	}
}

// IsExclusive reports whether k behaves as a single-holder lock. Write
// and exclusive both exclude readers and other writers.
func (k LockKind) IsExclusive() bool {
	return k == LockKindWrite || k == LockKindExclusive
}

// HolderKind distinguishes a single-holder lock record from a shared-reader
// lock record. For a given (workspace_id, file_path) at most one record
// exists, with one kind or the other; never both.
type HolderKind string

const (
	HolderKindExclusive HolderKind = "exclusive"
	HolderKindReaders   HolderKind = "readers"
)

// LockKind returns the lock kind a holder kind implies: readers hold
// read locks, everything else is a write.
func (h HolderKind) LockKind() LockKind {
	if h == HolderKindReaders {
		return LockKindRead
	}
	return LockKindWrite
}

// LockRecord is the persisted state of a lock on one (workspace, file) pair.
type LockRecord struct {
	LockID      string     `json:"lock_id"`
	WorkspaceID string     `json:"workspace_id"`
	FilePath    string     `json:"file_path"`
	HolderKind  HolderKind `json:"holder_kind"`
	AgentID     string     `json:"agent_id,omitempty"` // set when HolderKind == exclusive
	Readers     []string   `json:"readers,omitempty"`  // set when HolderKind == readers
	LockType    LockKind   `json:"lock_type"`
	TimestampMs int64      `json:"timestamp_ms"`
	TTLMs       int64      `json:"ttl_ms"`
}

// ExpiresAtMs returns the absolute expiry of the record.
func (r *LockRecord) ExpiresAtMs() int64 {
	return r.TimestampMs + r.TTLMs
}

// Expired reports whether the record's absolute expiry has passed as of
// nowMs. Expired records are treated as absent by new acquirers.
func (r *LockRecord) Expired(nowMs int64) bool {
	return nowMs >= r.ExpiresAtMs()
}

// HasReader reports whether agentID is present in the readers set.
func (r *LockRecord) HasReader(agentID string) bool {
	for _, a := range r.Readers {
		if a == agentID {
			return true
		}
	}
	return false
}

// Waiter is a single queued lock request. Waiters queues are per
// (workspace_id, file_path), FIFO, created lazily on first conflict. An
// entry past its expiry is treated as cancelled and skipped.
type Waiter struct {
	AgentID      string   `json:"agent_id"`
	LockType     LockKind `json:"lock_type"`
	EnqueuedAtMs int64    `json:"enqueued_at_ms"`
	ExpiresAtMs  int64    `json:"expires_at_ms"`
}

// BackendName identifies one of the two backing stores for health reporting.
type BackendName string

const (
	BackendFastStore    BackendName = "fast_store"
	BackendDurableStore BackendName = "durable_store"
)

// BackendHealth is the observational connection state of one backend.
type BackendHealth struct {
	Connected       bool   `json:"connected"`
	LastHealthCheck int64  `json:"last_health_check_ms"`
	ErrorCount      int    `json:"error_count"`
	LastError       string `json:"last_error,omitempty"`
}

// OverallHealth is the rollup of both backends' connection state.
type OverallHealth string

const (
	OverallHealthy  OverallHealth = "healthy"
	OverallDegraded OverallHealth = "degraded"
	OverallOffline  OverallHealth = "offline"
)

// HealthStatus is the full, purely observational health snapshot.
// Callers never block on it.
type HealthStatus struct {
	FastStore    BackendHealth `json:"fast_store"`
	DurableStore BackendHealth `json:"durable_store"`
	Overall      OverallHealth `json:"overall"`
}

// Rollup computes OverallHealth from the two backend states: healthy
// needs both up, offline means both down, anything else is degraded.
func Rollup(fastStoreUp, durableStoreUp bool) OverallHealth {
	switch {
	case fastStoreUp && durableStoreUp:
		return OverallHealthy
	case fastStoreUp || durableStoreUp:
		return OverallDegraded
	default:
		return OverallOffline
	}
}

// WorkspaceSnapshot is an append-only artifact persisted to the durable
// store. Never mutated once written.
type WorkspaceSnapshot struct {
	Files        map[string]string           `json:"files"`
	Metadata     map[string]string           `json:"metadata"`
	ActiveAgents []string                    `json:"active_agents"`
	Consensus    map[string]ConsensusOutcome `json:"consensus"`
	Reason       string                      `json:"reason"`
}

// ConsensusOutcome is the stored per-proposal outcome inside a snapshot.
type ConsensusOutcome struct {
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
}
