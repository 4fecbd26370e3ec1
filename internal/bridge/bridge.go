// Package bridge is the broker's single public entry point. It routes
// every operation to the real-time path (fast store), the durable path
// (audit log), or both, degrades to the in-process fallback lock manager
// when the fast store is down, and re-emits everything as unified
// workspace_operation events for external subscribers.
package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coordhub/coordhub/internal/durablestore"
	"github.com/coordhub/coordhub/internal/fallback"
	"github.com/coordhub/coordhub/internal/faststore"
	"github.com/coordhub/coordhub/internal/health"
	"github.com/coordhub/coordhub/pkg/broker"
)

// WorkspaceOperation is the unified record of one bridge call, emitted to
// external subscribers after routing completes.
type WorkspaceOperation struct {
	ID                  string                 `json:"id"`
	TimestampMs         int64                  `json:"timestamp_ms"`
	Type                string                 `json:"type"`
	AgentID             string                 `json:"agent_id"`
	WorkspaceID         string                 `json:"workspace_id"`
	Data                map[string]interface{} `json:"data,omitempty"`
	RequiresPersistence bool                   `json:"requires_persistence"`
	RequiresRealtime    bool                   `json:"requires_realtime"`
}

// Options carries the slice of configuration the bridge needs.
type Options struct {
	LockTTLMs         int64
	MaxWaiters        int
	ConsumerGroup     string
	ConsumerName      string
	ReadBatch         int64
	ReadBlock         time.Duration
	HeartbeatInterval time.Duration
	FallbackEnabled   bool
}

// Bridge unifies the fast store, the durable store, and the fallback lock
// manager behind one API. A failure on one path never fails the other;
// a failure on both is logged and surfaced as error events, not returned,
// unless the call has a return value the caller must see.
type Bridge struct {
	bus      *broker.Bus
	fast     *faststore.Client
	durable  *durablestore.Client
	fallback *fallback.Manager
	sup      *health.Supervisor
	seq      *broker.SequenceCounter
	opts     Options
}

// New wires a bridge over the given backends. fallback may be nil when
// the fallback mode is disabled.
func New(bus *broker.Bus, fast *faststore.Client, durable *durablestore.Client, fb *fallback.Manager, sup *health.Supervisor, opts Options) *Bridge {
	if opts.ReadBatch == 0 {
		opts.ReadBatch = 10
	}
	if opts.ReadBlock == 0 {
		opts.ReadBlock = 2 * time.Second
	}
	return &Bridge{
		bus:      bus,
		fast:     fast,
		durable:  durable,
		fallback: fb,
		sup:      sup,
		seq:      &broker.SequenceCounter{},
		opts:     opts,
	}
}

// Bus exposes the event surface for external subscribers.
func (b *Bridge) Bus() *broker.Bus { return b.bus }

// Start brings up the consumer loops and the heartbeat, and announces the
// bridge as initialized. The durable-store reader is optional: a nil
// reader means produce-only operation.
func (b *Bridge) Start(ctx context.Context, reader durablestore.Reader) error {
	if err := b.fast.EnsureConsumerGroups(ctx, b.opts.ConsumerGroup); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	b.fast.ConsumeStreams(ctx, b.opts.ConsumerGroup, b.opts.ConsumerName, b.opts.ReadBatch, b.opts.ReadBlock,
		func(ctx context.Context, env *broker.Envelope) error {
			b.bus.Emit(broker.Event{Type: broker.EventFastStoreMessage, Payload: env})
			return nil
		})
	go b.fast.StartHeartbeatLoop(ctx, b.opts.ConsumerName, b.opts.HeartbeatInterval)

	if reader != nil {
		if err := reader.Start(ctx); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		go durablestore.Consume(ctx, reader, func(ctx context.Context, topic string, env *broker.Envelope) error {
			b.bus.Emit(broker.Event{Type: broker.EventDurableStoreMessage, Payload: env})
			return nil
		}, nil)
	}

	go b.sup.Run(ctx)

	b.bus.Emit(broker.Event{Type: broker.EventInitialized, Payload: nil})
	return nil
}

// Shutdown announces the bridge is going away. Consumer loops stop with
// the context passed to Start.
func (b *Bridge) Shutdown() {
	b.bus.Emit(broker.Event{Type: broker.EventShutdown, Payload: nil})
}

// RequestFileLock acquires kind on (workspaceID, filePath) for agentID.
// Returns "" when the request conflicted and was enqueued; the caller
// retries on the next lock_retry event naming it. While the fast store is
// down the fallback manager serves the request with the same semantics,
// minus the waiters queue.
func (b *Bridge) RequestFileLock(ctx context.Context, agentID, workspaceID, filePath string, kind broker.LockKind) (string, error) {
	op := b.newOperation("request_file_lock", agentID, workspaceID, map[string]interface{}{
		"file_path": filePath,
		"lock_type": string(kind),
	}, true, true)
	defer b.emitOperation(op)

	if b.sup.Connected(broker.BackendFastStore) {
		lockID, err := b.fast.RequestFileLock(ctx, agentID, workspaceID, filePath, kind, b.opts.LockTTLMs, b.opts.MaxWaiters)
		switch {
		case err == broker.ErrWaitersQueueFull:
			return "", err
		case err != nil:
			b.sup.ReportError(ctx, broker.BackendFastStore, err)
		case lockID == "":
			return "", nil
		default:
			b.publishLockEvent(ctx, "lock_acquired", agentID, workspaceID, filePath, kind)
			b.auditLockChange(ctx, agentID, workspaceID, filePath, fmt.Sprintf("Lock acquired: %s", kind))
			return lockID, nil
		}
	}

	if b.fallback == nil || !b.opts.FallbackEnabled {
		return "", broker.ErrNotConnected
	}
	lockID, ok := b.fallback.RequestLock(agentID, workspaceID, filePath, kind)
	if !ok {
		return "", nil
	}
	b.auditLockChange(ctx, agentID, workspaceID, filePath, fmt.Sprintf("Lock acquired: %s", kind))
	return lockID, nil
}

// ReleaseFileLock releases the lock identified by lockID on behalf of
// agentID. Returns false when agentID does not hold the lock: the
// record is left intact. On a successful fast-store release, the waiter
// at the head of the queue (if any) is re-emitted as a lock_retry event;
// its queue entry is consumed when the retry claims the lock.
func (b *Bridge) ReleaseFileLock(ctx context.Context, lockID, agentID string) (bool, error) {
	id, err := broker.ParseLockID(lockID)
	if err != nil {
		return false, err
	}

	op := b.newOperation("release_file_lock", agentID, id.WorkspaceID, map[string]interface{}{
		"file_path": id.FilePath,
		"lock_id":   lockID,
	}, true, true)
	defer b.emitOperation(op)

	if id.Fallback {
		released := b.fallback != nil && b.fallback.ReleaseLock(agentID, id.WorkspaceID, id.FilePath)
		if released {
			b.auditLockChange(ctx, agentID, id.WorkspaceID, id.FilePath, "Lock released")
		}
		return released, nil
	}

	if !b.sup.Connected(broker.BackendFastStore) {
		// The fast store owns this record; without it there is nothing
		// to verify the holder against.
		return false, broker.ErrNotConnected
	}

	released, waiter, err := b.fast.ReleaseFileLock(ctx, agentID, id.WorkspaceID, id.FilePath)
	if err != nil {
		b.sup.ReportError(ctx, broker.BackendFastStore, err)
		return false, err
	}
	if !released {
		return false, nil
	}

	b.publishLockEvent(ctx, "lock_released", agentID, id.WorkspaceID, id.FilePath, id.HolderKind.LockKind())
	b.auditLockChange(ctx, agentID, id.WorkspaceID, id.FilePath, "Lock released")
	if waiter != nil {
		b.bus.Emit(broker.Event{Type: broker.EventLockRetry, Payload: waiter})
	}
	return true, nil
}

// PublishFileEdit pushes the edit onto the real-time edits stream and
// appends it to the durable edit history. With the fast store down the
// durable append still happens; with the durable store down the stream
// publish still happens. Both failing is logged, not returned.
func (b *Bridge) PublishFileEdit(ctx context.Context, agentID, workspaceID, sessionID, filePath string, edit durablestore.FileEdit) error {
	sessionID = b.ensureSession(sessionID)
	op := b.newOperation("publish_file_edit", agentID, workspaceID, map[string]interface{}{
		"file_path": filePath,
		"operation": string(edit.Operation),
	}, true, true)
	defer b.emitOperation(op)

	realtimeErr := broker.ErrNotConnected
	if b.sup.Connected(broker.BackendFastStore) {
		env := b.newEnvelope(broker.MessageTypeFileEdit, agentID, broker.PriorityMedium, map[string]interface{}{
			"operation": string(edit.Operation),
			"patch":     edit.Patch,
			"reason":    edit.Reason,
		}, broker.Metadata{WorkspaceID: workspaceID, SessionID: sessionID, FilePath: filePath})
		realtimeErr = b.fast.PublishEnvelope(ctx, env)
		if realtimeErr != nil {
			b.sup.ReportError(ctx, broker.BackendFastStore, realtimeErr)
		}
	}

	durableErr := b.durable.LogFileEdit(ctx, agentID, workspaceID, sessionID, filePath, edit)
	if durableErr != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, durableErr)
	}

	if realtimeErr != nil && durableErr != nil {
		log.Printf("[Bridge] WARN: file edit for %s lost on both paths: realtime=%v durable=%v", filePath, realtimeErr, durableErr)
	}
	return nil
}

// RegisterAgent writes the agent's presence record and appends a
// synchronization record to the audit trail. Re-registration overwrites.
func (b *Bridge) RegisterAgent(ctx context.Context, agent *broker.AgentRecord) error {
	op := b.newOperation("register_agent", agent.AgentID, agent.WorkspaceID, map[string]interface{}{
		"name":  agent.Name,
		"model": agent.Model,
	}, true, true)
	defer b.emitOperation(op)

	if b.sup.Connected(broker.BackendFastStore) {
		if err := b.fast.RegisterAgent(ctx, agent); err != nil {
			b.sup.ReportError(ctx, broker.BackendFastStore, err)
		}
	}

	err := b.durable.LogAgentCoordination(ctx, agent.AgentID, agent.WorkspaceID, b.ensureSession(""), durablestore.AgentCoordination{
		Type:     durablestore.CoordinationSynchronization,
		Task:     "agent_registration",
		Priority: broker.PriorityMedium,
	})
	if err != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, err)
	}
	return nil
}

// UpdateAgentStatus updates the presence record. Not persisted durably;
// dropped silently while the fast store is down.
func (b *Bridge) UpdateAgentStatus(ctx context.Context, agentID string, status broker.AgentStatus, currentTask string) error {
	op := b.newOperation("update_agent_status", agentID, "", map[string]interface{}{
		"status": string(status),
	}, false, true)
	defer b.emitOperation(op)

	if !b.sup.Connected(broker.BackendFastStore) {
		return nil
	}
	if err := b.fast.UpdateAgentStatus(ctx, agentID, status, currentTask); err != nil {
		if err == broker.ErrAgentNotFound {
			return err
		}
		b.sup.ReportError(ctx, broker.BackendFastStore, err)
	}
	return nil
}

// PublishConsensusVote publishes a vote onto the consensus stream. All
// votes on one proposal share a correlation id. Dropped silently while
// the fast store is down.
func (b *Bridge) PublishConsensusVote(ctx context.Context, agentID, workspaceID, proposalID, vote, reasoning string) error {
	op := b.newOperation("publish_consensus_vote", agentID, workspaceID, map[string]interface{}{
		"proposal_id": proposalID,
		"vote":        vote,
	}, false, true)
	defer b.emitOperation(op)

	if !b.sup.Connected(broker.BackendFastStore) {
		return nil
	}

	env := b.newEnvelope(broker.MessageTypeConsensusVote, agentID, broker.PriorityHigh, map[string]interface{}{
		"proposal_id": proposalID,
		"vote":        vote,
		"reasoning":   reasoning,
	}, broker.Metadata{
		WorkspaceID:    workspaceID,
		CorrelationID:  broker.CorrelationID(proposalID),
		ConsensusRound: durablestore.ConsensusRound(proposalID),
	})
	if err := b.fast.PublishEnvelope(ctx, env); err != nil {
		b.sup.ReportError(ctx, broker.BackendFastStore, err)
	}
	return nil
}

// LogConsensusDecision appends a settled proposal to the audit trail.
// Dropped with a warning while the durable store is down.
func (b *Bridge) LogConsensusDecision(ctx context.Context, agentID, workspaceID, sessionID string, decision durablestore.ConsensusDecision) error {
	sessionID = b.ensureSession(sessionID)
	op := b.newOperation("log_consensus_decision", agentID, workspaceID, map[string]interface{}{
		"proposal_id": decision.ProposalID,
		"decision":    string(decision.FinalDecision),
	}, true, false)
	defer b.emitOperation(op)

	if err := b.durable.LogConsensusDecision(ctx, agentID, workspaceID, sessionID, decision); err != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, err)
		log.Printf("[Bridge] WARN: consensus decision %s dropped: %v", decision.ProposalID, err)
	}
	return nil
}

// SaveWorkspaceSnapshot appends a snapshot to the audit trail. Dropped
// with a warning while the durable store is down.
func (b *Bridge) SaveWorkspaceSnapshot(ctx context.Context, agentID, workspaceID, sessionID string, snapshot *broker.WorkspaceSnapshot) error {
	sessionID = b.ensureSession(sessionID)
	op := b.newOperation("save_workspace_snapshot", agentID, workspaceID, map[string]interface{}{
		"reason": snapshot.Reason,
	}, true, false)
	defer b.emitOperation(op)

	if err := b.durable.SaveWorkspaceSnapshot(ctx, agentID, workspaceID, sessionID, snapshot); err != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, err)
		log.Printf("[Bridge] WARN: workspace snapshot for %s dropped: %v", workspaceID, err)
	}
	return nil
}

// LogConflictResolution appends a resolved conflict to the audit trail.
func (b *Bridge) LogConflictResolution(ctx context.Context, agentID, workspaceID, sessionID string, conflict durablestore.ConflictResolution) error {
	sessionID = b.ensureSession(sessionID)
	op := b.newOperation("log_conflict_resolution", agentID, workspaceID, map[string]interface{}{
		"conflict_id": conflict.ConflictID,
	}, true, false)
	defer b.emitOperation(op)

	if err := b.durable.LogConflictResolution(ctx, agentID, workspaceID, sessionID, conflict); err != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, err)
	}
	return nil
}

// StartSession appends a session-start marker and returns the session id,
// synthesizing one when the caller has none.
func (b *Bridge) StartSession(ctx context.Context, agentID, workspaceID, sessionID string) (string, error) {
	sessionID = b.ensureSession(sessionID)
	if err := b.durable.StartSession(ctx, agentID, workspaceID, sessionID); err != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, err)
	}
	return sessionID, nil
}

// EndSession appends a session-end marker.
func (b *Bridge) EndSession(ctx context.Context, agentID, workspaceID, sessionID string) error {
	if err := b.durable.EndSession(ctx, agentID, workspaceID, sessionID); err != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, err)
	}
	return nil
}

// Recover re-primes the bridge's view of the fast store after a restart:
// it verifies connectivity, then re-reads the agent registry and the live
// lock records so operators see the surviving state immediately.
func (b *Bridge) Recover(ctx context.Context) error {
	if err := b.fast.Ping(ctx); err != nil {
		b.sup.ReportError(ctx, broker.BackendFastStore, err)
		return fmt.Errorf("bridge: recover: %w", err)
	}
	b.sup.MarkConnected(broker.BackendFastStore)

	agents, err := b.fast.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("bridge: recover: %w", err)
	}
	locks, err := b.fast.ListLockRecords(ctx)
	if err != nil {
		return fmt.Errorf("bridge: recover: %w", err)
	}

	log.Printf("[Bridge] recovered state: %d agents, %d live locks", len(agents), len(locks))
	return nil
}

// publishLockEvent emits a file_lock envelope onto the locks stream.
// Best-effort: a publish failure is reported to the supervisor but never
// fails the lock operation that triggered it.
func (b *Bridge) publishLockEvent(ctx context.Context, eventType, agentID, workspaceID, filePath string, kind broker.LockKind) {
	env := b.newEnvelope(broker.MessageTypeFileLock, agentID, broker.PriorityHigh, map[string]interface{}{
		"eventType": eventType,
		"file_path": filePath,
		"lock_type": string(kind),
	}, broker.Metadata{
		WorkspaceID: workspaceID,
		FilePath:    filePath,
		LockType:    string(kind),
	})
	if err := b.fast.PublishEnvelope(ctx, env); err != nil {
		b.sup.ReportError(ctx, broker.BackendFastStore, err)
	}
}

// auditLockChange appends the lock transition to the durable edit
// history. Best-effort.
func (b *Bridge) auditLockChange(ctx context.Context, agentID, workspaceID, filePath, reason string) {
	err := b.durable.LogFileEdit(ctx, agentID, workspaceID, b.ensureSession(""), filePath, durablestore.FileEdit{
		Operation: durablestore.EditOpUpdate,
		Reason:    reason,
	})
	if err != nil {
		b.sup.ReportError(ctx, broker.BackendDurableStore, err)
	}
}

func (b *Bridge) newEnvelope(t broker.MessageType, agentID string, priority broker.Priority, payload map[string]interface{}, meta broker.Metadata) *broker.Envelope {
	return broker.NewEnvelope(t, agentID, priority, payload, meta, b.seq, time.Now().UnixMilli())
}

func (b *Bridge) newOperation(opType, agentID, workspaceID string, data map[string]interface{}, persist, realtime bool) *WorkspaceOperation {
	return &WorkspaceOperation{
		ID:                  uuid.New().String(),
		TimestampMs:         time.Now().UnixMilli(),
		Type:                opType,
		AgentID:             agentID,
		WorkspaceID:         workspaceID,
		Data:                data,
		RequiresPersistence: persist,
		RequiresRealtime:    realtime,
	}
}

func (b *Bridge) emitOperation(op *WorkspaceOperation) {
	b.bus.Emit(broker.Event{Type: broker.EventWorkspaceOperation, Payload: op})
}

func (b *Bridge) ensureSession(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return uuid.New().String()
}
