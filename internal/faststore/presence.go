package faststore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/coordhub/coordhub/pkg/broker"
)

// agentToHash converts an AgentRecord to a Redis hash. Capabilities is
// JSON-encoded since Redis hash fields are strings.
func agentToHash(a *broker.AgentRecord) (map[string]interface{}, error) {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	return map[string]interface{}{
		"agent_id":          a.AgentID,
		"name":              a.Name,
		"model":             a.Model,
		"capabilities":      string(caps),
		"workspace_id":      a.WorkspaceID,
		"status":            string(a.Status),
		"current_task":      a.CurrentTask,
		"registered_at_ms":  a.RegisteredAtMs,
		"last_heartbeat_ms": a.LastHeartbeat,
	}, nil
}

// hashToAgent converts a Redis hash back to an AgentRecord.
func hashToAgent(hash map[string]string) (*broker.AgentRecord, error) {
	var caps []string
	if raw := hash["capabilities"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &caps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}

	registeredAt, _ := strconv.ParseInt(hash["registered_at_ms"], 10, 64)
	lastHeartbeat, _ := strconv.ParseInt(hash["last_heartbeat_ms"], 10, 64)

	return &broker.AgentRecord{
		AgentID:        hash["agent_id"],
		Name:           hash["name"],
		Model:          hash["model"],
		Capabilities:   caps,
		WorkspaceID:    hash["workspace_id"],
		Status:         broker.AgentStatus(hash["status"]),
		CurrentTask:    hash["current_task"],
		RegisteredAtMs: registeredAt,
		LastHeartbeat:  lastHeartbeat,
	}, nil
}

// RegisterAgent writes the agent's presence record. Re-registration is
// idempotent: calling it twice for the same agent_id simply overwrites
// the record with fresh fields.
func (c *Client) RegisterAgent(ctx context.Context, agent *broker.AgentRecord) error {
	if err := agent.Status.Validate(); err != nil {
		return fmt.Errorf("register_agent: %w", err)
	}

	if agent.RegisteredAtMs == 0 {
		agent.RegisteredAtMs = time.Now().UnixMilli()
	}
	agent.LastHeartbeat = agent.RegisteredAtMs

	hash, err := agentToHash(agent)
	if err != nil {
		return fmt.Errorf("register_agent: %w", err)
	}

	key := broker.AgentKey(c.prefix, agent.AgentID)
	if err := c.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("register_agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent's presence record. Returns (nil, nil) if the
// agent is not registered (never deregistered atomically via TTL expiry in
// this store: presence is explicit).
func (c *Client) GetAgent(ctx context.Context, agentID string) (*broker.AgentRecord, error) {
	key := broker.AgentKey(c.prefix, agentID)
	hash, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get_agent: %w", err)
	}
	if len(hash) == 0 {
		return nil, nil
	}
	return hashToAgent(hash)
}

// UpdateAgentStatus updates the status, the last heartbeat, and (when
// non-empty) the current_task field of an already-registered agent,
// leaving the rest of the record untouched.
func (c *Client) UpdateAgentStatus(ctx context.Context, agentID string, status broker.AgentStatus, currentTask string) error {
	if err := status.Validate(); err != nil {
		return fmt.Errorf("update_agent_status: %w", err)
	}

	key := broker.AgentKey(c.prefix, agentID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("update_agent_status: %w", err)
	}
	if exists == 0 {
		return broker.ErrAgentNotFound
	}

	fields := map[string]interface{}{
		"status":            string(status),
		"last_heartbeat_ms": time.Now().UnixMilli(),
	}
	if currentTask != "" {
		fields["current_task"] = currentTask
	}

	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("update_agent_status: %w", err)
	}
	return nil
}

// ListAgents scans the registry and returns every presence record in the
// client's namespace. Used by recovery at startup and by read-only
// inspection tooling.
func (c *Client) ListAgents(ctx context.Context) ([]*broker.AgentRecord, error) {
	pattern := broker.AgentKey(c.prefix, "*")
	var agents []*broker.AgentRecord

	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		hash, err := c.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("list_agents: %w", err)
		}
		if len(hash) == 0 {
			continue
		}
		agent, err := hashToAgent(hash)
		if err != nil {
			return nil, fmt.Errorf("list_agents: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list_agents: %w", err)
	}
	return agents, nil
}

// DeregisterAgent removes an agent's presence record entirely.
func (c *Client) DeregisterAgent(ctx context.Context, agentID string) error {
	key := broker.AgentKey(c.prefix, agentID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deregister_agent: %w", err)
	}
	return nil
}
