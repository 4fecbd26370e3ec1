// Package config loads and validates the broker's on-disk configuration:
// fast-store, durable-store, supervisor, workspace, consensus, and
// security settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level coordhub.yml configuration.
type Config struct {
	FastStore    FastStoreConfig    `yaml:"fast_store"`
	DurableStore DurableStoreConfig `yaml:"durable_store"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	Security     SecurityConfig     `yaml:"security"`
}

// FastStoreConfig configures the Redis-family real-time backend.
type FastStoreConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Password            string `yaml:"password,omitempty"`
	DB                  int    `yaml:"db"`
	StreamPrefix        string `yaml:"stream_prefix"`
	ConsumerGroup       string `yaml:"consumer_group"`
	ConsumerName        string `yaml:"consumer_name"`
	MaxPendingMessages  int    `yaml:"max_pending_messages"`
	HeartbeatIntervalMs int    `yaml:"heartbeat_interval_ms"`
	LockTimeoutMs       int64  `yaml:"lock_timeout_ms"`
	MessageRetentionMs  int64  `yaml:"message_retention_ms"`
}

// DurableStoreConfig configures the Kafka-family durable log backend.
type DurableStoreConfig struct {
	ClientID            string            `yaml:"client_id"`
	Brokers             []string          `yaml:"brokers"`
	SSL                 bool              `yaml:"ssl,omitempty"`
	Auth                *DurableStoreAuth `yaml:"auth,omitempty"`
	GroupID             string            `yaml:"group_id"`
	SessionTimeoutMs    int               `yaml:"session_timeout_ms"`
	HeartbeatIntervalMs int               `yaml:"heartbeat_interval_ms"`
	Retry               RetryConfig       `yaml:"retry"`
	Batch               BatchConfig       `yaml:"batch"`
}

// DurableStoreAuthMechanism is the SASL mechanism used to authenticate
// against the durable store's brokers.
type DurableStoreAuthMechanism string

const (
	AuthMechanismPlain    DurableStoreAuthMechanism = "plain"
	AuthMechanismScram256 DurableStoreAuthMechanism = "scram-256"
	AuthMechanismScram512 DurableStoreAuthMechanism = "scram-512"
)

// Validate reports whether m is a known SASL mechanism.
func (m DurableStoreAuthMechanism) Validate() error {
	switch m {
	case AuthMechanismPlain, AuthMechanismScram256, AuthMechanismScram512:
		return nil
	default:
		return fmt.Errorf("unknown auth mechanism: %q", m)
	}
}

// DurableStoreAuth configures SASL authentication for the durable store.
type DurableStoreAuth struct {
	Mechanism DurableStoreAuthMechanism `yaml:"mechanism"`
	User      string                   `yaml:"user"`
	Pass      string                   `yaml:"pass"`
}

// RetryConfig configures the durable-store producer's retry behavior.
type RetryConfig struct {
	InitialMs int `yaml:"initial_ms"`
	Retries   int `yaml:"retries"`
	MaxMs     int `yaml:"max_ms"`
}

// BatchConfig configures the durable-store producer's batching behavior.
type BatchConfig struct {
	Size     int `yaml:"size"`
	LingerMs int `yaml:"linger_ms"`
}

// SupervisorFallbackMode selects how the broker degrades when the fast
// store is unreachable.
type SupervisorFallbackMode string

const (
	FallbackModeMemory   SupervisorFallbackMode = "memory"
	FallbackModeFile     SupervisorFallbackMode = "file"
	FallbackModeDisabled SupervisorFallbackMode = "disabled"
)

// Validate reports whether m is a known fallback mode.
func (m SupervisorFallbackMode) Validate() error {
	switch m {
	case FallbackModeMemory, FallbackModeFile, FallbackModeDisabled:
		return nil
	default:
		return fmt.Errorf("unknown fallback_mode: %q", m)
	}
}

// SupervisorConfig configures the health/reconnect supervisor.
type SupervisorConfig struct {
	FallbackMode          SupervisorFallbackMode `yaml:"fallback_mode"`
	HealthCheckIntervalMs int                    `yaml:"health_check_interval_ms"`
	ReconnectAttempts     int                    `yaml:"reconnect_attempts"`
	ReconnectDelayMs      int                    `yaml:"reconnect_delay_ms"`
}

// WorkspaceConfig configures per-workspace resource ceilings.
type WorkspaceConfig struct {
	MaxAgentsPerWorkspace int    `yaml:"max_agents_per_workspace"`
	MaxFilesPerWorkspace  int    `yaml:"max_files_per_workspace"`
	MaxFileSizeBytes      int64  `yaml:"max_file_size_bytes"`
	MaxConcurrentEdits    int    `yaml:"max_concurrent_edits"`
	MaxSessionDurationMs  int64  `yaml:"max_session_duration_ms"`
	LockTimeoutMs         int64  `yaml:"lock_timeout_ms"`
	ConsensusTimeoutMs    int64  `yaml:"consensus_timeout_ms"`
	Root                  string `yaml:"root"`
}

// ConsensusConfig configures the default consensus policy.
type ConsensusConfig struct {
	DefaultMethod      string  `yaml:"default_method"`
	MajorityThreshold  float64 `yaml:"majority_threshold"`
	WeightingStrategy  string  `yaml:"weighting_strategy,omitempty"`
	VoteTimeoutMs      int64   `yaml:"vote_timeout_ms"`
	MaxRounds          int     `yaml:"max_rounds"`
	DeadlockResolution string  `yaml:"deadlock_resolution,omitempty"`
}

// SecurityConfig toggles optional enforcement features. RequireAgentAuth is
// accepted for forward compatibility but never enforced: the broker trusts
// the supplied agent id.
type SecurityConfig struct {
	EnableFileLocking    bool  `yaml:"enable_file_locking"`
	EnableEditHistory    bool  `yaml:"enable_edit_history"`
	EnableAuditLogging   bool  `yaml:"enable_audit_logging"`
	MaxLockDurationMs    int64 `yaml:"max_lock_duration_ms"`
	AllowConcurrentReads bool  `yaml:"allow_concurrent_reads"`
	RequireAgentAuth     bool  `yaml:"require_agent_auth"`
}

// Validate enforces the load-time rules: fast-store host non-empty, at
// least one durable-store broker, a known auth mechanism when auth is set,
// max_agents_per_workspace >= 1, a majority threshold in [0,1], a known
// fallback mode when one is set, and a non-empty workspace root. The other
// workspace ceilings are not checked.
func (c *Config) Validate() error {
	if c.FastStore.Host == "" {
		return fmt.Errorf("fast_store.host is required")
	}
	if len(c.DurableStore.Brokers) == 0 {
		return fmt.Errorf("durable_store.brokers must list at least one broker")
	}
	if c.DurableStore.Auth != nil {
		if err := c.DurableStore.Auth.Mechanism.Validate(); err != nil {
			return fmt.Errorf("durable_store.auth: %w", err)
		}
	}
	if c.Workspace.MaxAgentsPerWorkspace < 1 {
		return fmt.Errorf("workspace.max_agents_per_workspace must be >= 1, got %d", c.Workspace.MaxAgentsPerWorkspace)
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Consensus.MajorityThreshold < 0 || c.Consensus.MajorityThreshold > 1 {
		return fmt.Errorf("consensus.majority_threshold must be in [0,1], got %v", c.Consensus.MajorityThreshold)
	}
	if c.Supervisor.FallbackMode != "" {
		if err := c.Supervisor.FallbackMode.Validate(); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
	}

	applyDefaults(c)
	return nil
}

// applyDefaults fills in zero-value fields with the broker's documented
// defaults, once, at validation time.
func applyDefaults(c *Config) {
	if c.FastStore.StreamPrefix == "" {
		c.FastStore.StreamPrefix = "coordhub"
	}
	if c.FastStore.ConsumerGroup == "" {
		c.FastStore.ConsumerGroup = "coordhub-consumers"
	}
	if c.FastStore.ConsumerName == "" {
		c.FastStore.ConsumerName = "coordhub-consumer-1"
	}
	if c.FastStore.LockTimeoutMs == 0 {
		c.FastStore.LockTimeoutMs = 30_000
	}
	if c.FastStore.MaxPendingMessages == 0 {
		c.FastStore.MaxPendingMessages = 1000
	}
	if c.FastStore.HeartbeatIntervalMs == 0 {
		c.FastStore.HeartbeatIntervalMs = 5_000
	}
	if c.Supervisor.FallbackMode == "" {
		c.Supervisor.FallbackMode = FallbackModeMemory
	}
	if c.Supervisor.HealthCheckIntervalMs == 0 {
		c.Supervisor.HealthCheckIntervalMs = 10_000
	}
	if c.Supervisor.ReconnectAttempts == 0 {
		c.Supervisor.ReconnectAttempts = 5
	}
	if c.Supervisor.ReconnectDelayMs == 0 {
		c.Supervisor.ReconnectDelayMs = 1_000
	}
	if c.Consensus.DefaultMethod == "" {
		c.Consensus.DefaultMethod = "majority"
	}
	if c.Consensus.MajorityThreshold == 0 {
		c.Consensus.MajorityThreshold = 0.5
	}
	if c.Consensus.MaxRounds == 0 {
		c.Consensus.MaxRounds = 3
	}
}

// Load reads and validates coordhub.yml from the specified path.
// Secret fields may be overridden by environment variables after load;
// see cmd/brokerd/main.go.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
