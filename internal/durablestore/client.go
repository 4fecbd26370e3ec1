// Package durablestore implements the broker's append-only audit backend:
// edit history, consensus decisions, coordination records, conflict
// resolutions, snapshots, and session lifecycle, all carried as envelopes
// on Kafka-family topics partitioned by workspace id.
package durablestore

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/coordhub/coordhub/internal/config"
	"github.com/coordhub/coordhub/pkg/broker"
)

// Writer is the producer-side surface the client needs from Kafka.
// *kafka.Writer satisfies it; tests substitute a channel-backed fake.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Client is the durable-store producer. All Log* methods append an
// envelope to a fixed topic, keyed by workspace id so per-workspace order
// is preserved across partitions. Sequence numbers are strictly
// increasing per Client instance across all topics.
type Client struct {
	writer   Writer
	clientID string
	seq      *broker.SequenceCounter
	log      *slog.Logger

	mu        sync.Mutex
	connected bool
}

// New creates a durable-store client from configuration. The writer is
// shared across topics (the topic is set per message) and uses a hash
// balancer so messages with the same workspace key land on the same
// partition.
func New(cfg config.DurableStoreConfig) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("durablestore: at least one broker is required")
	}

	transport := &kafka.Transport{
		ClientID: cfg.ClientID,
	}
	if cfg.SSL {
		transport.TLS = &tls.Config{}
	}
	if cfg.Auth != nil {
		mech, err := saslMechanism(cfg.Auth)
		if err != nil {
			return nil, err
		}
		transport.SASL = mech
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              transport,
		BatchSize:              cfg.Batch.Size,
		BatchTimeout:           time.Duration(cfg.Batch.LingerMs) * time.Millisecond,
		MaxAttempts:            cfg.Retry.Retries,
		WriteBackoffMin:        time.Duration(cfg.Retry.InitialMs) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.Retry.MaxMs) * time.Millisecond,
	}

	return &Client{
		writer:   writer,
		clientID: cfg.ClientID,
		seq:      &broker.SequenceCounter{},
		log:      slog.Default().With("component", "durablestore"),
	}, nil
}

// NewWithWriter wraps an already-constructed writer. Used by tests to
// capture produced messages without a running broker.
func NewWithWriter(w Writer, clientID string) *Client {
	return &Client{
		writer:   w,
		clientID: clientID,
		seq:      &broker.SequenceCounter{},
		log:      slog.Default().With("component", "durablestore"),
	}
}

// Connect marks the client connected. Idempotent: a second call while
// already connected returns immediately without re-subscribing anything.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	c.connected = true
	c.log.Info("connected", "client_id", c.clientID)
	return nil
}

// Disconnect marks the client disconnected and closes the underlying
// writer. It is a no-op when the client is not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.writer.Close()
}

// Connected reports whether Connect has been called without a matching
// Disconnect.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func saslMechanism(auth *config.DurableStoreAuth) (sasl.Mechanism, error) {
	switch auth.Mechanism {
	case config.AuthMechanismPlain:
		return plain.Mechanism{Username: auth.User, Password: auth.Pass}, nil
	case config.AuthMechanismScram256:
		return scram.Mechanism(scram.SHA256, auth.User, auth.Pass)
	case config.AuthMechanismScram512:
		return scram.Mechanism(scram.SHA512, auth.User, auth.Pass)
	default:
		return nil, fmt.Errorf("durablestore: unsupported sasl mechanism %q", auth.Mechanism)
	}
}
