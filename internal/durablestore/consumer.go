package durablestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/coordhub/coordhub/pkg/broker"
)

// ConsumerMessage is one raw record fetched from a topic.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte

	// commit acknowledges the record with the broker. Nil for fakes.
	commit func(ctx context.Context) error
}

// Reader is the consumer-side surface the loop needs from Kafka. Tests
// substitute a channel-backed fake.
type Reader interface {
	// Start begins fetching from the configured topics.
	Start(ctx context.Context) error
	// Messages returns the channel of fetched records.
	Messages() <-chan ConsumerMessage
	// Close stops all fetchers.
	Close() error
}

// Handler receives each successfully parsed envelope, with the topic it
// arrived on.
type Handler func(ctx context.Context, topic string, env *broker.Envelope) error

// KafkaReader consumes every audit topic in one consumer group, one
// fetcher goroutine per topic.
type KafkaReader struct {
	brokers []string
	groupID string
	topics  []string
	log     *slog.Logger

	mu       sync.Mutex
	readers  []*kafka.Reader
	messages chan ConsumerMessage
}

// NewKafkaReader creates a reader over the given topics.
func NewKafkaReader(brokers []string, groupID string, topics []string) *KafkaReader {
	return &KafkaReader{
		brokers:  brokers,
		groupID:  groupID,
		topics:   topics,
		log:      slog.Default().With("component", "durablestore"),
		messages: make(chan ConsumerMessage, 100),
	}
}

// Start launches one fetcher per topic. Records are fetched, not
// auto-committed: the consume loop commits after the handler accepts each
// one, so an envelope is only acknowledged once the bridge has seen it.
func (r *KafkaReader) Start(ctx context.Context) error {
	for _, topic := range r.topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  r.brokers,
			Topic:    topic,
			GroupID:  r.groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		})

		r.mu.Lock()
		r.readers = append(r.readers, reader)
		r.mu.Unlock()

		go r.fetchLoop(ctx, reader, topic)
	}
	return nil
}

func (r *KafkaReader) fetchLoop(ctx context.Context, reader *kafka.Reader, topic string) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("fetch error", "topic", topic, "error", err)
			continue
		}
		r.messages <- ConsumerMessage{
			Topic: topic,
			Key:   msg.Key,
			Value: msg.Value,
			commit: func(ctx context.Context) error {
				return reader.CommitMessages(ctx, msg)
			},
		}
	}
}

// Messages returns the channel of fetched records.
func (r *KafkaReader) Messages() <-chan ConsumerMessage {
	return r.messages
}

// Close stops all fetchers.
func (r *KafkaReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reader := range r.readers {
		reader.Close()
	}
	return nil
}

// Consume drains reader.Messages() until ctx is cancelled, parsing each
// record into an envelope and handing it to handler. A record that fails
// to parse is logged and committed anyway: a poison message must not
// wedge the partition, and the loop must survive it. A record the handler
// rejects is logged and left uncommitted for redelivery.
func Consume(ctx context.Context, reader Reader, handler Handler, log *slog.Logger) {
	if log == nil {
		log = slog.Default().With("component", "durablestore")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-reader.Messages():
			if !ok {
				return
			}

			var env broker.Envelope
			if err := json.Unmarshal(msg.Value, &env); err != nil {
				log.Error("malformed envelope dropped", "topic", msg.Topic, "error", err)
				commit(ctx, msg, log)
				continue
			}
			if err := env.Validate(); err != nil {
				log.Error("invalid envelope dropped", "topic", msg.Topic, "error", err)
				commit(ctx, msg, log)
				continue
			}

			if err := handler(ctx, msg.Topic, &env); err != nil {
				log.Warn("handler rejected envelope", "topic", msg.Topic, "id", env.ID, "error", err)
				continue
			}
			commit(ctx, msg, log)
		}
	}
}

func commit(ctx context.Context, msg ConsumerMessage, log *slog.Logger) {
	if msg.commit == nil {
		return
	}
	if err := msg.commit(ctx); err != nil {
		log.Warn("commit failed", "topic", msg.Topic, "error", err)
	}
}

// ChannelReader is an in-process Reader backed by a Go channel, for tests
// and for wiring the consume loop without a running broker.
type ChannelReader struct {
	ch chan ConsumerMessage
}

// NewChannelReader creates an in-process reader.
func NewChannelReader() *ChannelReader {
	return &ChannelReader{ch: make(chan ConsumerMessage, 100)}
}

// Start is a no-op; records arrive via Inject.
func (c *ChannelReader) Start(ctx context.Context) error { return nil }

// Messages returns the channel of injected records.
func (c *ChannelReader) Messages() <-chan ConsumerMessage { return c.ch }

// Inject delivers a raw record to the consume loop.
func (c *ChannelReader) Inject(topic string, key, value []byte) {
	c.ch <- ConsumerMessage{Topic: topic, Key: key, Value: value}
}

// Close closes the channel, ending any consume loop draining it.
func (c *ChannelReader) Close() error {
	close(c.ch)
	return nil
}
