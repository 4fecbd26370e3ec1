package broker

import "sync"

// EventType enumerates the public event surface emitted by the broker.
// The dashboard and other external collaborators subscribe to these by
// name. The redis_/kafka_ names are wire-compatible with the monitoring
// surface and kept as-is even though the stores are addressed internally
// as fast/durable.
type EventType string

const (
	EventInitialized              EventType = "initialized"
	EventShutdown                 EventType = "shutdown"
	EventWorkspaceOperation       EventType = "workspace_operation"
	EventFastStoreConnected       EventType = "redis_connected"
	EventFastStoreDisconnected    EventType = "redis_disconnected"
	EventFastStoreError           EventType = "redis_error"
	EventDurableStoreConnected    EventType = "kafka_connected"
	EventDurableStoreDisconnected EventType = "kafka_disconnected"
	EventDurableStoreError        EventType = "kafka_error"
	EventHealthChanged            EventType = "health_changed"
	EventLockRetry                EventType = "lock_retry"
	EventReconnectAttemptFailed   EventType = "reconnect_attempt_failed"
	EventReconnectFailed          EventType = "reconnect_failed"
	EventFastStoreMessage         EventType = "redis_message"
	EventDurableStoreMessage      EventType = "kafka_message"
)

// Event is a single item delivered on the bus: a name and an opaque
// payload whose shape depends on the event type.
type Event struct {
	Type    EventType
	Payload interface{}
}

// Bus is a one-way, in-process publish/subscribe hub keyed by event name.
// Nothing holds a back-pointer. The bridge and the health supervisor hold
// a *Bus and call Emit, the bridge emitting on behalf of the fast store,
// durable store, and fallback manager; external subscribers reach the bus
// through Bridge.Bus(). Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]func(Event)
	all  []func(Event)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]func(Event))}
}

// Subscribe registers fn to be called, synchronously and in the emitting
// goroutine, for every event of the given type. Subscriptions are never
// removed individually in this broker: callers that need unsubscription
// should wrap fn with a closed-over atomic flag.
func (b *Bus) Subscribe(t EventType, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], fn)
}

// SubscribeAll registers fn to be called for every event regardless of
// type, after the typed subscribers of that event.
func (b *Bus) SubscribeAll(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

// Emit delivers ev to every subscriber of ev.Type and every catch-all
// subscriber. Emit never blocks on a slow subscriber for longer than that
// subscriber's own call takes: subscribers needing asynchrony must
// buffer internally.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	typed := append([]func(Event){}, b.subs[ev.Type]...)
	all := append([]func(Event){}, b.all...)
	b.mu.RUnlock()

	for _, fn := range typed {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}
