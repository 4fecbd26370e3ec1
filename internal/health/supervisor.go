// Package health tracks per-backend connection state, drives reconnection
// with a linear backoff ramp, and rolls both backends up into one overall
// health value. The supervisor is purely observational from the caller's
// side: nothing ever blocks on it.
package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coordhub/coordhub/pkg/broker"
)

// ConnectFunc re-establishes a backend connection. Called by the
// reconnect loop; a nil error means the backend is up again.
type ConnectFunc func(ctx context.Context) error

// ReconnectAttempt is the payload of reconnect_attempt_failed events.
type ReconnectAttempt struct {
	Service string `json:"service"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// HealthChange is the payload of health_changed events.
type HealthChange struct {
	Previous broker.OverallHealth `json:"previous"`
	Current  broker.OverallHealth `json:"current"`
}

// linearBackOff ramps the wait as delay, 2*delay, 3*delay, ...
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.delay * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

type backendState struct {
	health       broker.BackendHealth
	connect      ConnectFunc
	reconnecting bool
	failed       bool // terminal until Reset
}

// Supervisor owns the per-backend connection state machines and the
// overall rollup. All mutation happens on connect/disconnect/error
// reports; the periodic check only stamps last_health_check.
type Supervisor struct {
	bus         *broker.Bus
	maxAttempts int
	delay       time.Duration
	interval    time.Duration

	mu       sync.Mutex
	backends map[broker.BackendName]*backendState
	overall  broker.OverallHealth
}

// New creates a supervisor. reconnectAttempts caps consecutive retries per
// backend; reconnectDelay is the base of the linear ramp.
func New(bus *broker.Bus, reconnectAttempts int, reconnectDelay, healthCheckInterval time.Duration) *Supervisor {
	return &Supervisor{
		bus:         bus,
		maxAttempts: reconnectAttempts,
		delay:       reconnectDelay,
		interval:    healthCheckInterval,
		backends:    make(map[broker.BackendName]*backendState),
		overall:     broker.OverallOffline,
	}
}

// Register adds a backend with its reconnect function. Backends start
// disconnected; call MarkConnected once the initial connect succeeds.
func (s *Supervisor) Register(name broker.BackendName, connect ConnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[name] = &backendState{connect: connect}
}

// MarkConnected records a successful connection: error count and retry
// budget reset, and the backend's connected event is emitted.
func (s *Supervisor) MarkConnected(name broker.BackendName) {
	s.mu.Lock()
	st, ok := s.backends[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.health.Connected = true
	st.health.ErrorCount = 0
	st.health.LastError = ""
	st.health.LastHealthCheck = time.Now().UnixMilli()
	st.reconnecting = false
	st.failed = false
	change := s.recomputeLocked()
	s.mu.Unlock()

	s.bus.Emit(broker.Event{Type: connectedEvent(name), Payload: serviceName(name)})
	s.emitChange(change)
}

// MarkDisconnected records an orderly disconnect and starts reconnecting.
func (s *Supervisor) MarkDisconnected(ctx context.Context, name broker.BackendName) {
	s.noteFailure(ctx, name, "disconnected", disconnectedEvent(name))
}

// ReportError records a backend error and starts reconnecting. Safe to
// call from any goroutine; concurrent reports while a reconnect is in
// flight do not start a second one.
func (s *Supervisor) ReportError(ctx context.Context, name broker.BackendName, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.noteFailure(ctx, name, msg, errorEvent(name))
}

func (s *Supervisor) noteFailure(ctx context.Context, name broker.BackendName, msg string, event broker.EventType) {
	s.mu.Lock()
	st, ok := s.backends[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.health.Connected = false
	st.health.ErrorCount++
	st.health.LastError = msg
	st.health.LastHealthCheck = time.Now().UnixMilli()

	start := !st.reconnecting && !st.failed
	if start {
		st.reconnecting = true
	}
	change := s.recomputeLocked()
	s.mu.Unlock()

	s.bus.Emit(broker.Event{Type: event, Payload: msg})
	s.emitChange(change)

	if start {
		go s.reconnectLoop(ctx, name)
	}
}

// reconnectLoop tries the backend's connect function up to maxAttempts
// times, waiting delay*attempt before each try. On success the backend is
// marked connected; after the final failure a terminal reconnect_failed
// is emitted and no further attempts happen until Reset.
func (s *Supervisor) reconnectLoop(ctx context.Context, name broker.BackendName) {
	s.mu.Lock()
	st, ok := s.backends[name]
	connect := ConnectFunc(nil)
	if ok {
		connect = st.connect
	}
	s.mu.Unlock()
	if connect == nil {
		return
	}

	ramp := &linearBackOff{delay: s.delay}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.clearReconnecting(name)
			return
		case <-time.After(ramp.NextBackOff()):
		}

		err := connect(ctx)
		if err == nil {
			s.MarkConnected(name)
			return
		}

		log.Printf("[Health] WARN: reconnect %s attempt %d/%d failed: %v", serviceName(name), attempt, s.maxAttempts, err)
		s.bus.Emit(broker.Event{Type: broker.EventReconnectAttemptFailed, Payload: ReconnectAttempt{
			Service: serviceName(name),
			Attempt: attempt,
			Error:   err.Error(),
		}})
	}

	s.mu.Lock()
	if st, ok := s.backends[name]; ok {
		st.reconnecting = false
		st.failed = true
	}
	s.mu.Unlock()

	s.bus.Emit(broker.Event{Type: broker.EventReconnectFailed, Payload: serviceName(name)})
}

func (s *Supervisor) clearReconnecting(name broker.BackendName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.backends[name]; ok {
		st.reconnecting = false
	}
}

// Reset clears a backend's terminal failed state so the next error report
// starts a fresh reconnect cycle.
func (s *Supervisor) Reset(name broker.BackendName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.backends[name]; ok {
		st.failed = false
		st.health.ErrorCount = 0
	}
}

// Health returns a snapshot of both backends and the overall rollup.
func (s *Supervisor) Health() broker.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := broker.HealthStatus{Overall: s.overall}
	if st, ok := s.backends[broker.BackendFastStore]; ok {
		status.FastStore = st.health
	}
	if st, ok := s.backends[broker.BackendDurableStore]; ok {
		status.DurableStore = st.health
	}
	return status
}

// Connected reports whether the named backend is currently up.
func (s *Supervisor) Connected(name broker.BackendName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.backends[name]
	return ok && st.health.Connected
}

// Run stamps last_health_check on every backend at the configured
// interval until ctx is cancelled. Authoritative state comes from
// connection events, not this timer.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			s.mu.Lock()
			for _, st := range s.backends {
				st.health.LastHealthCheck = now
			}
			s.mu.Unlock()
		}
	}
}

// recomputeLocked recalculates the rollup; callers must hold s.mu. The
// returned change is non-nil when the overall value moved.
func (s *Supervisor) recomputeLocked() *HealthChange {
	fastUp, durableUp := false, false
	if st, ok := s.backends[broker.BackendFastStore]; ok {
		fastUp = st.health.Connected
	}
	if st, ok := s.backends[broker.BackendDurableStore]; ok {
		durableUp = st.health.Connected
	}

	next := broker.Rollup(fastUp, durableUp)
	if next == s.overall {
		return nil
	}
	change := &HealthChange{Previous: s.overall, Current: next}
	s.overall = next
	return change
}

func (s *Supervisor) emitChange(change *HealthChange) {
	if change == nil {
		return
	}
	s.bus.Emit(broker.Event{Type: broker.EventHealthChanged, Payload: *change})
}

func serviceName(name broker.BackendName) string {
	if name == broker.BackendFastStore {
		return "redis"
	}
	return "kafka"
}

func connectedEvent(name broker.BackendName) broker.EventType {
	if name == broker.BackendFastStore {
		return broker.EventFastStoreConnected
	}
	return broker.EventDurableStoreConnected
}

func disconnectedEvent(name broker.BackendName) broker.EventType {
	if name == broker.BackendFastStore {
		return broker.EventFastStoreDisconnected
	}
	return broker.EventDurableStoreDisconnected
}

func errorEvent(name broker.BackendName) broker.EventType {
	if name == broker.BackendFastStore {
		return broker.EventFastStoreError
	}
	return broker.EventDurableStoreError
}
