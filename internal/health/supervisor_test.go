package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordhub/coordhub/pkg/broker"
)

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []broker.Event
}

func (r *eventRecorder) record(ev broker.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t broker.EventType) []broker.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broker.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func setupSupervisor(t *testing.T, attempts int, delay time.Duration) (*Supervisor, *eventRecorder) {
	t.Helper()
	bus := broker.NewBus()
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)
	return New(bus, attempts, delay, time.Hour), rec
}

// TestRollup walks every combination of backend states and checks the
// overall value: healthy needs both up, offline needs both down, anything
// else is degraded.
func TestRollup(t *testing.T) {
	sup, _ := setupSupervisor(t, 3, time.Millisecond)
	ctx := context.Background()

	sup.Register(broker.BackendFastStore, func(ctx context.Context) error { return fmt.Errorf("down") })
	sup.Register(broker.BackendDurableStore, func(ctx context.Context) error { return fmt.Errorf("down") })

	assert.Equal(t, broker.OverallOffline, sup.Health().Overall)

	sup.MarkConnected(broker.BackendFastStore)
	assert.Equal(t, broker.OverallDegraded, sup.Health().Overall)

	sup.MarkConnected(broker.BackendDurableStore)
	assert.Equal(t, broker.OverallHealthy, sup.Health().Overall)

	sup.ReportError(ctx, broker.BackendFastStore, fmt.Errorf("connection reset"))
	assert.Equal(t, broker.OverallDegraded, sup.Health().Overall)

	sup.ReportError(ctx, broker.BackendDurableStore, fmt.Errorf("broker unreachable"))
	assert.Equal(t, broker.OverallOffline, sup.Health().Overall)
}

func TestHealthChangedEmittedOnTransitionOnly(t *testing.T) {
	sup, rec := setupSupervisor(t, 3, time.Millisecond)

	sup.Register(broker.BackendFastStore, func(ctx context.Context) error { return fmt.Errorf("down") })
	sup.Register(broker.BackendDurableStore, func(ctx context.Context) error { return fmt.Errorf("down") })

	sup.MarkConnected(broker.BackendFastStore)
	sup.MarkConnected(broker.BackendFastStore) // no transition

	changes := rec.ofType(broker.EventHealthChanged)
	require.Len(t, changes, 1)
	change := changes[0].Payload.(HealthChange)
	assert.Equal(t, broker.OverallOffline, change.Previous)
	assert.Equal(t, broker.OverallDegraded, change.Current)
}

func TestErrorCountAndLastError(t *testing.T) {
	sup, _ := setupSupervisor(t, 1, time.Millisecond)
	ctx := context.Background()

	sup.Register(broker.BackendFastStore, func(ctx context.Context) error { return fmt.Errorf("still down") })
	sup.ReportError(ctx, broker.BackendFastStore, fmt.Errorf("timeout"))

	status := sup.Health()
	assert.False(t, status.FastStore.Connected)
	assert.Equal(t, 1, status.FastStore.ErrorCount)
	assert.Equal(t, "timeout", status.FastStore.LastError)

	sup.MarkConnected(broker.BackendFastStore)
	status = sup.Health()
	assert.True(t, status.FastStore.Connected)
	assert.Zero(t, status.FastStore.ErrorCount)
	assert.Empty(t, status.FastStore.LastError)
}

// TestReconnectStormGuard injects ten consecutive failures with a cap of
// three attempts: exactly three connect calls happen, linearly spaced,
// then a single terminal reconnect_failed("redis") and nothing more.
func TestReconnectStormGuard(t *testing.T) {
	sup, rec := setupSupervisor(t, 3, 100*time.Millisecond)
	ctx := context.Background()

	var calls int32
	var stamps []time.Time
	var stampMu sync.Mutex
	sup.Register(broker.BackendFastStore, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		stampMu.Lock()
		stamps = append(stamps, time.Now())
		stampMu.Unlock()
		return fmt.Errorf("connect refused")
	})

	start := time.Now()
	for i := 0; i < 10; i++ {
		sup.ReportError(ctx, broker.BackendFastStore, fmt.Errorf("connect refused"))
	}

	require.Eventually(t, func() bool {
		return len(rec.ofType(broker.EventReconnectFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond, "terminal reconnect_failed not emitted")

	// Give any stray goroutine a moment to prove there isn't one.
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "retry cap must bound connect attempts")
	assert.Len(t, rec.ofType(broker.EventReconnectAttemptFailed), 3)

	failed := rec.ofType(broker.EventReconnectFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "redis", failed[0].Payload.(string))

	// Linear ramp: attempts land no earlier than 100, 300, 600 ms in.
	stampMu.Lock()
	defer stampMu.Unlock()
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[0].Sub(start), 100*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 200*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 300*time.Millisecond)
}

func TestReconnectSucceedsMidCycle(t *testing.T) {
	sup, rec := setupSupervisor(t, 5, 10*time.Millisecond)
	ctx := context.Background()

	var calls int32
	sup.Register(broker.BackendFastStore, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return fmt.Errorf("not yet")
		}
		return nil
	})

	sup.ReportError(ctx, broker.BackendFastStore, fmt.Errorf("dropped"))

	require.Eventually(t, func() bool {
		return sup.Connected(broker.BackendFastStore)
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Empty(t, rec.ofType(broker.EventReconnectFailed))
	assert.Len(t, rec.ofType(broker.EventReconnectAttemptFailed), 1)
}

func TestResetReArmsReconnect(t *testing.T) {
	sup, rec := setupSupervisor(t, 1, time.Millisecond)
	ctx := context.Background()

	var calls int32
	sup.Register(broker.BackendDurableStore, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return fmt.Errorf("down")
	})

	sup.ReportError(ctx, broker.BackendDurableStore, fmt.Errorf("down"))
	require.Eventually(t, func() bool {
		return len(rec.ofType(broker.EventReconnectFailed)) == 1
	}, 5*time.Second, time.Millisecond)

	// Terminal: further errors do not retry.
	sup.ReportError(ctx, broker.BackendDurableStore, fmt.Errorf("still down"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// After an external reset, the cycle starts again.
	sup.Reset(broker.BackendDurableStore)
	sup.ReportError(ctx, broker.BackendDurableStore, fmt.Errorf("down again"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, 5*time.Second, time.Millisecond)
}

func TestRunStampsHealthChecks(t *testing.T) {
	bus := broker.NewBus()
	sup := New(bus, 1, time.Millisecond, 10*time.Millisecond)
	sup.Register(broker.BackendFastStore, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		return sup.Health().FastStore.LastHealthCheck > 0
	}, 5*time.Second, 5*time.Millisecond)
}
