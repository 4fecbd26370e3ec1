package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribeDeliversByType(t *testing.T) {
	bus := NewBus()
	var gotLock, gotOther int

	bus.Subscribe(EventLockRetry, func(ev Event) { gotLock++ })
	bus.Subscribe(EventHealthChanged, func(ev Event) { gotOther++ })

	bus.Emit(Event{Type: EventLockRetry, Payload: "waiter-1"})
	bus.Emit(Event{Type: EventLockRetry, Payload: "waiter-2"})

	assert.Equal(t, 2, gotLock)
	assert.Equal(t, 0, gotOther)
}

func TestBus_SubscribeAllSeesEveryEvent(t *testing.T) {
	bus := NewBus()
	var seen []EventType

	bus.SubscribeAll(func(ev Event) { seen = append(seen, ev.Type) })

	bus.Emit(Event{Type: EventFastStoreConnected})
	bus.Emit(Event{Type: EventDurableStoreError})

	assert.Equal(t, []EventType{EventFastStoreConnected, EventDurableStoreError}, seen)
}
