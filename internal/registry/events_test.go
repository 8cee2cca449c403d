package registry

import (
	"testing"
)

func TestEventBusDispatch(t *testing.T) {
	eb := NewEventBus(testLogger())

	var typed, all int
	eb.On(EventDeviceWoken, func(Event) { typed++ })
	eb.OnAll(func(Event) { all++ })

	eb.Emit(Event{Type: EventDeviceWoken})
	eb.Emit(Event{Type: EventDeviceDeleted})

	if typed != 1 {
		t.Errorf("typed handler called %d times, want 1", typed)
	}
	if all != 2 {
		t.Errorf("catch-all handler called %d times, want 2", all)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(testLogger())

	calls := 0
	off := eb.On(EventDeviceProbed, func(Event) { calls++ })
	eb.Emit(Event{Type: EventDeviceProbed})
	off()
	eb.Emit(Event{Type: EventDeviceProbed})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestEventBusRecoversPanics(t *testing.T) {
	eb := NewEventBus(testLogger())

	reached := false
	eb.OnAll(func(Event) { panic("boom") })
	eb.OnAll(func(Event) { reached = true })

	eb.Emit(Event{Type: EventDeviceUpserted})

	if !reached {
		t.Error("second handler not called after panic")
	}
}
