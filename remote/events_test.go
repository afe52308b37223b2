package remote

import (
	"testing"
)

func TestEventBusDispatchOrder(t *testing.T) {
	bus := NewEventBus(0)

	var order []int
	for i := 0; i < 3; i++ {
		n := i
		bus.Subscribe(EventCommandSent, func(Event) {
			order = append(order, n)
		})
	}

	bus.Publish(Event{Type: EventCommandSent})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("handlers ran in order %v, want [0 1 2]", order)
	}
}

func TestEventBusTypeIsolation(t *testing.T) {
	bus := NewEventBus(0)

	fired := 0
	bus.Subscribe(EventDeviceConnected, func(Event) { fired++ })

	bus.Publish(Event{Type: EventDeviceDisconnected})
	bus.Publish(Event{Type: EventErrorOccurred})
	if fired != 0 {
		t.Fatalf("handler fired %d times for other event types", fired)
	}

	bus.Publish(Event{Type: EventDeviceConnected})
	if fired != 1 {
		t.Fatalf("handler fired %d times, want 1", fired)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(0)

	fired := 0
	unsub := bus.Subscribe(EventCommandSent, func(Event) { fired++ })

	bus.Publish(Event{Type: EventCommandSent})
	unsub()
	unsub() // second call is a no-op
	bus.Publish(Event{Type: EventCommandSent})

	if fired != 1 {
		t.Fatalf("handler fired %d times, want 1", fired)
	}
}

func TestEventBusPanicIsolation(t *testing.T) {
	bus := NewEventBus(0)

	var after int
	bus.Subscribe(EventErrorOccurred, func(Event) { panic("boom") })
	bus.Subscribe(EventErrorOccurred, func(Event) { after++ })

	bus.Publish(Event{Type: EventErrorOccurred})

	if after != 1 {
		t.Fatal("handler after the panicking one did not run")
	}
}

func TestEventBusHistoryBounded(t *testing.T) {
	bus := NewEventBus(5)

	for i := 0; i < 12; i++ {
		bus.Publish(Event{Type: EventCommandSent})
	}

	hist := bus.History()
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want 5", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Fatal("history is not oldest-first")
		}
	}
}

func TestEventBusTimestampFilled(t *testing.T) {
	bus := NewEventBus(0)

	var got Event
	bus.Subscribe(EventDeviceDiscovered, func(ev Event) { got = ev })
	bus.Publish(Event{Type: EventDeviceDiscovered})

	if got.Timestamp.IsZero() {
		t.Fatal("publish did not stamp the event")
	}
}
