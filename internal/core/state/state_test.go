package state

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus(testLogger())
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: EventStateChanged})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != EventStateChanged || evt.Timestamp.IsZero() {
				t.Errorf("%s got %+v", name, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s got no event", name)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Error("channel still open after unsubscribe")
	}
	bus.Publish(Event{Type: EventStateChanged})
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventEntityAdded})
	bus.Publish(Event{Type: EventEntityRemoved})

	if evt := <-ch; evt.Type != EventEntityAdded {
		t.Errorf("first event = %s", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %s", evt.Type)
	default:
	}
}

func TestStateStoreLifecycle(t *testing.T) {
	bus := NewEventBus(testLogger())
	events, unsub := bus.Subscribe(16)
	defer unsub()
	store := NewStateStore(bus, testLogger())

	store.SetState(EntityState{UniqueID: "ghost", State: "1"})

	store.Add(EntityInfo{UniqueID: "AA_battery_level", EntryID: "e1", Name: "Battery level"})
	store.SetState(EntityState{UniqueID: "AA_battery_level", State: "80", Available: true})

	e, ok := store.Get("AA_battery_level")
	if !ok || e.State == nil || e.State.State != "80" {
		t.Fatalf("Get() = %+v, %v", e, ok)
	}

	// Re-adding keeps state.
	store.Add(EntityInfo{UniqueID: "AA_battery_level", EntryID: "e1", Name: "Battery"})
	e, _ = store.Get("AA_battery_level")
	if e.State == nil || e.Info.Name != "Battery" {
		t.Errorf("re-add lost state or info: %+v", e)
	}

	store.Add(EntityInfo{UniqueID: "AA_a"})
	snap := store.Snapshot()
	if len(snap) != 2 || snap[0].Info.UniqueID != "AA_a" {
		t.Errorf("Snapshot() = %+v", snap)
	}

	store.Remove("AA_battery_level")
	store.Remove("AA_battery_level")
	if _, ok := store.Get("AA_battery_level"); ok {
		t.Error("entity still present after Remove")
	}

	want := []EventType{EventEntityAdded, EventStateChanged, EventEntityAdded, EventEntityAdded, EventEntityRemoved}
	for i, typ := range want {
		evt := <-events
		if evt.Type != typ {
			t.Fatalf("event %d = %s, want %s", i, evt.Type, typ)
		}
	}
}
