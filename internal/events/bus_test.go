package events

import (
	"testing"
)

func TestBusOnAndUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	var got []string
	unsub := b.On(EventChunkProgress, func(e Event) { got = append(got, e.Type) })

	b.Emit(Event{Type: EventChunkProgress, Data: Progress{Chunk: 1}})
	b.Emit(Event{Type: EventSessionState})
	unsub()
	b.Emit(Event{Type: EventChunkProgress})

	if len(got) != 1 || got[0] != EventChunkProgress {
		t.Fatalf("got %v", got)
	}
}

func TestBusOnAll(t *testing.T) {
	b := NewBus(nil)
	n := 0
	b.OnAll(func(Event) { n++ })
	b.Emit(Event{Type: EventSessionState})
	b.Emit(Event{Type: EventStepResult})
	if n != 2 {
		t.Fatalf("OnAll handler called %d times, want 2", n)
	}
}

func TestBusRecoversPanic(t *testing.T) {
	b := NewBus(nil)
	called := false
	b.On(EventSessionDone, func(Event) { panic("boom") })
	b.OnAll(func(Event) { called = true })

	b.Emit(Event{Type: EventSessionDone})
	if !called {
		t.Fatal("panicking handler prevented delivery to others")
	}
}
