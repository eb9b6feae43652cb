package coordinator

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventNotification, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventNotification, Data: "test"})

	if received.Type != EventNotification {
		t.Errorf("type = %q, want %q", received.Type, EventNotification)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventNotification, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventPollFailed})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAllAndUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventStateChanged})
	eb.Emit(Event{Type: EventIntervalChanged})
	eb.Emit(Event{Type: EventCommand})
	unsub()
	eb.Emit(Event{Type: EventCommand})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventCommand, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventCommand, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventCommand})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventStateChanged})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestEventBusNil(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: EventCommand})
}
