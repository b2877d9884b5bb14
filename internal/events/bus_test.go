package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewBus(t *testing.T) {
	bus := NewBus()
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received atomic.Bool
	var receivedEvent Event

	unsubscribe := bus.Subscribe("server.removed", func(event Event) {
		received.Store(true)
		receivedEvent = event
	})
	defer unsubscribe()

	event := Event{Type: "server.removed", Subject: "10.0.0.1:9000"}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if !received.Load() {
		t.Error("expected event to be received")
	}
	if receivedEvent.Subject != "10.0.0.1:9000" {
		t.Errorf("Subject = %q, want %q", receivedEvent.Subject, "10.0.0.1:9000")
	}
}

func TestBus_SubscribeAll_ReceivesEveryType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count atomic.Int32
	unsubscribe := bus.SubscribeAll(func(event Event) {
		count.Add(1)
	})
	defer unsubscribe()

	_ = bus.Publish(context.Background(), Event{Type: "server.removed"})
	_ = bus.Publish(context.Background(), Event{Type: "session.expired"})

	time.Sleep(50 * time.Millisecond)

	if count.Load() != 2 {
		t.Errorf("count = %d, want 2", count.Load())
	}
}

func TestBus_Unsubscribe_StopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count atomic.Int32
	unsubscribe := bus.Subscribe("server.removed", func(event Event) {
		count.Add(1)
	})

	_ = bus.Publish(context.Background(), Event{Type: "server.removed"})
	time.Sleep(20 * time.Millisecond)
	unsubscribe()

	_ = bus.Publish(context.Background(), Event{Type: "server.removed"})
	time.Sleep(20 * time.Millisecond)

	if count.Load() != 1 {
		t.Errorf("count = %d, want 1 (second publish after unsubscribe should not be delivered)", count.Load())
	}
}

func TestBus_Publish_AfterClose_ReturnsErrBusClosed(t *testing.T) {
	bus := NewBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	err := bus.Publish(context.Background(), Event{Type: "server.removed"})
	if err != ErrBusClosed {
		t.Errorf("Publish() after Close() = %v, want ErrBusClosed", err)
	}
}

func TestBus_HandlerPanic_DoesNotCrashBus(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe("server.removed", func(event Event) {
		panic("boom")
	})
	defer unsubscribe()

	var recovered atomic.Bool
	unsubscribe2 := bus.Subscribe("server.removed", func(event Event) {
		recovered.Store(true)
	})
	defer unsubscribe2()

	if err := bus.Publish(context.Background(), Event{Type: "server.removed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if !recovered.Load() {
		t.Error("expected second subscriber to still receive the event after the first panicked")
	}
}
