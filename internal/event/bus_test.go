package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionIdle, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionIdle, Data: SessionIdleData{SessionID: "ses_1"}})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != SessionIdle {
			t.Errorf("Expected SessionIdle, got %v", received.Type)
		}
		data, ok := received.Data.(SessionIdleData)
		if !ok || data.SessionID != "ses_1" {
			t.Errorf("Expected ses_1 payload, got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const n = 100
	got := make([]string, 0, n)
	done := make(chan struct{})

	unsub := bus.Subscribe(MessagePartUpdated, func(e Event) {
		got = append(got, e.Data.(string))
		if len(got) == n {
			close(done)
		}
	})
	defer unsub()

	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = string(rune('a' + i%26))
		bus.Publish(Event{Type: MessagePartUpdated, Data: want[i]})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out, received %d/%d events", len(got), n)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Event %d delivered out of order: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionIdle})
	bus.Publish(Event{Type: MessageUpdated})
	bus.Publish(Event{Type: SessionError})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("Expected 3 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(SessionIdle, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: SessionIdle})
	unsub()
	bus.PublishSync(Event{Type: SessionIdle})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery, got %d", got)
	}
}

func TestBus_UnsubscribeTwice(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	unsub := bus.Subscribe(SessionIdle, func(e Event) {})
	unsub()
	unsub() // must be a no-op
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(SessionIdle, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	_ = bus.Close()
	bus.Publish(Event{Type: SessionIdle})
	bus.PublishSync(Event{Type: SessionIdle})

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("Expected no deliveries after close, got %d", got)
	}
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	_ = bus.Close()

	unsub := bus.Subscribe(SessionIdle, func(e Event) {
		t.Error("subscriber called on closed bus")
	})
	unsub()
}
