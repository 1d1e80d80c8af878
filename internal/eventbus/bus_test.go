package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TaskCompleted, Data: TaskEvent{TaskID: "t1"}})

	select {
	case e := <-ch:
		if e.Type != TaskCompleted {
			t.Fatalf("type = %s", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("publish did not stamp time")
		}
		data, ok := e.Data.(TaskEvent)
		if !ok || data.TaskID != "t1" {
			t.Fatalf("data = %+v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNonBlockingWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody is draining ch; extra events must be dropped, not block.
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TaskClaimed})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TaskFailed})
	// Unsubscribing twice is a no-op.
	unsub()
}

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(2)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(2)
	defer unsub2()

	b.Publish(Event{Type: ProviderHealth, Data: ProviderEvent{ProviderID: "p", Healthy: false}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != ProviderHealth {
				t.Fatalf("subscriber %d: type = %s", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: event not delivered", i)
		}
	}
}
