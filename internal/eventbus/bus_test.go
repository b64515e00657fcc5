package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Publish(Event{Type: JobScheduled, Data: JobEvent{JobID: "j1"}})

	select {
	case e := <-ch:
		if e.Type != JobScheduled {
			t.Fatalf("Type = %s, want %s", e.Type, JobScheduled)
		}
		if je, ok := e.Data.(JobEvent); !ok || je.JobID != "j1" {
			t.Fatalf("Data = %#v, want JobEvent{JobID: j1}", e.Data)
		}
		if e.Time.IsZero() {
			t.Fatal("Time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: JobFired})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic even if a stale channel is still racing.
	bus.Publish(Event{Type: JobDelivered})
}
