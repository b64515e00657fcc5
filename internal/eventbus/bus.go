// Package eventbus decouples the delivery engine from its observers.
//
// The scheduler and dispatcher publish lifecycle events; the metrics
// collector (and tests) subscribe. Publish never blocks: slow subscribers
// drop events rather than stalling a firing job.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	JobScheduled    = "job.scheduled"
	JobFired        = "job.fired"
	JobDelivered    = "job.delivered"
	JobFailed       = "job.failed"
	JobCancelled    = "job.cancelled"
	DispatchAttempt = "dispatch.attempt"
	DestructDone    = "destruct.done"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the Data payload for job.* events.
type JobEvent struct {
	JobID   string
	Channel string
	Reason  string
}

// AttemptEvent is the Data payload for dispatch.attempt events.
type AttemptEvent struct {
	Backend string
	Kind    string // error kind, empty on success
	OK      bool
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
