// Package eventbus fans engine lifecycle events out to in-process
// subscribers (admin API, logs, tests).
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber drops events instead of stalling the pipeline.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	RecordSent            = "record.sent"
	RecordRetryScheduled  = "record.retry_scheduled"
	RecordFailedPermanent = "record.failed_permanent"
	RecordCancelled       = "record.cancelled"
	OutboundSent          = "outbound.sent"
	OutboundFailed        = "outbound.failed_permanent"
	WaitlistPromoted      = "waitlist.promoted"
	TaskFailed            = "task.failed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events whose type is in types
	// (all events when types is empty) and a function that ends the
	// subscription and closes the channel.
	Subscribe(buffer int, types ...string) (<-chan Event, func())
	// Dropped counts events lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

// Nop discards everything; Subscribe returns a channel that never fires.
func Nop() Bus { return nopBus{} }

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(t string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sending under the read lock keeps unsubscribe (which closes under the
	// write lock) from racing a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer), types: slices.Clone(types)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

func (nopBus) Dropped() uint64 { return 0 }
