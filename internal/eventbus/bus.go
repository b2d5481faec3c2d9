// Package eventbus fans lifecycle signals (task.*, schedule.*, config.*) out to
// in-process observers without ever blocking the publisher.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event carries a small, JSON-serializable payload.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events whose type starts with
	// one of prefixes (all events when none are given). Slow subscribers lose events.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// MemBus is an in-memory fanout bus. It owns no goroutines.
type MemBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.ch, e)
	}
}

// deliver recovers from a send on a channel closed by a concurrent unsubscribe.
func (b *MemBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *MemBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Stats reports how many events were published and how many deliveries were dropped.
func (b *MemBus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}
