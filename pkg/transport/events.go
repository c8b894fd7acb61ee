package transport

import (
	"sync"
	"sync/atomic"
)

// Subscription receives push events until it is closed or the broadcaster
// shuts down, at which point C is closed.
type Subscription struct {
	C <-chan PushEvent

	id      uint64
	ch      chan PushEvent
	b       *Broadcaster
	dropped atomic.Int64
	once    sync.Once
}

// Dropped returns how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s.id)
}

// Broadcaster fans push events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscriptions default to
// buffer slots.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 128
	}
	return &Broadcaster{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscribe registers a subscriber. A non-positive buffer uses the default.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.buffer
	}
	ch := make(chan PushEvent, buffer)
	s := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every subscriber that has room.
func (b *Broadcaster) Publish(ev PushEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}
