package events

import (
	"sync"
)

// Subscriber receives events from the bus.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a pub/sub bus with per-channel and global subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	global      []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]Subscriber)}
}

// Subscribe registers sub for events of one channel.
func (b *Bus) Subscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
}

// Unsubscribe removes sub from a channel.
func (b *Bus) Unsubscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[channel]
	for i, s := range subs {
		if s == sub {
			b.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[channel]) == 0 {
		delete(b.subscribers, channel)
	}
}

// SubscribeGlobal registers sub for every event.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// UnsubscribeGlobal removes a global subscriber.
func (b *Bus) UnsubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.global {
		if s == sub {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to the subscribers of its channel and to global subscribers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Channel()]
	globals := b.global
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
	for _, s := range globals {
		if !s.Closed() {
			s.Receive(ev)
		}
	}
}

// FuncSubscriber adapts a function to a Subscriber that is never closed.
type FuncSubscriber struct {
	fn func(Event)
}

// OnEvent wraps fn as a Subscriber.
func OnEvent(fn func(Event)) *FuncSubscriber { return &FuncSubscriber{fn: fn} }

func (f *FuncSubscriber) Receive(ev Event) { f.fn(ev) }
func (f *FuncSubscriber) Closed() bool     { return false }

// Queue is a buffered Subscriber for consumers on another goroutine. Events
// arriving while the buffer is full are dropped.
type Queue struct {
	C chan Event

	mu     sync.Mutex
	closed bool
}

// NewQueue returns a Queue with the given buffer size.
func NewQueue(size int) *Queue {
	return &Queue{C: make(chan Event, size)}
}

func (q *Queue) Receive(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.C <- ev:
	default:
	}
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops delivery and closes C.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.C)
	}
}
