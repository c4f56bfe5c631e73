// Package tasks schedules single-shot deferred work keyed by channel. Cancelling
// a channel's tasks guarantees none of its callbacks run afterwards, so callbacks
// never have to check whether their channel still exists.
package tasks

import (
	"sync"
	"time"
)

// Kind names a class of task; a channel has at most one pending task per kind.
type Kind string

const (
	BanDecay       Kind = "ban-decay"
	RejoinAfterBan Kind = "rejoin-after-ban"
)

type key struct {
	channel string
	kind    Kind
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Set holds pending tasks.
type Set struct {
	mu      sync.Mutex
	pending map[key]entry
	gen     uint64
	stopped bool
}

// NewSet returns an empty task set.
func NewSet() *Set {
	return &Set{pending: make(map[key]entry)}
}

// Schedule runs fn after d unless a task of the same kind is already pending
// for the channel. It reports whether the task was scheduled.
func (s *Set) Schedule(channel string, kind Kind, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	k := key{channel, kind}
	if _, ok := s.pending[k]; ok {
		return false
	}
	s.gen++
	gen := s.gen
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		e, ok := s.pending[k]
		if !ok || e.gen != gen {
			// cancelled or superseded after the timer fired
			s.mu.Unlock()
			return
		}
		delete(s.pending, k)
		s.mu.Unlock()
		fn()
	})
	s.pending[k] = entry{timer: t, gen: gen}
	return true
}

// Pending reports whether a task of kind is waiting for the channel.
func (s *Set) Pending(channel string, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key{channel, kind}]
	return ok
}

// Cancel drops one pending task.
func (s *Set) Cancel(channel string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{channel, kind}
	if e, ok := s.pending[k]; ok {
		e.timer.Stop()
		delete(s.pending, k)
	}
}

// CancelChannel drops every pending task of the channel.
func (s *Set) CancelChannel(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.pending {
		if k.channel == channel {
			e.timer.Stop()
			delete(s.pending, k)
		}
	}
}

// CancelAll drops every pending task.
func (s *Set) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, k)
	}
}

// Stop cancels everything and refuses new tasks.
func (s *Set) Stop() {
	s.CancelAll()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Len returns the number of pending tasks.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
