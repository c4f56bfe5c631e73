// Package outbound delivers chat messages to channels under per-mode rate limits.
//
// Each channel gets its own Scheduler: a bounded FIFO drained by a single
// goroutine that sends at most one message per cooldown. The Manager owns the
// schedulers, recreates them when a channel's mode changes, and rewrites
// consecutive identical messages so the chat service does not silently drop
// the second one.
package outbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/telemetry"
)

var (
	// ErrQueueFull is returned when a channel already holds MaxQueue pending messages.
	// The rejected message is the newest one; queued messages are kept in order.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrClosed is returned by Schedule after Destroy.
	ErrClosed = errors.New("outbound scheduler closed")
)

// Limits are the rate parameters of one channel mode.
type Limits struct {
	Cooldown time.Duration
	MaxQueue int
}

// SendFunc hands a message to the chat transport.
type SendFunc func(channel, text string) error

// Scheduler is the rate-limited send queue of a single channel.
type Scheduler struct {
	channel string
	mode    channel.Mode
	limits  Limits
	send    SendFunc
	log     *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	queue  []string
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler starts a scheduler for channel name in the given mode.
func NewScheduler(name string, mode channel.Mode, limits Limits, send SendFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	limit := rate.Inf
	if limits.Cooldown > 0 {
		limit = rate.Every(limits.Cooldown)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		channel: name,
		mode:    mode,
		limits:  limits,
		send:    send,
		log:     log.With(slog.String("channel", name)),
		limiter: rate.NewLimiter(limit, 1),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Mode is the channel mode the scheduler was created for.
func (s *Scheduler) Mode() channel.Mode { return s.mode }

// Limits returns the rate parameters in effect.
func (s *Scheduler) Limits() Limits { return s.limits }

// Len returns the number of pending messages.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Schedule appends text to the queue.
func (s *Scheduler) Schedule(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.limits.MaxQueue > 0 && len(s.queue) >= s.limits.MaxQueue {
		s.mu.Unlock()
		telemetry.IncDropped("queue_full", 1)
		return ErrQueueFull
	}
	s.queue = append(s.queue, text)
	n := len(s.queue)
	s.mu.Unlock()

	telemetry.SetQueueDepth(s.channel, n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Destroy stops dispatching and discards pending messages. A send already
// handed to the transport completes before Destroy returns. It returns the
// number of discarded messages.
func (s *Scheduler) Destroy() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return 0
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	telemetry.SetQueueDepth(s.channel, 0)
	return n
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				break
			}
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				return
			}
			text := s.queue[0]
			s.queue[0] = ""
			s.queue = s.queue[1:]
			n := len(s.queue)
			s.mu.Unlock()
			telemetry.SetQueueDepth(s.channel, n)

			if err := s.send(s.channel, text); err != nil {
				s.log.Warn("send failed", slog.Any("err", err))
				continue
			}
			telemetry.IncSent()
		}
	}
}
