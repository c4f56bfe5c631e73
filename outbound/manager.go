package outbound

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/telemetry"
)

// DefaultEvasion is the invisible tag character appended to repeated messages.
const DefaultEvasion = "\U000E0000"

// Manager owns one Scheduler per channel.
type Manager struct {
	limits  map[channel.Mode]Limits
	evasion string
	send    SendFunc
	log     *slog.Logger

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	last       map[string]string
	closed     bool
}

// NewManager returns a Manager that sends through send. Modes missing from
// limits get no cooldown and an unbounded queue.
func NewManager(limits map[channel.Mode]Limits, evasion string, send SendFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if evasion == "" {
		evasion = DefaultEvasion
	}
	return &Manager{
		limits:     limits,
		evasion:    evasion,
		send:       send,
		log:        log.With(slog.String("component", "outbound")),
		schedulers: make(map[string]*Scheduler),
		last:       make(map[string]string),
	}
}

// Send queues text for ch. Channels whose mode cannot send are skipped silently.
func (m *Manager) Send(ch *channel.Channel, text string) error {
	mode := ch.Mode()
	if !mode.CanSend() {
		return nil
	}
	name := ch.Name()
	text = CollapseWhitespace(text)
	if text == "" {
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sched := m.schedulers[name]
	var stale *Scheduler
	if sched == nil || sched.Mode() != mode {
		stale = sched
		sched = NewScheduler(name, mode, m.limits[mode], m.send, m.log)
		m.schedulers[name] = sched
	}
	payload := m.evade(m.last[name], text)
	if err := sched.Schedule(payload); err != nil {
		m.mu.Unlock()
		m.discard(stale, name)
		m.log.Warn("message not queued", slog.String("channel", name), slog.Any("err", err))
		return fmt.Errorf("queue message for %s: %w", name, err)
	}
	m.last[name] = payload
	m.mu.Unlock()

	m.discard(stale, name)
	return nil
}

func (m *Manager) discard(s *Scheduler, name string) {
	if s == nil {
		return
	}
	if n := s.Destroy(); n > 0 {
		telemetry.IncDropped("mode_changed", n)
		m.log.Info("discarded pending messages after mode change", slog.String("channel", name), slog.Int("count", n))
	}
}

// evade makes text differ from the previous payload of the channel.
func (m *Manager) evade(last, text string) string {
	if text != last {
		return text
	}
	if strings.HasSuffix(text, m.evasion) {
		stripped := strings.TrimRight(strings.TrimSuffix(text, m.evasion), " ")
		if stripped != "" {
			return stripped
		}
	}
	return text + " " + m.evasion
}

// Last returns the last payload queued for the channel.
func (m *Manager) Last(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[name]
}

// Scheduler returns the live scheduler of a channel, if one exists.
func (m *Manager) Scheduler(name string) (*Scheduler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedulers[name]
	return s, ok
}

// Drop destroys the scheduler of a channel, discarding its queue.
func (m *Manager) Drop(name string) {
	m.mu.Lock()
	s := m.schedulers[name]
	delete(m.schedulers, name)
	m.mu.Unlock()
	if s != nil {
		telemetry.IncDropped("closed", s.Destroy())
	}
}

// Close destroys every scheduler. Later sends return ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := m.schedulers
	m.schedulers = make(map[string]*Scheduler)
	m.mu.Unlock()
	for _, s := range all {
		telemetry.IncDropped("closed", s.Destroy())
	}
}

// CollapseWhitespace replaces every run of whitespace with a single space and trims the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
