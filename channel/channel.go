// Package channel holds per-channel configuration and the ephemeral session state
// the connector keeps for every channel it knows about.
package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode governs whether inbound messages are processed and outbound messages are sent.
type Mode int

const (
	Inactive Mode = iota
	ReadOnly
	Write
	VIP
	Moderator
	LastSeenOnly
)

// String returns the name used in storage and configuration files.
func (m Mode) String() string {
	switch m {
	case Inactive:
		return "Inactive"
	case ReadOnly:
		return "Read"
	case Write:
		return "Write"
	case VIP:
		return "VIP"
	case Moderator:
		return "Moderator"
	case LastSeenOnly:
		return "Last seen"
	default:
		return "unknown"
	}
}

// CanSend reports whether outbound messages may be delivered in this mode.
func (m Mode) CanSend() bool {
	return m == Write || m == VIP || m == Moderator
}

// ParseMode converts a stored mode name back into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inactive":
		return Inactive, nil
	case "read", "readonly", "read-only":
		return ReadOnly, nil
	case "write":
		return Write, nil
	case "vip":
		return VIP, nil
	case "moderator":
		return Moderator, nil
	case "last seen", "lastseen", "last-seen":
		return LastSeenOnly, nil
	}
	return Inactive, fmt.Errorf("unknown channel mode %q", s)
}

// Record is the persisted configuration of a channel.
type Record struct {
	ID         int64
	Name       string
	SpecificID string // platform user id of the channel owner, may be empty
	Mode       Mode
	Mirror     string // name of a linked channel receiving mirrored messages
}

// Activity is the last chat activity seen in a channel.
type Activity struct {
	UserID int64
	At     time.Time
}

// SessionData is runtime state that is reset on every reconnect.
type SessionData struct {
	Joined       bool
	LastActivity Activity
	RecentBans   uint
	Parted       bool
}

// Channel is a chat channel known to the connector. Config fields are replaced on
// reload; session data lives as long as the Channel value does.
type Channel struct {
	mu      sync.Mutex
	rec     Record
	session SessionData
}

// New creates a channel from its persisted record.
func New(rec Record) *Channel {
	rec.Name = Normalize(rec.Name)
	return &Channel{rec: rec}
}

// Normalize lowercases a channel name and strips the IRC '#' prefix.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

func (c *Channel) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.ID
}

func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Name
}

func (c *Channel) SpecificID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.SpecificID
}

func (c *Channel) Mirror() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Mirror
}

func (c *Channel) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Mode
}

// SetMode changes the in-memory mode and returns the previous one.
// Persisting the change is the caller's job (see Registry.SaveMode).
func (c *Channel) SetMode(m Mode) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.rec.Mode
	c.rec.Mode = m
	return prev
}

// Record returns a copy of the channel configuration.
func (c *Channel) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *Channel) update(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.Name = c.rec.Name
	c.rec = rec
}

// Session returns a snapshot of the session data.
func (c *Channel) Session() SessionData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// UpdateSession applies fn to the session data under the channel lock.
func (c *Channel) UpdateSession(fn func(s *SessionData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.session)
}

// SetJoined records the membership state confirmed by the server.
func (c *Channel) SetJoined(joined bool) {
	c.UpdateSession(func(s *SessionData) { s.Joined = joined })
}

// TouchActivity records the user that spoke last.
func (c *Channel) TouchActivity(userID int64, at time.Time) {
	c.UpdateSession(func(s *SessionData) { s.LastActivity = Activity{UserID: userID, At: at} })
}

func (c *Channel) resetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = SessionData{}
}
