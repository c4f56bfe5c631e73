// Package events carries chat events from the connector to interested parties.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies an event variant.
type Type string

const (
	TypeMessage      Type = "message"
	TypeSubscription Type = "subscription"
	TypeRaid         Type = "raid"
	TypeOnline       Type = "online"
	TypeOffline      Type = "offline"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Type() Type
	// Channel is the channel the event belongs to; empty for private events.
	Channel() string
	event()
}

// User is the sender of an event as known to the connector.
type User struct {
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name"`
	TwitchID string `json:"twitch_id,omitempty"`
}

// MessageEvent is a chat line or whisper. User is nil when the sender could
// not be resolved.
type MessageEvent struct {
	ChannelName string         `json:"channel,omitempty"`
	User        *User          `json:"user,omitempty"`
	Text        string         `json:"text"`
	Private     bool           `json:"private,omitempty"`
	Bits        int            `json:"bits,omitempty"`
	Emotes      []MessageEmote `json:"emotes,omitempty"`
	At          time.Time      `json:"at"`
}

// MessageEmote is an emote occurrence in a message.
type MessageEmote struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// SubscriptionEvent covers subs, resubs and gifted subs.
type SubscriptionEvent struct {
	ChannelName string `json:"channel"`
	User        User   `json:"user"`
	Months      int    `json:"months"`
	Streak      int    `json:"streak,omitempty"`
	Plan        string `json:"plan"`
	Gifted      bool   `json:"gifted,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	Amount      int    `json:"amount"`
	Message     string `json:"message,omitempty"`
}

// RaidEvent is an incoming raid.
type RaidEvent struct {
	ChannelName string `json:"channel"`
	User        User   `json:"user"`
	Viewers     int    `json:"viewers"`
}

// StreamInfo is the liveness data reported with online events.
type StreamInfo struct {
	Game    string    `json:"game,omitempty"`
	Title   string    `json:"title,omitempty"`
	Viewers int       `json:"viewers"`
	Since   time.Time `json:"since,omitempty"`
}

// OnlineEvent fires when a channel goes live.
type OnlineEvent struct {
	ChannelName string     `json:"channel"`
	Stream      StreamInfo `json:"stream"`
}

// OfflineEvent fires when a live channel stops streaming.
type OfflineEvent struct {
	ChannelName string `json:"channel"`
}

func (e MessageEvent) Type() Type      { return TypeMessage }
func (e SubscriptionEvent) Type() Type { return TypeSubscription }
func (e RaidEvent) Type() Type         { return TypeRaid }
func (e OnlineEvent) Type() Type       { return TypeOnline }
func (e OfflineEvent) Type() Type      { return TypeOffline }

func (e MessageEvent) Channel() string      { return e.ChannelName }
func (e SubscriptionEvent) Channel() string { return e.ChannelName }
func (e RaidEvent) Channel() string         { return e.ChannelName }
func (e OnlineEvent) Channel() string       { return e.ChannelName }
func (e OfflineEvent) Channel() string      { return e.ChannelName }

func (MessageEvent) event()      {}
func (SubscriptionEvent) event() {}
func (RaidEvent) event()         {}
func (OnlineEvent) event()       {}
func (OfflineEvent) event()      {}

// Envelope is the wire form of an event.
type Envelope struct {
	Type    Type   `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    Event  `json:"data"`
}

// Marshal encodes ev inside an Envelope.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(Envelope{Type: ev.Type(), Channel: ev.Channel(), Data: ev})
}
