package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModeLimits are the outbound rate parameters of one channel mode.
type ModeLimits struct {
	Cooldown  time.Duration `yaml:"cooldown"`
	QueueSize int           `yaml:"queue_size"`
}

// Announcement is sent once to selected channels after the bot rejoins them.
type Announcement struct {
	Channels []string `yaml:"channels"`
	Message  string   `yaml:"message"`
}

// Logging toggles what the connector writes to the chat and system logs.
type Logging struct {
	Messages   bool `yaml:"messages"`
	Whispers   bool `yaml:"whispers"`
	Bits       bool `yaml:"bits"`
	Bans       bool `yaml:"bans"`
	Timeouts   bool `yaml:"timeouts"`
	ClearChats bool `yaml:"clear_chats"`
	Subs       bool `yaml:"subs"`
	GiftSubs   bool `yaml:"gift_subs"`
	Hosts      bool `yaml:"hosts"`
	Rituals    bool `yaml:"rituals"`
}

// PrivateMessages are the canned whisper replies.
type PrivateMessages struct {
	CommandFiltered string `yaml:"command_filtered"`
	NoCommand       string `yaml:"no_command"`
	Unrelated       string `yaml:"unrelated"`
}

// Platform is the per-platform behaviour read from PLATFORM_CONFIG.
type Platform struct {
	MessageLimit             int                   `yaml:"message_limit"`
	EvasionCharacter         string                `yaml:"evasion_character"`
	Modes                    map[string]ModeLimits `yaml:"modes"`
	PartChannelsOnPermaban   bool                  `yaml:"part_channels_on_permaban"`
	RecentBanThreshold       uint                  `yaml:"recent_ban_threshold"`
	RecentBanPartTimeout     time.Duration         `yaml:"recent_ban_part_timeout"`
	ClearRecentBansTimer     time.Duration         `yaml:"clear_recent_bans_timer"`
	TrackChannelsLiveStatus  bool                  `yaml:"track_channels_live_status"`
	UpdateAvailableBotEmotes bool                  `yaml:"update_available_bot_emotes"`
	ReconnectAnnouncement    *Announcement         `yaml:"reconnect_announcement"`
	IgnoredUserNotices       []string              `yaml:"ignored_user_notices"`
	SubscriptionPlans        map[string]string     `yaml:"subscription_plans"`
	Logging                  Logging               `yaml:"logging"`
	PrivateMessages          PrivateMessages       `yaml:"private_messages"`
	CommandPrefix            string                `yaml:"command_prefix"`
	JoinTimeout              time.Duration         `yaml:"join_timeout"`
	EmoteCacheTTL            time.Duration         `yaml:"emote_cache_ttl"`
}

// DefaultPlatform returns the settings used when no file is present.
func DefaultPlatform() *Platform {
	return &Platform{
		MessageLimit:     500,
		EvasionCharacter: "\U000E0000",
		Modes: map[string]ModeLimits{
			"write":     {Cooldown: 1250 * time.Millisecond, QueueSize: 5},
			"vip":       {Cooldown: 250 * time.Millisecond, QueueSize: 10},
			"moderator": {Cooldown: 50 * time.Millisecond, QueueSize: 25},
		},
		PartChannelsOnPermaban:  true,
		RecentBanThreshold:      0,
		RecentBanPartTimeout:    10 * time.Minute,
		ClearRecentBansTimer:    time.Minute,
		TrackChannelsLiveStatus: true,
		SubscriptionPlans: map[string]string{
			"1000":  "$5",
			"2000":  "$10",
			"3000":  "$25",
			"Prime": "Prime",
		},
		Logging: Logging{Messages: true, Whispers: true, Bans: true},
		PrivateMessages: PrivateMessages{
			CommandFiltered: "That command is not available here.",
			NoCommand:       "That is not a command I know.",
			Unrelated:       "I only respond to commands in whispers.",
		},
		CommandPrefix: "$",
		JoinTimeout:   10 * time.Second,
		EmoteCacheTTL: 30 * time.Minute,
	}
}

// LoadPlatform reads the YAML platform file at path on top of the defaults.
// A missing file yields the defaults.
func LoadPlatform(path string) (*Platform, error) {
	p := DefaultPlatform()
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read platform config: %w", err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse platform config %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("platform config %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects values the connector cannot work with.
func (p *Platform) Validate() error {
	if p.MessageLimit <= 0 {
		return fmt.Errorf("message_limit must be positive")
	}
	if p.CommandPrefix == "" {
		return fmt.Errorf("command_prefix must not be empty")
	}
	for name, m := range p.Modes {
		if m.Cooldown < 0 || m.QueueSize < 0 {
			return fmt.Errorf("mode %q: negative limits", name)
		}
	}
	return nil
}

// Limits returns the limits configured for a mode name, case-insensitively.
func (p *Platform) Limits(mode string) (ModeLimits, bool) {
	key := strings.ToLower(strings.ReplaceAll(mode, " ", "_"))
	m, ok := p.Modes[key]
	return m, ok
}

// AnnouncesTo reports whether channel is listed for the reconnect announcement.
func (p *Platform) AnnouncesTo(channel string) bool {
	if p.ReconnectAnnouncement == nil || p.ReconnectAnnouncement.Message == "" {
		return false
	}
	for _, c := range p.ReconnectAnnouncement.Channels {
		if strings.EqualFold(c, channel) {
			return true
		}
	}
	return false
}

// IgnoresNotice reports whether a USERNOTICE msg-id is ignored.
func (p *Platform) IgnoresNotice(msgID string) bool {
	for _, id := range p.IgnoredUserNotices {
		if id == msgID {
			return true
		}
	}
	return false
}

// PlanName maps a sub plan id to its display name, falling back to the id.
func (p *Platform) PlanName(plan string) string {
	if name, ok := p.SubscriptionPlans[plan]; ok {
		return name
	}
	return plan
}
