package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/outbound"
	"github.com/NotNotQuinn/supibot/telemetry"
)

const (
	banphraseReply    = "That message violates this channel's moderation settings."
	noPermissionReply = "I don't have permission to do that."
)

// Send queues text for a channel through its outbound scheduler.
func (c *Controller) Send(ch *channel.Channel, text string) error {
	if ch == nil {
		return errors.New("send: nil channel")
	}
	return c.outbound.Send(ch, text)
}

// PrepareMessage collapses whitespace and cuts text to the platform message
// limit, leaving extraLength characters for a prefix added later.
func (c *Controller) PrepareMessage(text string, extraLength int) string {
	text = outbound.CollapseWhitespace(text)
	limit := c.platform.MessageLimit - extraLength
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
}

// PrivateMessage whispers a user through Helix. Line breaks are not allowed in whispers.
func (c *Controller) PrivateMessage(ctx context.Context, user, text string) error {
	text = strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text))
	if text == "" {
		return nil
	}
	if c.api == nil {
		return errors.New("private message: no twitch api client")
	}
	fromID, err := c.selfID(ctx)
	if err != nil {
		return fmt.Errorf("private message: resolve bot id: %w", err)
	}
	toID, err := c.GetUserID(ctx, user)
	if err != nil {
		return fmt.Errorf("private message: resolve %s: %w", user, err)
	}
	if err := c.api.SendWhisper(ctx, fromID, toID, text); err != nil {
		telemetry.IncTransportError(SendFailed.String())
		c.log.Warn("whisper failed", slog.String("user", user), slog.Any("err", err))
		return &TransportError{Kind: SendFailed, Err: err}
	}
	return nil
}

func (c *Controller) selfID(ctx context.Context) (string, error) {
	c.idMu.Lock()
	id := c.botID
	c.idMu.Unlock()
	if id != "" {
		return id, nil
	}
	id, err := c.GetUserID(ctx, c.selfName)
	if err != nil {
		return "", err
	}
	c.idMu.Lock()
	c.botID = id
	c.idMu.Unlock()
	return id, nil
}

// GetUserID returns the Twitch id of a login, preferring the stored one and
// persisting ids fetched from Helix.
func (c *Controller) GetUserID(ctx context.Context, login string) (string, error) {
	var user *db.User
	if c.users != nil {
		u, err := c.users.GetOrCreateUser(ctx, login, "")
		if err != nil {
			c.log.Warn("user lookup failed", slog.String("user", login), slog.Any("err", err))
		} else if u.TwitchID != "" {
			return u.TwitchID, nil
		} else {
			user = u
		}
	}
	if c.api == nil {
		return "", errors.New("no twitch api client")
	}
	id, err := c.api.GetUserID(ctx, login)
	if err != nil {
		return "", err
	}
	if user != nil {
		if err := c.users.SetTwitchID(ctx, user.ID, id); err != nil {
			c.log.Warn("store twitch id failed", slog.String("user", login), slog.Any("err", err))
		}
	}
	return id, nil
}

// FetchUserList returns the chatters of a channel; failures yield an empty list.
func (c *Controller) FetchUserList(ctx context.Context, channelName string) []string {
	if c.api == nil {
		return nil
	}
	return c.api.FetchChatters(ctx, channel.Normalize(channelName))
}

// IsUserChannelOwner reports whether user owns ch.
func IsUserChannelOwner(ch *channel.Channel, user *db.User) bool {
	if ch == nil || user == nil || user.TwitchID == "" {
		return false
	}
	return ch.SpecificID() == user.TwitchID
}

// mirror forwards a line to the channel linked to ch.
func (c *Controller) mirror(ch *channel.Channel, userName, text string) {
	target := c.channels.Get(ch.Mirror())
	if target == nil {
		c.log.Warn("mirror target unknown", slog.String("channel", ch.Name()), slog.String("mirror", ch.Mirror()))
		return
	}
	line := c.PrepareMessage(fmt.Sprintf("[#%s] %s: %s", ch.Name(), userName, text), 0)
	if err := c.Send(target, line); err != nil {
		c.log.Warn("mirror failed", slog.String("channel", ch.Name()), slog.Any("err", err))
	}
}

// replyOnce sends text unless the last message of the channel already was that reply.
func (c *Controller) replyOnce(ch *channel.Channel, text string) {
	if ch == nil || strings.HasPrefix(c.outbound.Last(ch.Name()), text) {
		return
	}
	if err := c.Send(ch, text); err != nil {
		c.log.Warn("reply failed", slog.String("channel", ch.Name()), slog.Any("err", err))
	}
}
