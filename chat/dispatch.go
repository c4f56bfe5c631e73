package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/command"
	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/events"
	"github.com/NotNotQuinn/supibot/moderation"
	"github.com/NotNotQuinn/supibot/telemetry"
)

func messageTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func eventUser(u *db.User) *events.User {
	if u == nil {
		return nil
	}
	return &events.User{ID: u.ID, Name: u.Name, TwitchID: u.TwitchID}
}

func messageEmotes(list []*twitch.Emote) []events.MessageEmote {
	if len(list) == 0 {
		return nil
	}
	out := make([]events.MessageEmote, 0, len(list))
	for _, e := range list {
		out = append(out, events.MessageEmote{ID: e.ID, Name: e.Name, Count: e.Count})
	}
	return out
}

func (c *Controller) resolveUser(ctx context.Context, name, twitchID string) (*db.User, error) {
	if c.users == nil {
		return nil, fmt.Errorf("no user store")
	}
	u, err := c.users.GetOrCreateUser(ctx, name, twitchID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s not found", name)
	}
	return u, nil
}

func (c *Controller) handlePrivateMessage(ctx context.Context, msg twitch.PrivateMessage) {
	at := messageTime(msg.Time)
	ch := c.channels.Get(msg.Channel)
	user, err := c.resolveUser(ctx, msg.User.Name, msg.User.ID)
	if err != nil {
		c.log.Warn("could not resolve message author", slog.String("user", msg.User.Name), slog.String("channel", msg.Channel), slog.Any("err", err))
		if ch != nil {
			c.bus.Emit(events.MessageEvent{ChannelName: ch.Name(), Text: msg.Message, Bits: msg.Bits, At: at})
		}
		return
	}
	if ch == nil {
		c.log.Warn("message from unknown channel", slog.String("channel", msg.Channel))
		return
	}
	lg := c.log.With(slog.String("channel", ch.Name()), slog.String("user", user.Name))

	ch.TouchActivity(user.ID, at)
	if c.commands != nil {
		c.commands.ResolveUserMessage(ch.Name(), user.ID, msg.Message)
	}

	switch ch.Mode() {
	case channel.LastSeenOnly:
		if c.logs != nil {
			if err := c.logs.UpdateLastSeen(ctx, ch, user, msg.Message, at); err != nil {
				lg.Warn("update last seen failed", slog.Any("err", err))
			}
		}
		return
	case channel.Inactive:
		return
	}

	c.bus.Emit(events.MessageEvent{
		ChannelName: ch.Name(),
		User:        eventUser(user),
		Text:        msg.Message,
		Bits:        msg.Bits,
		Emotes:      messageEmotes(msg.Emotes),
		At:          at,
	})
	if c.platform.Logging.Messages && c.chatLog != nil {
		c.chatLog.Enqueue(db.ChatLogEntry{
			MessageID: msg.ID,
			ChannelID: ch.ID(),
			UserID:    user.ID,
			Username:  user.Name,
			Text:      msg.Message,
			Bits:      msg.Bits,
			SentAt:    at,
		})
	}

	if ch.Mode() == channel.ReadOnly {
		return
	}

	c.checkActive(ctx, user, ch)

	if ch.Mirror() != "" {
		c.mirror(ch, user.Name, msg.Message)
	}

	if user.Name == c.selfName {
		c.updateSelfMode(ctx, ch, msg.User.Badges)
		return
	}

	if msg.Bits > 0 && c.platform.Logging.Bits && c.logs != nil {
		if err := c.logs.LogSystem(ctx, "Twitch.Other", fmt.Sprintf("%d bits", msg.Bits), ch); err != nil {
			lg.Warn("log bits failed", slog.Any("err", err))
		}
	}

	c.dispatchCommand(ctx, ch, user, msg.Message, false)
}

// checkActive runs the reminder and AFK checks of a speaking user.
func (c *Controller) checkActive(ctx context.Context, user *db.User, ch *channel.Channel) {
	if c.reminders != nil {
		if _, err := c.reminders.CheckActive(ctx, user.ID, user.Name, ch); err != nil {
			c.log.Warn("reminder check failed", slog.String("user", user.Name), slog.Any("err", err))
		}
	}
	if c.afk != nil {
		if _, err := c.afk.CheckActive(ctx, user.ID, user.Name, ch); err != nil {
			c.log.Warn("afk check failed", slog.String("user", user.Name), slog.Any("err", err))
		}
	}
}

// selfMode derives the bot's mode from the badges on its own message.
func selfMode(badges map[string]int) channel.Mode {
	switch {
	case badges["moderator"] > 0 || badges["broadcaster"] > 0:
		return channel.Moderator
	case badges["vip"] > 0:
		return channel.VIP
	default:
		return channel.Write
	}
}

func (c *Controller) updateSelfMode(ctx context.Context, ch *channel.Channel, badges map[string]int) {
	mode := selfMode(badges)
	prev := ch.Mode()
	if prev == mode {
		return
	}
	if err := c.channels.SaveMode(ctx, ch, mode); err != nil {
		c.log.Error("save self mode failed", slog.String("channel", ch.Name()), slog.Any("err", err))
		return
	}
	c.log.Info("bot mode changed", slog.String("channel", ch.Name()), slog.String("from", prev.String()), slog.String("to", mode.String()))
}

func (c *Controller) handleWhisper(ctx context.Context, msg twitch.WhisperMessage) {
	user, err := c.resolveUser(ctx, msg.User.Name, msg.User.ID)
	if err != nil {
		c.log.Warn("could not resolve whisper author", slog.String("user", msg.User.Name), slog.Any("err", err))
		return
	}
	if c.commands != nil {
		c.commands.ResolveUserMessage("", user.ID, msg.Message)
	}
	if c.platform.Logging.Whispers && c.logs != nil {
		if err := c.logs.LogSystem(ctx, "Twitch.Other", "whisper: "+msg.Message, nil); err != nil {
			c.log.Warn("log whisper failed", slog.Any("err", err))
		}
	}
	c.bus.Emit(events.MessageEvent{
		User:    eventUser(user),
		Text:    msg.Message,
		Private: true,
		Emotes:  messageEmotes(msg.Emotes),
		At:      time.Now().UTC(),
	})
	if user.Name == c.selfName {
		return
	}
	if c.commands == nil || !c.commands.Is(msg.Message) {
		c.privateReply(ctx, user.Name, c.platform.PrivateMessages.Unrelated)
		return
	}
	c.dispatchCommand(ctx, nil, user, msg.Message, true)
}

// dispatchCommand parses text and runs the command off the channel lane.
func (c *Controller) dispatchCommand(ctx context.Context, ch *channel.Channel, user *db.User, text string, private bool) {
	if c.commands == nil || !c.commands.Is(text) {
		return
	}
	name, args, ok := c.commands.Parse(text)
	if !ok {
		return
	}
	inv := command.Invocation{
		Command: name,
		Args:    args,
		User:    command.User{ID: user.ID, Name: user.Name, TwitchID: user.TwitchID},
		Channel: ch,
		Private: private,
		Text:    text,
	}
	c.spawn(func() { c.handleCommand(ctx, inv) })
}

// handleCommand executes a command and delivers its reply.
func (c *Controller) handleCommand(ctx context.Context, inv command.Invocation) {
	res := c.commands.Execute(ctx, inv)
	if inv.Private && !res.Success {
		switch {
		case res.Reason == command.ReasonFilter && res.Reply == "":
			c.privateReply(ctx, inv.User.Name, c.platform.PrivateMessages.CommandFiltered)
			return
		case res.Reason == command.ReasonNoCommand:
			c.privateReply(ctx, inv.User.Name, c.platform.PrivateMessages.NoCommand)
			return
		}
	}
	if res.Reply == "" {
		return
	}
	if inv.Private || res.ReplyWithPrivateMessage || inv.Channel == nil {
		text := c.PrepareMessage(res.Reply, len("/w "+inv.User.Name+" "))
		c.privateReply(ctx, inv.User.Name, text)
		return
	}
	text := c.PrepareMessage(res.Reply, 0)
	if inv.Channel.Mirror() != "" {
		c.mirror(inv.Channel, c.selfName, text)
	}
	if err := c.Send(inv.Channel, text); err != nil {
		c.log.Warn("command reply not sent", slog.String("channel", inv.Channel.Name()), slog.String("command", inv.Command), slog.Any("err", err))
	}
}

func (c *Controller) privateReply(ctx context.Context, user, text string) {
	if text == "" {
		return
	}
	if err := c.PrivateMessage(ctx, user, text); err != nil {
		c.log.Warn("private reply failed", slog.String("user", user), slog.Any("err", err))
	}
}

func (c *Controller) handleClearChat(ctx context.Context, msg twitch.ClearChatMessage) {
	ch := c.channels.Get(msg.Channel)
	if ch == nil {
		return
	}
	c.moderation.HandleClearChat(ctx, ch, moderation.Ban{
		Username: msg.TargetUsername,
		UserID:   msg.TargetUserID,
		Duration: time.Duration(msg.BanDuration) * time.Second,
		Reason:   msg.Tags["ban-reason"],
		At:       messageTime(msg.Time),
	})
}

func (c *Controller) handleNotice(ctx context.Context, msg twitch.NoticeMessage) {
	name := channel.Normalize(msg.Channel)
	if ignoredNotices[msg.MsgID] {
		return
	}
	kind, isErr := classifyNotice(msg.MsgID)
	if !isErr {
		c.log.Info("notice", slog.String("channel", name), slog.String("msg_id", msg.MsgID), slog.String("message", msg.Message))
		return
	}
	telemetry.IncTransportError(kind.String())
	lg := c.log.With(slog.String("channel", name), slog.String("msg_id", msg.MsgID))
	ch := c.channels.Get(name)

	switch kind {
	case Banned:
		lg.Warn("bot is banned in channel")
		if ch != nil {
			c.moderation.HandleBannedNotice(ctx, ch)
		}
	case ChannelSuspended:
		lg.Warn("channel unavailable", slog.String("message", msg.Message))
	case Banphrase:
		lg.Warn("message rejected by channel moderation", slog.String("message", msg.Message))
		c.replyOnce(ch, banphraseReply)
	case NoPermission:
		lg.Warn("missing permission", slog.String("message", msg.Message))
		c.replyOnce(ch, noPermissionReply)
	default:
		lg.Info("message not delivered", slog.String("message", msg.Message))
	}
}

func (c *Controller) handleUserState(ctx context.Context, msg twitch.UserStateMessage) {
	if c.emotes == nil || !c.platform.UpdateAvailableBotEmotes {
		return
	}
	if c.emotes.UpdateAuthorizedSets(ctx, msg.EmoteSets) {
		c.log.Info("bot emote sets changed", slog.Int("sets", len(msg.EmoteSets)))
	}
}
