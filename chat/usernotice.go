package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/events"
)

func param(m twitch.UserNoticeMessage, key string) string {
	return m.MsgParams["msg-param-"+key]
}

func intParam(m twitch.UserNoticeMessage, key string) int {
	n, _ := strconv.Atoi(param(m, key))
	return n
}

// streak reads a month count where a missing or zero value means a first month.
func streak(m twitch.UserNoticeMessage, key string) int {
	return max(intParam(m, key), 1)
}

// handleUserNotice turns subs, gifts and raids into events. Events are only
// raised where the bot is allowed to talk; system logs are kept for every
// channel that is neither Inactive nor last-seen only.
func (c *Controller) handleUserNotice(ctx context.Context, msg twitch.UserNoticeMessage) {
	if c.platform.IgnoresNotice(msg.MsgID) {
		return
	}
	ch := c.channels.Get(msg.Channel)
	if ch == nil {
		return
	}
	mode := ch.Mode()
	emit := mode.CanSend()
	canLog := mode != channel.Inactive && mode != channel.LastSeenOnly
	user := events.User{Name: msg.User.Name, TwitchID: msg.User.ID}
	lg := c.log.With(slog.String("channel", ch.Name()), slog.String("msg_id", msg.MsgID))

	var ev events.Event
	var tag, text string
	var logIt bool
	switch msg.MsgID {
	case "sub", "resub":
		plan := c.platform.PlanName(param(msg, "sub-plan"))
		ev = events.SubscriptionEvent{
			ChannelName: ch.Name(),
			User:        user,
			Months:      intParam(msg, "cumulative-months"),
			Streak:      streak(msg, "streak-months"),
			Plan:        plan,
			Amount:      1,
			Message:     msg.Message,
		}
		tag, logIt = "Twitch.Sub", c.platform.Logging.Subs
		text = fmt.Sprintf("%s subscribed with %s (%d months)", user.Name, plan, intParam(msg, "cumulative-months"))
	case "subgift", "anonsubgift":
		plan := c.platform.PlanName(param(msg, "sub-plan"))
		recipient := param(msg, "recipient-user-name")
		ev = events.SubscriptionEvent{
			ChannelName: ch.Name(),
			User:        user,
			Months:      intParam(msg, "months"),
			Streak:      streak(msg, "months"),
			Plan:        plan,
			Gifted:      true,
			Recipient:   recipient,
			Amount:      1,
		}
		tag, logIt = "Twitch.Giftsub", c.platform.Logging.GiftSubs
		text = fmt.Sprintf("%s gifted a %s sub to %s", user.Name, plan, recipient)
	case "submysterygift", "anonsubmysterygift":
		plan := c.platform.PlanName(param(msg, "sub-plan"))
		amount := intParam(msg, "mass-gift-count")
		ev = events.SubscriptionEvent{
			ChannelName: ch.Name(),
			User:        user,
			Plan:        plan,
			Gifted:      true,
			Amount:      amount,
		}
		tag, logIt = "Twitch.Giftsub", c.platform.Logging.GiftSubs
		text = fmt.Sprintf("%s gifted %d %s subs", user.Name, amount, plan)
	case "raid":
		raider := param(msg, "login")
		if raider == "" {
			raider = msg.User.Name
		}
		viewers := intParam(msg, "viewerCount")
		ev = events.RaidEvent{
			ChannelName: ch.Name(),
			User:        events.User{Name: raider, TwitchID: msg.User.ID},
			Viewers:     viewers,
		}
		tag, logIt = "Twitch.Host", c.platform.Logging.Hosts
		text = fmt.Sprintf("raid by %s with %d viewers", raider, viewers)
	case "ritual":
		tag, logIt = "Twitch.Ritual", c.platform.Logging.Rituals
		text = fmt.Sprintf("ritual %s by %s: %s", param(msg, "ritual-name"), user.Name, msg.Message)
	default:
		lg.Debug("unhandled user notice", slog.String("system_msg", msg.SystemMsg))
		return
	}

	if ev != nil && emit {
		c.bus.Emit(ev)
	}
	if logIt && canLog && c.logs != nil {
		if err := c.logs.LogSystem(ctx, tag, text, ch); err != nil {
			lg.Warn("log user notice failed", slog.Any("err", err))
		}
	}
}
