package chat

import (
	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/NotNotQuinn/supibot/channel"
)

// privateLane is the lane key of whispers.
const privateLane = "\x00whispers"

// bind registers the controller's handlers on a go-twitch-irc client.
// Callbacks run on the client's reader goroutine, so each one only hands the
// message to the lane of its channel.
func (c *Controller) bind(client *twitch.Client) {
	client.OnConnect(c.onConnect)
	// membership changes are cheap and answer pending joins, so they skip the lanes
	client.OnSelfJoinMessage(func(m twitch.UserJoinMessage) { c.handleSelfJoin(m.Channel) })
	client.OnSelfPartMessage(func(m twitch.UserPartMessage) { c.handleSelfPart(m.Channel) })
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		c.lanes.run(channel.Normalize(m.Channel), func() { c.handlePrivateMessage(c.ctx, m) })
	})
	client.OnWhisperMessage(func(m twitch.WhisperMessage) {
		c.lanes.run(privateLane, func() { c.handleWhisper(c.ctx, m) })
	})
	client.OnClearChatMessage(func(m twitch.ClearChatMessage) {
		c.lanes.run(channel.Normalize(m.Channel), func() { c.handleClearChat(c.ctx, m) })
	})
	client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		c.lanes.run(channel.Normalize(m.Channel), func() { c.handleUserNotice(c.ctx, m) })
	})
	client.OnUserStateMessage(func(m twitch.UserStateMessage) {
		c.lanes.run(channel.Normalize(m.Channel), func() { c.handleUserState(c.ctx, m) })
	})
	client.OnNoticeMessage(c.onNotice)
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		c.log.Info("server requested reconnect")
	})
}

// onNotice answers pending joins right away, since the channel lane may be
// busy, and handles the rest on the lane.
func (c *Controller) onNotice(m twitch.NoticeMessage) {
	name := channel.Normalize(m.Channel)
	kind, isErr := classifyNotice(m.MsgID)
	if isErr && kind.failsJoin() {
		c.resolveJoin(name, &TransportError{Kind: kind, Channel: name, Code: m.MsgID, Message: m.Message})
	}
	c.lanes.run(name, func() { c.handleNotice(c.ctx, m) })
}
