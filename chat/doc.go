// Package chat is the Twitch chat connector.
//
// A Controller owns the IRC session (github.com/gempir/go-twitch-irc/v4),
// joins every joinable channel on connect, and dispatches inbound events:
//   - PRIVMSG and WHISPER go through user resolution, mode gating, event
//     emission, the chat log, reminder/AFK checks, mirroring and commands.
//   - CLEARCHAT and msg_banned NOTICEs feed the moderation tracker.
//   - NOTICE msg-ids become structured TransportErrors; join failures are
//     kept for the hourly rejoin sweep.
//   - USERNOTICE becomes subscription and raid events.
//   - USERSTATE refreshes the emote sets the bot may use.
//
// Events of one channel are handled in arrival order on that channel's lane;
// different channels proceed concurrently. Command handlers run off-lane so a
// command waiting for a follow-up message does not block its own channel.
//
// StartJobs runs the periodic work: the rejoin sweep and, when enabled, the
// liveness poll that raises online/offline events.
package chat
