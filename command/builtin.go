package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NotNotQuinn/supibot/emotes"
	"github.com/NotNotQuinn/supibot/reminder"
)

// Ping answers with the process uptime.
func Ping(started time.Time) *Command {
	return &Command{
		Name:        "ping",
		Description: "Checks that the bot is alive.",
		Whisperable: true,
		Run: func(context.Context, Invocation) (Result, error) {
			up := time.Since(started).Round(time.Second)
			return Result{Success: true, Reply: fmt.Sprintf("Pong! Uptime: %s", up)}, nil
		},
	}
}

// Help lists the registered commands.
func Help(r *Registry) *Command {
	return &Command{
		Name:        "help",
		Aliases:     []string{"commands"},
		Description: "Lists commands.",
		Whisperable: true,
		Run: func(_ context.Context, inv Invocation) (Result, error) {
			if len(inv.Args) > 0 {
				cmd, ok := r.Get(inv.Args[0])
				if !ok {
					return Result{Success: false, Reply: "No such command."}, nil
				}
				return Result{Success: true, Reply: r.Prefix() + cmd.Name + ": " + cmd.Description}, nil
			}
			return Result{Success: true, Reply: "Commands: " + strings.Join(r.Names(), ", ")}, nil
		},
	}
}

// AFKStarter opens AFK statuses.
type AFKStarter interface {
	StartAFK(ctx context.Context, userID int64, status, text string) (int64, error)
}

// AFK marks the invoking user as away.
func AFK(store AFKStarter) *Command {
	return &Command{
		Name:        "afk",
		Aliases:     []string{"gn", "brb", "food", "shower"},
		Description: "Marks you as away until you speak again.",
		Run: func(ctx context.Context, inv Invocation) (Result, error) {
			status := strings.ToLower(inv.Command)
			text := strings.Join(inv.Args, " ")
			if _, err := store.StartAFK(ctx, inv.User.ID, status, text); err != nil {
				return Result{}, err
			}
			reply := inv.User.Name + " is now AFK"
			if text != "" {
				reply += ": " + text
			}
			return Result{Success: true, Reply: reply}, nil
		},
	}
}

// ReminderCreator persists reminders.
type ReminderCreator interface {
	CreateReminder(ctx context.Context, r reminder.Reminder) (int64, error)
}

// ReminderLoader makes a new reminder live.
type ReminderLoader interface {
	ReloadSpecific(ctx context.Context, ids ...int64) (bool, error)
}

// UserResolver maps a login name to an internal user id.
type UserResolver func(ctx context.Context, name string) (int64, error)

// Remind leaves a reminder for another user: "remind <user> [in <duration>] <text>".
func Remind(store ReminderCreator, loader ReminderLoader, resolve UserResolver) *Command {
	return &Command{
		Name:        "remind",
		Aliases:     []string{"notify"},
		Description: "Leaves a message for a user, delivered when they next type.",
		Whisperable: true,
		Run: func(ctx context.Context, inv Invocation) (Result, error) {
			if len(inv.Args) < 2 {
				return Result{Reply: "Usage: remind <user> [in <duration>] <message>"}, nil
			}
			target := strings.ToLower(strings.TrimPrefix(strings.TrimSuffix(inv.Args[0], ","), "@"))
			if target == "me" {
				target = inv.User.Name
			}
			args := inv.Args[1:]
			rem := reminder.Reminder{FromUserID: inv.User.ID, FromName: inv.User.Name, ToName: target, Private: inv.Private}
			if len(args) > 2 && args[0] == "in" {
				d, err := time.ParseDuration(args[1])
				if err != nil || d <= 0 {
					return Result{Reply: "Invalid duration: " + args[1]}, nil
				}
				at := time.Now().Add(d)
				rem.Schedule = &at
				args = args[2:]
			}
			rem.Text = strings.Join(args, " ")
			toID, err := resolve(ctx, target)
			if err != nil {
				return Result{}, fmt.Errorf("resolve %s: %w", target, err)
			}
			rem.ToUserID = toID
			if rem.Schedule == nil && toID == inv.User.ID {
				return Result{Reply: "You can't remind yourself without a time."}, nil
			}
			if inv.Channel != nil {
				rem.ChannelID = inv.Channel.ID()
			}
			id, err := store.CreateReminder(ctx, rem)
			if err != nil {
				return Result{}, err
			}
			if _, err := loader.ReloadSpecific(ctx, id); err != nil {
				return Result{}, err
			}
			return Result{Success: true, Reply: fmt.Sprintf("I will remind %s (ID %d)", target, id)}, nil
		},
	}
}

// EmoteSource is read by the emotes command.
type EmoteSource interface {
	GlobalEmotes(ctx context.Context) []emotes.TypedEmote
	ChannelEmotes(ctx context.Context, login, channelID string) []emotes.TypedEmote
}

// Emotes counts the emotes usable in the current channel.
func Emotes(src EmoteSource) *Command {
	return &Command{
		Name:        "emotes",
		Description: "Counts the emotes available in this channel by provider.",
		Run: func(ctx context.Context, inv Invocation) (Result, error) {
			if inv.Channel == nil {
				return Result{Reason: ReasonFilter}, nil
			}
			list := emotes.Merge(src.ChannelEmotes(ctx, inv.Channel.Name(), inv.Channel.SpecificID()), src.GlobalEmotes(ctx))
			counts := map[emotes.Provider]int{}
			for _, e := range list {
				counts[e.Provider]++
			}
			return Result{Success: true, Reply: fmt.Sprintf("%d emotes: %d Twitch sub, %d Twitch global, %d BTTV, %d FFZ",
				len(list), counts[emotes.TwitchSubscriber], counts[emotes.TwitchGlobal], counts[emotes.BTTV], counts[emotes.FFZ])}, nil
		},
	}
}
