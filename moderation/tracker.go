// Package moderation reacts to bans, timeouts and chat clears in joined channels.
//
// Every ban or timeout bumps the channel's recent-ban counter. Crossing the
// configured threshold parts the channel and schedules a single rejoin; the
// counter decays back to zero on a timer. A permanent ban of the bot itself
// deactivates the channel.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/tasks"
	"github.com/NotNotQuinn/supibot/telemetry"
)

// Kind classifies a CLEARCHAT.
type Kind int

const (
	Clear Kind = iota
	Timeout
	Permaban
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Permaban:
		return "permaban"
	default:
		return "clear"
	}
}

// Classify sorts a CLEARCHAT by its target and duration. A missing target is a
// bulk clear; a zero duration with a target is a permanent ban.
func Classify(target string, duration time.Duration) Kind {
	switch {
	case target == "":
		return Clear
	case duration <= 0:
		return Permaban
	default:
		return Timeout
	}
}

// Ban is a ban or timeout of one user.
type Ban struct {
	Username string
	UserID   string
	// Duration is zero for permanent bans.
	Duration time.Duration
	Reason   string
	At       time.Time
}

// Permanent reports whether the ban has no expiry.
func (b Ban) Permanent() bool { return b.Duration <= 0 }

// Transport joins and parts channels.
type Transport interface {
	Join(ctx context.Context, name string) error
	Part(name string) error
}

// ModeSaver changes and persists a channel mode.
type ModeSaver interface {
	SaveMode(ctx context.Context, ch *channel.Channel, mode channel.Mode) error
}

// Log is where moderation events end up.
type Log interface {
	LogBan(ctx context.Context, ch *channel.Channel, b Ban) error
	LogSystem(ctx context.Context, tag, text string, ch *channel.Channel) error
}

// Settings mirror the moderation part of the platform config.
type Settings struct {
	SelfName       string
	PartOnPermaban bool
	RecentBanLimit uint // zero disables threshold parting
	PartTimeout    time.Duration
	DecayInterval  time.Duration
	LogBans        bool
	LogTimeouts    bool
	LogClearChats  bool
	RejoinTimeout  time.Duration
}

// Tracker applies moderation rules.
type Tracker struct {
	cfg       Settings
	transport Transport
	modes     ModeSaver
	store     Log
	tasks     *tasks.Set
	log       *slog.Logger
}

// New returns a Tracker. log may be nil.
func New(cfg Settings, transport Transport, modes ModeSaver, store Log, set *tasks.Set, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RejoinTimeout <= 0 {
		cfg.RejoinTimeout = 30 * time.Second
	}
	return &Tracker{
		cfg:       cfg,
		transport: transport,
		modes:     modes,
		store:     store,
		tasks:     set,
		log:       log.With(slog.String("component", "moderation")),
	}
}

// HandleClearChat routes a CLEARCHAT to the ban handler or logs a bulk clear.
func (t *Tracker) HandleClearChat(ctx context.Context, ch *channel.Channel, b Ban) {
	switch Classify(b.Username, b.Duration) {
	case Clear:
		if t.cfg.LogClearChats && t.store != nil {
			if err := t.store.LogSystem(ctx, "Twitch.Clearchat", "Chat cleared", ch); err != nil {
				t.log.Warn("log clear chat failed", slog.Any("err", err))
			}
		}
	default:
		t.HandleBan(ctx, ch, b)
	}
}

// HandleBan processes one ban or timeout in ch.
func (t *Tracker) HandleBan(ctx context.Context, ch *channel.Channel, b Ban) {
	telemetry.IncBan()
	name := ch.Name()
	lg := t.log.With(slog.String("channel", name), slog.String("user", b.Username))

	if b.Permanent() && strings.EqualFold(b.Username, t.cfg.SelfName) && t.cfg.PartOnPermaban {
		lg.Warn("bot permanently banned, deactivating channel")
		t.deactivate(ctx, ch, fmt.Sprintf("Bot banned in channel %s. Previous mode: %s", name, ch.Mode()), "permaban")
	}

	if t.store != nil && ((b.Permanent() && t.cfg.LogBans) || (!b.Permanent() && t.cfg.LogTimeouts)) {
		if err := t.store.LogBan(ctx, ch, b); err != nil {
			lg.Warn("log ban failed", slog.Any("err", err))
		}
	}

	var crossed bool
	var count uint
	ch.UpdateSession(func(s *channel.SessionData) {
		s.RecentBans++
		count = s.RecentBans
		if t.cfg.RecentBanLimit > 0 && s.RecentBans > t.cfg.RecentBanLimit && !s.Parted {
			s.Parted = true
			crossed = true
		}
	})

	if crossed {
		lg.Info("recent ban threshold exceeded, parting", slog.Uint64("recent_bans", uint64(count)), slog.Duration("rejoin_in", t.cfg.PartTimeout))
		t.tasks.Schedule(name, tasks.RejoinAfterBan, t.cfg.PartTimeout, func() { t.rejoin(ch) })
		if err := t.transport.Part(name); err != nil {
			lg.Error("part failed", slog.Any("err", err))
		}
		telemetry.IncPart("ban_threshold")
	}

	t.tasks.Schedule(name, tasks.BanDecay, t.cfg.DecayInterval, func() {
		ch.UpdateSession(func(s *channel.SessionData) { s.RecentBans = 0 })
	})
}

func (t *Tracker) rejoin(ch *channel.Channel) {
	ch.UpdateSession(func(s *channel.SessionData) { s.Parted = false })
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RejoinTimeout)
	defer cancel()
	if err := t.transport.Join(ctx, ch.Name()); err != nil {
		t.log.Warn("rejoin after ban threshold failed", slog.String("channel", ch.Name()), slog.Any("err", err))
		telemetry.IncRejoin("failed")
		return
	}
	telemetry.IncRejoin("ok")
}

// HandleBannedNotice handles a msg_banned NOTICE. Channels already inactive are left alone.
func (t *Tracker) HandleBannedNotice(ctx context.Context, ch *channel.Channel) {
	if ch.Mode() == channel.Inactive {
		return
	}
	t.deactivate(ctx, ch, fmt.Sprintf("Attempted to join banned channel %s", ch.Name()), "banned_notice")
}

// deactivate sets Inactive, writes a system log entry and parts. The three
// run concurrently and none waits on another's failure.
func (t *Tracker) deactivate(ctx context.Context, ch *channel.Channel, text, reason string) {
	name := ch.Name()
	var g errgroup.Group
	g.Go(func() error {
		if err := t.modes.SaveMode(ctx, ch, channel.Inactive); err != nil {
			t.log.Error("persist inactive mode failed", slog.String("channel", name), slog.Any("err", err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		if t.store == nil {
			return nil
		}
		if err := t.store.LogSystem(ctx, "Twitch.Ban", text, ch); err != nil {
			t.log.Warn("system log failed", slog.String("channel", name), slog.Any("err", err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := t.transport.Part(name); err != nil {
			t.log.Error("part failed", slog.String("channel", name), slog.Any("err", err))
			return err
		}
		return nil
	})
	_ = g.Wait()
	telemetry.IncPart(reason)
}
