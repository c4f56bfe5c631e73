package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/command"
	"github.com/NotNotQuinn/supibot/config"
	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/events"
	"github.com/NotNotQuinn/supibot/moderation"
	"github.com/NotNotQuinn/supibot/outbound"
	"github.com/NotNotQuinn/supibot/streamcache"
	"github.com/NotNotQuinn/supibot/tasks"
	"github.com/NotNotQuinn/supibot/twitchapi"
)

// Platform is the capability set every chat platform controller offers.
type Platform interface {
	Connect(ctx context.Context) error
	Send(ch *channel.Channel, text string) error
	PrivateMessage(ctx context.Context, user, text string) error
	PrepareMessage(text string, extraLength int) string
	Destroy()
}

var _ Platform = (*Controller)(nil)

// Transport is the part of the IRC client the controller drives.
// *twitch.Client satisfies it.
type Transport interface {
	Connect() error
	Disconnect() error
	Join(channels ...string)
	Depart(channel string)
	Say(channel, text string)
	SetIRCToken(token string)
}

// UserStore resolves chat users to internal records.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, name, twitchID string) (*db.User, error)
	SetTwitchID(ctx context.Context, userID int64, twitchID string) error
}

// LogStore receives moderation, system and last-seen records.
type LogStore interface {
	moderation.Log
	UpdateLastSeen(ctx context.Context, ch *channel.Channel, user *db.User, text string, at time.Time) error
}

// ChatLogger persists chat lines without blocking.
type ChatLogger interface {
	Enqueue(e db.ChatLogEntry) bool
}

// Commands executes chat commands.
type Commands interface {
	Is(text string) bool
	Parse(text string) (string, []string, bool)
	Execute(ctx context.Context, inv command.Invocation) command.Result
	ResolveUserMessage(channelName string, userID int64, text string) bool
}

// Reminders delivers pending reminders when their recipient speaks.
type Reminders interface {
	CheckActive(ctx context.Context, userID int64, userName string, ch *channel.Channel) (int, error)
}

// AFKs ends the away status of a user who speaks.
type AFKs interface {
	CheckActive(ctx context.Context, userID int64, userName string, ch *channel.Channel) (bool, error)
}

// EmoteSets tracks the emote sets the bot may use.
type EmoteSets interface {
	UpdateAuthorizedSets(ctx context.Context, ids []string) bool
}

// TwitchAPI is the HTTP side of Twitch the controller needs.
type TwitchAPI interface {
	GetUserID(ctx context.Context, login string) (string, error)
	SendWhisper(ctx context.Context, fromID, toID, text string) error
	GetStreams(ctx context.Context, channelIDs []string) ([]twitchapi.Stream, error)
	FetchChatters(ctx context.Context, channel string) []string
}

// StreamCache keeps the last known liveness per channel.
type StreamCache interface {
	Get(channel string) (streamcache.Data, error)
	PutAll(entries map[string]streamcache.Data) error
}

// Deps are the collaborators of a Controller. Config and Channels are
// required; everything else may be nil and the matching behaviour is skipped.
type Deps struct {
	Config   *config.Config
	Platform *config.Platform
	Channels *channel.Registry

	Users     UserStore
	Logs      LogStore
	ChatLog   ChatLogger
	Commands  Commands
	Reminders Reminders
	AFK       AFKs
	Emotes    EmoteSets
	API       TwitchAPI
	Streams   StreamCache
	Bus       *events.Bus
	Tasks     *tasks.Set
	Transport Transport // nil builds a go-twitch-irc client
	Log       *slog.Logger
}

// Controller is the Twitch implementation of Platform.
type Controller struct {
	cfg      *config.Config
	platform *config.Platform
	selfName string

	channels  *channel.Registry
	users     UserStore
	logs      LogStore
	chatLog   ChatLogger
	commands  Commands
	reminders Reminders
	afk       AFKs
	emotes    EmoteSets
	api       TwitchAPI
	streams   StreamCache
	bus       *events.Bus
	tasks     *tasks.Set
	transport Transport
	log       *slog.Logger

	outbound   *outbound.Manager
	moderation *moderation.Tracker
	lanes      *lanes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// spawn runs command handlers off the channel lane.
	spawn func(fn func())

	connected atomic.Bool

	joinMu      sync.Mutex
	joinWaiters map[string][]chan error
	// requested mirrors the channels the IRC client holds in its own join
	// list. The client re-joins those on reconnect and sends nothing for
	// them on a repeated Join, so they must be departed before a retry.
	requested   map[string]bool
	failedJoins map[string]bool
	announced   map[string]bool

	idMu  sync.Mutex
	botID string

	destroyOnce sync.Once
}

// New builds a Controller. Missing credentials are fatal.
func New(d Deps) (*Controller, error) {
	if d.Config == nil {
		return nil, errors.New("chat: config required")
	}
	if err := d.Config.ValidateConnector(); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if d.Channels == nil {
		return nil, errors.New("chat: channel registry required")
	}
	if d.Platform == nil {
		d.Platform = config.DefaultPlatform()
	}
	if d.Tasks == nil {
		d.Tasks = tasks.NewSet()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         d.Config,
		platform:    d.Platform,
		selfName:    strings.ToLower(d.Config.TwitchBotUsername),
		channels:    d.Channels,
		users:       d.Users,
		logs:        d.Logs,
		chatLog:     d.ChatLog,
		commands:    d.Commands,
		reminders:   d.Reminders,
		afk:         d.AFK,
		emotes:      d.Emotes,
		api:         d.API,
		streams:     d.Streams,
		bus:         d.Bus,
		tasks:       d.Tasks,
		log:         d.Log.With(slog.String("component", "chat")),
		ctx:         ctx,
		cancel:      cancel,
		joinWaiters: make(map[string][]chan error),
		requested:   make(map[string]bool),
		failedJoins: make(map[string]bool),
		announced:   make(map[string]bool),
	}
	c.spawn = func(fn func()) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			fn()
		}()
	}
	c.lanes = newLanes(64)

	c.outbound = outbound.NewManager(modeLimits(d.Platform), d.Platform.EvasionCharacter, c.say, d.Log)

	var modLog moderation.Log
	if d.Logs != nil {
		modLog = d.Logs
	}
	c.moderation = moderation.New(moderation.Settings{
		SelfName:       c.selfName,
		PartOnPermaban: d.Platform.PartChannelsOnPermaban,
		RecentBanLimit: d.Platform.RecentBanThreshold,
		PartTimeout:    d.Platform.RecentBanPartTimeout,
		DecayInterval:  d.Platform.ClearRecentBansTimer,
		LogBans:        d.Platform.Logging.Bans,
		LogTimeouts:    d.Platform.Logging.Timeouts,
		LogClearChats:  d.Platform.Logging.ClearChats,
		RejoinTimeout:  d.Platform.JoinTimeout,
	}, c, d.Channels, modLog, d.Tasks, d.Log)

	if d.Transport != nil {
		c.transport = d.Transport
	} else {
		client := twitch.NewClient(c.selfName, twitchapi.IRCPassword(d.Config.TwitchOAuthToken))
		c.bind(client)
		c.transport = client
	}

	d.Channels.OnRemove(func(ch *channel.Channel) {
		name := ch.Name()
		c.outbound.Drop(name)
		c.tasks.CancelChannel(name)
		if ch.Session().Joined {
			_ = c.Part(name)
		}
	})
	return c, nil
}

func modeLimits(p *config.Platform) map[channel.Mode]outbound.Limits {
	out := make(map[channel.Mode]outbound.Limits)
	for _, m := range []channel.Mode{channel.Write, channel.VIP, channel.Moderator} {
		if l, ok := p.Limits(m.String()); ok {
			out[m] = outbound.Limits{Cooldown: l.Cooldown, MaxQueue: l.QueueSize}
		}
	}
	return out
}

// Events returns the bus the controller publishes to.
func (c *Controller) Events() *events.Bus { return c.bus }

// Outbound exposes the per-channel send queues.
func (c *Controller) Outbound() *outbound.Manager { return c.outbound }

// Connected reports whether a session was established and the controller
// has not been destroyed since.
func (c *Controller) Connected() bool {
	return c.connected.Load() && c.ctx.Err() == nil
}

// QueueDepth returns how many messages wait in a channel's send queue.
func (c *Controller) QueueDepth(name string) int {
	if s, ok := c.outbound.Scheduler(channel.Normalize(name)); ok {
		return s.Len()
	}
	return 0
}

// Connect opens the IRC session and blocks until it ends or ctx is done.
// Channels are joined from the connect callback.
func (c *Controller) Connect(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.Destroy)
	defer stop()
	c.log.Info("connecting to twitch chat", slog.String("user", c.selfName))
	err := c.transport.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) || ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	return nil
}

// SetIRCToken swaps the token used on the next (re)connect.
func (c *Controller) SetIRCToken(token string) {
	c.transport.SetIRCToken(twitchapi.IRCPassword(token))
}

// Destroy disconnects and stops all queues, lanes and timers.
func (c *Controller) Destroy() {
	c.destroyOnce.Do(func() {
		c.cancel()
		c.outbound.Close()
		c.tasks.Stop()
		c.lanes.stop()
		if err := c.transport.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			c.log.Warn("disconnect failed", slog.Any("err", err))
		}
		c.wg.Wait()
		c.log.Info("chat controller destroyed")
	})
}

func (c *Controller) say(channelName, text string) error {
	c.transport.Say(channelName, text)
	return nil
}
