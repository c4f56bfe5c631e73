package chat

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/command"
	"github.com/NotNotQuinn/supibot/config"
	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/events"
	"github.com/NotNotQuinn/supibot/moderation"
	"github.com/NotNotQuinn/supibot/twitchapi"
)

type said struct {
	channel string
	text    string
}

// fakeTransport keeps a join list like go-twitch-irc: Join skips channels
// already on it (sending a bare JOIN when nothing is left) and Depart removes them.
type fakeTransport struct {
	mu      sync.Mutex
	held    map[string]bool
	joins   []string
	departs []string
	said    []said
	token   string
	// onJoin runs synchronously for every JOIN that goes out, e.g. to confirm it.
	onJoin func(name string)
}

func (f *fakeTransport) Connect() error    { return nil }
func (f *fakeTransport) Disconnect() error { return nil }

func (f *fakeTransport) Join(channels ...string) {
	f.mu.Lock()
	if f.held == nil {
		f.held = map[string]bool{}
	}
	var sent []string
	for _, ch := range channels {
		if !f.held[ch] {
			f.held[ch] = true
			sent = append(sent, ch)
		}
	}
	if len(sent) == 0 {
		f.joins = append(f.joins, "")
	}
	f.joins = append(f.joins, sent...)
	hook := f.onJoin
	f.mu.Unlock()
	if hook != nil {
		for _, ch := range sent {
			hook(ch)
		}
	}
}

// rejoinHeld replays the JOINs the client sends by itself after a reconnect.
func (f *fakeTransport) rejoinHeld() {
	f.mu.Lock()
	var sent []string
	for ch := range f.held {
		sent = append(sent, ch)
	}
	f.joins = append(f.joins, sent...)
	hook := f.onJoin
	f.mu.Unlock()
	if hook != nil {
		for _, ch := range sent {
			hook(ch)
		}
	}
}

func (f *fakeTransport) Depart(ch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, ch)
	f.departs = append(f.departs, ch)
}

func (f *fakeTransport) Say(ch, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, said{ch, text})
}

func (f *fakeTransport) SetIRCToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeTransport) setOnJoin(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onJoin = fn
}

func (f *fakeTransport) sayings() []said {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]said(nil), f.said...)
}

func (f *fakeTransport) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeTransport) parted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.departs...)
}

type fakeUsers struct {
	mu     sync.Mutex
	byName map[string]*db.User
	fail   bool
	setIDs map[int64]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byName: map[string]*db.User{}, setIDs: map[int64]string{}}
}

func (f *fakeUsers) GetOrCreateUser(_ context.Context, name, twitchID string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("db down")
	}
	name = strings.ToLower(name)
	u, ok := f.byName[name]
	if !ok {
		u = &db.User{ID: int64(len(f.byName) + 1), Name: name}
		f.byName[name] = u
	}
	if u.TwitchID == "" && twitchID != "" {
		u.TwitchID = twitchID
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) SetTwitchID(_ context.Context, id int64, twitchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setIDs[id] = twitchID
	for _, u := range f.byName {
		if u.ID == id {
			u.TwitchID = twitchID
		}
	}
	return nil
}

type systemLog struct {
	tag, text, channel string
}

type fakeLogs struct {
	mu       sync.Mutex
	system   []systemLog
	bans     []moderation.Ban
	lastSeen []string
}

func (f *fakeLogs) LogBan(_ context.Context, _ *channel.Channel, b moderation.Ban) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, b)
	return nil
}

func (f *fakeLogs) LogSystem(_ context.Context, tag, text string, ch *channel.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := ""
	if ch != nil {
		name = ch.Name()
	}
	f.system = append(f.system, systemLog{tag, text, name})
	return nil
}

func (f *fakeLogs) UpdateLastSeen(_ context.Context, ch *channel.Channel, u *db.User, text string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = append(f.lastSeen, ch.Name()+"/"+u.Name+"/"+text)
	return nil
}

func (f *fakeLogs) systemLogs() []systemLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]systemLog(nil), f.system...)
}

type fakeChatLog struct {
	mu      sync.Mutex
	entries []db.ChatLogEntry
}

func (f *fakeChatLog) Enqueue(e db.ChatLogEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return true
}

func (f *fakeChatLog) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeChecks struct {
	mu       sync.Mutex
	reminder int
	afk      int
}

func (f *fakeChecks) CheckActive(context.Context, int64, string, *channel.Channel) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminder++
	return 0, nil
}

type fakeAFK struct{ checks *fakeChecks }

func (f fakeAFK) CheckActive(context.Context, int64, string, *channel.Channel) (bool, error) {
	f.checks.mu.Lock()
	defer f.checks.mu.Unlock()
	f.checks.afk++
	return false, nil
}

func (f *fakeChecks) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reminder, f.afk
}

type whisper struct {
	from, to, text string
}

type fakeAPI struct {
	mu       sync.Mutex
	ids      map[string]string
	lookups  int
	whispers []whisper
	streams  func(ids []string) ([]twitchapi.Stream, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{ids: map[string]string{"supibot": "100"}}
}

func (f *fakeAPI) GetUserID(_ context.Context, login string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if id, ok := f.ids[login]; ok {
		return id, nil
	}
	return "", twitchapi.ErrUserNotFound
}

func (f *fakeAPI) SendWhisper(_ context.Context, from, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whispers = append(f.whispers, whisper{from, to, text})
	return nil
}

func (f *fakeAPI) GetStreams(_ context.Context, ids []string) ([]twitchapi.Stream, error) {
	if f.streams == nil {
		return nil, nil
	}
	return f.streams(ids)
}

func (f *fakeAPI) FetchChatters(context.Context, string) []string { return []string{"forsen", "pajlada"} }

func (f *fakeAPI) sentWhispers() []whisper {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whisper(nil), f.whispers...)
}

type fakeEmotes struct {
	mu   sync.Mutex
	sets [][]string
}

func (f *fakeEmotes) UpdateAuthorizedSets(_ context.Context, ids []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, ids)
	return true
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.evs...)
}

type fixture struct {
	c         *Controller
	transport *fakeTransport
	users     *fakeUsers
	logs      *fakeLogs
	chatLog   *fakeChatLog
	checks    *fakeChecks
	api       *fakeAPI
	emotes    *fakeEmotes
	events    *eventLog
	commands  *command.Registry
	executed  *int
}

func testPlatform() *config.Platform {
	p := config.DefaultPlatform()
	for name, m := range p.Modes {
		m.Cooldown = time.Millisecond
		p.Modes[name] = m
	}
	p.JoinTimeout = 50 * time.Millisecond
	p.Logging.Bits = true
	p.UpdateAvailableBotEmotes = true
	return p
}

// newFixture builds a controller over fakes. Command handlers run inline.
func newFixture(t *testing.T, p *config.Platform, recs ...channel.Record) *fixture {
	t.Helper()
	if p == nil {
		p = testPlatform()
	}
	reg := channel.NewRegistry(nil, nil)
	for i, rec := range recs {
		if rec.ID == 0 {
			rec.ID = int64(i + 1)
		}
		reg.Add(rec)
	}

	executed := 0
	cmds := command.NewRegistry("$", nil)
	cmds.Register(&command.Command{Name: "ping", Whisperable: true, Run: func(context.Context, command.Invocation) (command.Result, error) {
		executed++
		return command.Result{Success: true, Reply: "pong"}, nil
	}})
	cmds.Register(&command.Command{Name: "secret", Run: func(context.Context, command.Invocation) (command.Result, error) {
		executed++
		return command.Result{Success: true, Reply: "shh"}, nil
	}})
	cmds.Register(&command.Command{Name: "dm", Run: func(context.Context, command.Invocation) (command.Result, error) {
		executed++
		return command.Result{Success: true, Reply: "psst", ReplyWithPrivateMessage: true}, nil
	}})
	cmds.Register(&command.Command{Name: "optout", Whisperable: true, Run: func(context.Context, command.Invocation) (command.Result, error) {
		executed++
		return command.Result{Reason: command.ReasonFilter, Reply: "You have opted out of this command."}, nil
	}})

	f := &fixture{
		transport: &fakeTransport{},
		users:     newFakeUsers(),
		logs:      &fakeLogs{},
		chatLog:   &fakeChatLog{},
		checks:    &fakeChecks{},
		api:       newFakeAPI(),
		emotes:    &fakeEmotes{},
		events:    &eventLog{},
		commands:  cmds,
		executed:  &executed,
	}
	bus := events.NewBus()
	bus.SubscribeGlobal(events.OnEvent(func(ev events.Event) {
		f.events.mu.Lock()
		f.events.evs = append(f.events.evs, ev)
		f.events.mu.Unlock()
	}))

	c, err := New(Deps{
		Config:    &config.Config{TwitchBotUsername: "supibot", TwitchOAuthToken: "oauth:abc", TwitchClientID: "cid"},
		Platform:  p,
		Channels:  reg,
		Users:     f.users,
		Logs:      f.logs,
		ChatLog:   f.chatLog,
		Commands:  cmds,
		Reminders: f.checks,
		AFK:       fakeAFK{f.checks},
		Emotes:    f.emotes,
		API:       f.api,
		Bus:       bus,
		Transport: f.transport,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.spawn = func(fn func()) { fn() }
	t.Cleanup(c.Destroy)
	f.c = c
	return f
}

// confirmJoins makes every JOIN succeed immediately.
func (f *fixture) confirmJoins() {
	f.transport.setOnJoin(func(name string) { f.c.handleSelfJoin(name) })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
