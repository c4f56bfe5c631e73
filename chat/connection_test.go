package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/config"
)

func TestJoinConfirmed(t *testing.T) {
	f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
	f.confirmJoins()
	if err := f.c.Join(context.Background(), "#Forsen"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !f.c.channels.Get("forsen").Session().Joined {
		t.Error("channel not marked joined")
	}
	if len(f.c.FailedJoins()) != 0 {
		t.Errorf("failed joins = %v", f.c.FailedJoins())
	}
}

func TestJoinFailures(t *testing.T) {
	tests := []struct {
		name       string
		notice     string
		wantKind   ErrorKind
		wantFailed bool
	}{
		{"timeout", "", JoinFailed, true},
		{"suspended", "msg_channel_suspended", ChannelSuspended, true},
		{"banned", "msg_banned", Banned, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
			if tt.notice != "" {
				f.transport.setOnJoin(func(name string) {
					f.c.onNotice(twitch.NoticeMessage{Channel: name, MsgID: tt.notice, Message: "nope"})
				})
			}
			err := f.c.Join(context.Background(), "forsen")
			if !IsKind(err, tt.wantKind) {
				t.Fatalf("Join() error = %v, want kind %v", err, tt.wantKind)
			}
			if tt.wantKind == JoinFailed && !errors.Is(err, ErrJoinTimeout) {
				t.Errorf("Join() error = %v, want ErrJoinTimeout", err)
			}
			failed := len(f.c.FailedJoins()) == 1
			if failed != tt.wantFailed {
				t.Errorf("in failed set = %v, want %v", failed, tt.wantFailed)
			}
		})
	}
}

func TestBannedNoticeDeactivatesChannel(t *testing.T) {
	f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
	f.c.handleNotice(context.Background(), twitch.NoticeMessage{Channel: "forsen", MsgID: "msg_banned"})
	if got := f.c.channels.Get("forsen").Mode(); got != channel.Inactive {
		t.Errorf("mode = %v, want Inactive", got)
	}
	if p := f.transport.parted(); len(p) != 1 || p[0] != "forsen" {
		t.Errorf("parted = %v", p)
	}
	logs := f.logs.systemLogs()
	if len(logs) != 1 || logs[0].tag != "Twitch.Ban" {
		t.Errorf("system logs = %+v", logs)
	}

	// already inactive: nothing more happens
	f.c.handleNotice(context.Background(), twitch.NoticeMessage{Channel: "forsen", MsgID: "msg_banned"})
	if len(f.transport.parted()) != 1 {
		t.Error("second msg_banned parted again")
	}
}

func TestRejectionRepliesOnce(t *testing.T) {
	tests := []struct {
		msgID string
		reply string
	}{
		{"msg_rejected", banphraseReply},
		{"msg_rejected_mandatory", banphraseReply},
		{"no_permission", noPermissionReply},
	}
	for _, tt := range tests {
		t.Run(tt.msgID, func(t *testing.T) {
			f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
			for i := 0; i < 3; i++ {
				f.c.handleNotice(context.Background(), twitch.NoticeMessage{Channel: "forsen", MsgID: tt.msgID})
			}
			eventually(t, "reply", func() bool { return len(f.transport.sayings()) >= 1 })
			time.Sleep(20 * time.Millisecond)
			s := f.transport.sayings()
			if len(s) != 1 || s[0].text != tt.reply {
				t.Errorf("sayings = %+v, want one %q", s, tt.reply)
			}
		})
	}
}

func TestIgnoredAndInformationalNotices(t *testing.T) {
	f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
	for _, id := range []string{"host_on", "host_target_went_offline", "msg_ratelimit", "slow_on"} {
		f.c.handleNotice(context.Background(), twitch.NoticeMessage{Channel: "forsen", MsgID: id})
	}
	time.Sleep(20 * time.Millisecond)
	if len(f.transport.sayings()) != 0 || len(f.transport.parted()) != 0 {
		t.Error("notices without an action must not send or part")
	}
}

func TestRejoinSweepSkipsJoinedChannels(t *testing.T) {
	f := newFixture(t, nil,
		channel.Record{Name: "forsen", Mode: channel.Write},
		channel.Record{Name: "pajlada", Mode: channel.Write},
		channel.Record{Name: "zneix", Mode: channel.Inactive},
		channel.Record{Name: "supinic", Mode: channel.ReadOnly},
	)
	for _, name := range []string{"forsen", "pajlada", "zneix", "supinic", "removed"} {
		f.c.markFailed(name)
	}
	f.c.channels.Get("forsen").SetJoined(true)
	f.confirmJoins()

	attempted, failed := f.c.RejoinFailed(context.Background())
	if attempted != 2 || failed != 0 {
		t.Errorf("RejoinFailed() = %d, %d; want 2, 0", attempted, failed)
	}
	joins := f.transport.joined()
	got := strings.Join(joins, ",")
	if got != "pajlada,supinic" && got != "supinic,pajlada" {
		t.Errorf("joins = %v, want pajlada and supinic only", joins)
	}
	if len(f.c.FailedJoins()) != 0 {
		t.Errorf("failed joins left = %v", f.c.FailedJoins())
	}
}

func TestRejoinSweepKeepsFailures(t *testing.T) {
	f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
	f.c.markFailed("forsen")
	attempted, failed := f.c.RejoinFailed(context.Background())
	if attempted != 1 || failed != 1 {
		t.Errorf("RejoinFailed() = %d, %d; want 1, 1", attempted, failed)
	}
	if got := f.c.FailedJoins(); len(got) != 1 || got[0] != "forsen" {
		t.Errorf("failed joins = %v", got)
	}
}

func TestConnectJoinsAndReconnectResets(t *testing.T) {
	f := newFixture(t, nil,
		channel.Record{Name: "forsen", Mode: channel.Write},
		channel.Record{Name: "zneix", Mode: channel.Inactive},
	)
	f.confirmJoins()
	f.c.onConnect()
	eventually(t, "initial join", func() bool { return len(f.transport.joined()) == 1 })
	if got := f.transport.joined(); got[0] != "forsen" {
		t.Fatalf("joins after connect = %v", got)
	}

	ch := f.c.channels.Get("forsen")
	ch.UpdateSession(func(s *channel.SessionData) { s.RecentBans = 3 })
	f.c.channels.Add(channel.Record{ID: 9, Name: "pajlada", Mode: channel.Write})
	f.c.onConnect()
	if s := ch.Session(); s.RecentBans != 0 || s.Joined {
		t.Errorf("session after reconnect = %+v, want reset", s)
	}
	eventually(t, "new channel joined", func() bool { return f.c.channels.Get("pajlada").Session().Joined })

	// forsen is still on the client's list and comes back through its own rejoin
	f.transport.rejoinHeld()
	if !ch.Session().Joined {
		t.Error("forsen not joined after the client rejoined it")
	}
	forsen := 0
	for _, j := range f.transport.joined() {
		if j == "" {
			t.Fatalf("bare JOIN sent: %v", f.transport.joined())
		}
		if j == "forsen" {
			forsen++
		}
	}
	if forsen != 2 {
		t.Errorf("joins = %v, want forsen once per connection", f.transport.joined())
	}
}

func TestRejoinSweepResendsAfterTimeout(t *testing.T) {
	f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
	if err := f.c.Join(context.Background(), "forsen"); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("Join() error = %v, want timeout", err)
	}
	if p := f.transport.parted(); len(p) != 1 || p[0] != "forsen" {
		t.Errorf("departs after timeout = %v, want forsen dropped from the client", p)
	}

	f.confirmJoins()
	attempted, failed := f.c.RejoinFailed(context.Background())
	if attempted != 1 || failed != 0 {
		t.Fatalf("RejoinFailed() = %d, %d; want 1, 0", attempted, failed)
	}
	if got := f.transport.joined(); len(got) != 2 || got[0] != "forsen" || got[1] != "forsen" {
		t.Errorf("joins = %q, want JOIN #forsen sent twice", got)
	}
	if !f.c.channels.Get("forsen").Session().Joined {
		t.Error("channel not joined after sweep")
	}
}

func TestJoinOfStaleHeldChannelDepartsFirst(t *testing.T) {
	f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
	f.confirmJoins()
	if err := f.c.Join(context.Background(), "forsen"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	// kicked by the server: the client still lists the channel
	f.c.handleSelfPart("forsen")
	if err := f.c.Join(context.Background(), "forsen"); err != nil {
		t.Fatalf("second Join() error = %v", err)
	}
	if got := f.transport.joined(); len(got) != 2 || got[1] != "forsen" {
		t.Errorf("joins = %q, want a second JOIN #forsen", got)
	}
	if p := f.transport.parted(); len(p) != 1 {
		t.Errorf("departs = %v, want one before the retry", p)
	}

	// already joined and held: nothing goes out
	if err := f.c.Join(context.Background(), "forsen"); err != nil {
		t.Fatalf("third Join() error = %v", err)
	}
	if got := f.transport.joined(); len(got) != 2 {
		t.Errorf("joins = %q, want no JOIN for a joined channel", got)
	}
}

func TestAnnouncementSentOnce(t *testing.T) {
	p := testPlatform()
	p.ReconnectAnnouncement = &config.Announcement{Channels: []string{"forsen"}, Message: "I'm back"}
	f := newFixture(t, p,
		channel.Record{Name: "forsen", Mode: channel.Write},
		channel.Record{Name: "pajlada", Mode: channel.Write},
	)
	f.c.handleSelfJoin("#forsen")
	f.c.handleSelfJoin("#pajlada")
	f.c.handleSelfJoin("#forsen")

	eventually(t, "announcement", func() bool { return len(f.transport.sayings()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	s := f.transport.sayings()
	if len(s) != 1 || s[0] != (said{"forsen", "I'm back"}) {
		t.Errorf("sayings = %+v", s)
	}
}

func TestSelfPartClearsJoined(t *testing.T) {
	f := newFixture(t, nil, channel.Record{Name: "forsen", Mode: channel.Write})
	f.c.handleSelfJoin("forsen")
	f.c.handleSelfPart("forsen")
	if f.c.channels.Get("forsen").Session().Joined {
		t.Error("channel still joined after PART")
	}
}

func TestBanThresholdPartsAndRejoinsOnce(t *testing.T) {
	p := testPlatform()
	p.RecentBanThreshold = 5
	p.RecentBanPartTimeout = 50 * time.Millisecond
	p.ClearRecentBansTimer = time.Hour
	f := newFixture(t, p, channel.Record{Name: "forsen", Mode: channel.Write})
	f.confirmJoins()

	for i := 0; i < 8; i++ {
		f.c.handleClearChat(context.Background(), twitch.ClearChatMessage{
			Channel:        "forsen",
			TargetUsername: "spammer" + itoa(i),
			BanDuration:    600,
		})
	}
	ch := f.c.channels.Get("forsen")
	if got := ch.Session().RecentBans; got != 8 {
		t.Errorf("recent bans = %d, want 8", got)
	}
	if p := f.transport.parted(); len(p) != 1 {
		t.Fatalf("parts = %v, want exactly one", p)
	}
	eventually(t, "rejoin", func() bool { return len(f.transport.joined()) == 1 })
	eventually(t, "unparted", func() bool { return !ch.Session().Parted })
	time.Sleep(80 * time.Millisecond)
	if j := f.transport.joined(); len(j) != 1 {
		t.Errorf("joins = %v, want exactly one rejoin", j)
	}
}

func TestLanesKeepOrderPerKey(t *testing.T) {
	l := newLanes(4)
	defer l.stop()
	var mu sync.Mutex
	got := map[string][]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			l.run(key, func() {
				defer wg.Done()
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	wg.Wait()
	for key, seq := range got {
		for i, v := range seq {
			if v != i {
				t.Fatalf("lane %s out of order: %v", key, seq)
			}
		}
	}
}
