package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/crypto"
	"github.com/NotNotQuinn/supibot/moderation"
	"github.com/NotNotQuinn/supibot/reminder"
)

func TestChannelStore(t *testing.T) {
	s := NewStore(setupTestDB(t), nil, nil)
	ctx := context.Background()

	id, err := s.AddChannel(ctx, channel.Record{Name: "#Forsen", SpecificID: "22484632", Mode: channel.Write})
	if err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}
	if _, err := s.AddChannel(ctx, channel.Record{Name: "pajlada", Mode: channel.LastSeenOnly}); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveMode(ctx, id, channel.Moderator); err != nil {
		t.Fatalf("SaveMode() error = %v", err)
	}
	if err := s.SaveMode(ctx, 999999, channel.Write); err == nil {
		t.Error("SaveMode() on unknown channel should fail")
	}

	recs, err := s.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d channels, want 2", len(recs))
	}
	if recs[0].Name != "forsen" || recs[0].Mode != channel.Moderator || recs[0].SpecificID != "22484632" {
		t.Errorf("forsen = %+v", recs[0])
	}
	if recs[1].Mode != channel.LastSeenOnly {
		t.Errorf("pajlada mode = %v", recs[1].Mode)
	}

	// the registry reads through the store
	reg := channel.NewRegistry(s, nil)
	if err := reg.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if ch := reg.Get("forsen"); ch == nil || ch.Mode() != channel.Moderator {
		t.Errorf("registry channel = %+v", ch)
	}
}

func TestUserStore(t *testing.T) {
	s := NewStore(setupTestDB(t), nil, nil)
	ctx := context.Background()

	u, err := s.GetOrCreateUser(ctx, "Supinic", "")
	if err != nil {
		t.Fatalf("GetOrCreateUser() error = %v", err)
	}
	if u.Name != "supinic" || u.TwitchID != "" {
		t.Errorf("user = %+v", u)
	}
	again, err := s.GetOrCreateUser(ctx, "supinic", "31400525")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != u.ID || again.TwitchID != "31400525" {
		t.Errorf("second lookup = %+v, want same id with twitch id filled", again)
	}
	if _, err := s.GetOrCreateUser(ctx, " ", ""); err == nil {
		t.Error("empty name should fail")
	}
	if err := s.SetTwitchID(ctx, u.ID, "1"); err != nil {
		t.Fatal(err)
	}
	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil || byID.TwitchID != "1" {
		t.Errorf("GetUserByID() = %+v, %v", byID, err)
	}
}

func TestLogs(t *testing.T) {
	s := NewStore(setupTestDB(t), nil, nil)
	ctx := context.Background()

	id, _ := s.AddChannel(ctx, channel.Record{Name: "forsen", Mode: channel.Write})
	ch := channel.New(channel.Record{ID: id, Name: "forsen"})
	u, _ := s.GetOrCreateUser(ctx, "okayeg", "")

	if err := s.LogBan(ctx, ch, moderation.Ban{Username: "okayeg", Duration: 10 * time.Minute, At: time.Now()}); err != nil {
		t.Fatalf("LogBan() error = %v", err)
	}
	if err := s.LogBan(ctx, ch, moderation.Ban{Username: "okayeg", Reason: "spam", At: time.Now()}); err != nil {
		t.Fatalf("LogBan(permanent) error = %v", err)
	}
	var permanent int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bans WHERE duration_seconds IS NULL`).Scan(&permanent); err != nil {
		t.Fatal(err)
	}
	if permanent != 1 {
		t.Errorf("permanent bans = %d, want 1", permanent)
	}

	if err := s.LogSystem(ctx, "Twitch.Ban", "Bot banned in channel forsen", ch); err != nil {
		t.Fatalf("LogSystem() error = %v", err)
	}
	if err := s.LogSystem(ctx, "Twitch.Other", "whisper: hi", nil); err != nil {
		t.Fatalf("LogSystem(nil channel) error = %v", err)
	}

	if _, _, ok, err := s.LastSeen(ctx, id, u.ID); ok || err != nil {
		t.Errorf("LastSeen() before update = %v, %v", ok, err)
	}
	first := time.Now().Add(-time.Minute)
	_ = s.UpdateLastSeen(ctx, ch, u, "first", first)
	if err := s.UpdateLastSeen(ctx, ch, u, "second", time.Now()); err != nil {
		t.Fatal(err)
	}
	text, at, ok, err := s.LastSeen(ctx, id, u.ID)
	if err != nil || !ok || text != "second" || !at.After(first) {
		t.Errorf("LastSeen() = %q, %v, %v, %v", text, at, ok, err)
	}
}

func TestReminderAndAFKStore(t *testing.T) {
	s := NewStore(setupTestDB(t), nil, nil)
	ctx := context.Background()

	from, _ := s.GetOrCreateUser(ctx, "supinic", "")
	to, _ := s.GetOrCreateUser(ctx, "forsen", "")
	when := time.Now().Add(time.Hour)

	id1, err := s.CreateReminder(ctx, reminder.Reminder{FromUserID: from.ID, ToUserID: to.ID, Text: "hi"})
	if err != nil {
		t.Fatalf("CreateReminder() error = %v", err)
	}
	id2, _ := s.CreateReminder(ctx, reminder.Reminder{FromUserID: from.ID, ToUserID: to.ID, Text: "later", Schedule: &when, Private: true})

	active, err := s.ActiveReminders(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("ActiveReminders() = %d, %v", len(active), err)
	}
	if active[0].FromName != "supinic" || active[0].Schedule != nil || active[1].Schedule == nil || !active[1].Private {
		t.Errorf("reminders = %+v", active)
	}

	if err := s.DeactivateReminder(ctx, id1); err != nil {
		t.Fatal(err)
	}
	got, err := s.RemindersByID(ctx, []int64{id1, id2, 424242})
	if err != nil || len(got) != 2 {
		t.Fatalf("RemindersByID() = %+v, %v", got, err)
	}
	if got[0].Active || !got[1].Active {
		t.Errorf("active flags = %v/%v", got[0].Active, got[1].Active)
	}

	if a, err := s.ActiveAFK(ctx, to.ID); a != nil || err != nil {
		t.Errorf("ActiveAFK() before start = %+v, %v", a, err)
	}
	afkID, err := s.StartAFK(ctx, to.ID, "afk", "food")
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.ActiveAFK(ctx, to.ID)
	if err != nil || a == nil || a.ID != afkID || a.Text != "food" {
		t.Fatalf("ActiveAFK() = %+v, %v", a, err)
	}
	if err := s.EndAFK(ctx, afkID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if a, _ := s.ActiveAFK(ctx, to.ID); a != nil {
		t.Errorf("AFK still active after EndAFK: %+v", a)
	}
}

func TestOAuthTokens(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	sealer, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(key), "k1")
	if err != nil {
		t.Fatal(err)
	}

	plain := NewStore(database, nil, nil)
	sealed := NewStore(database, sealer, nil)
	expiry := time.Now().Add(time.Hour)

	if tok, err := plain.GetOAuthToken(ctx, "twitch-chat"); tok != nil || err != nil {
		t.Errorf("missing token = %+v, %v", tok, err)
	}

	// plaintext row written before encryption was enabled stays readable
	if err := plain.UpsertOAuthToken(ctx, OAuthToken{Provider: "twitch-chat", AccessToken: "a1", RefreshToken: "r1", Expiry: expiry, Scope: "chat:read"}); err != nil {
		t.Fatal(err)
	}
	if tok, err := sealed.GetOAuthToken(ctx, "twitch-chat"); err != nil || tok.AccessToken != "a1" {
		t.Errorf("plaintext read through sealer = %+v, %v", tok, err)
	}

	if err := sealed.UpsertOAuthToken(ctx, OAuthToken{Provider: "twitch-chat", AccessToken: "a2", RefreshToken: "r2", Expiry: expiry, Scope: "chat:read chat:edit"}); err != nil {
		t.Fatal(err)
	}
	var stored string
	var version int
	if err := database.QueryRowContext(ctx, `SELECT access_token, encryption_version FROM oauth_tokens WHERE provider='twitch-chat'`).Scan(&stored, &version); err != nil {
		t.Fatal(err)
	}
	if stored == "a2" || version != 1 {
		t.Errorf("stored = %q version = %d, want ciphertext and version 1", stored, version)
	}

	tok, err := sealed.GetOAuthToken(ctx, "twitch-chat")
	if err != nil {
		t.Fatalf("GetOAuthToken() error = %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r2" || tok.Scope != "chat:read chat:edit" || tok.Expiry.Sub(expiry).Abs() > time.Second {
		t.Errorf("token = %+v", tok)
	}

	if _, err := plain.GetOAuthToken(ctx, "twitch-chat"); err == nil {
		t.Error("reading an encrypted token without a key should fail")
	}
}

func TestEncryptPlaintextTokens(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	sealer, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(key), "k1")
	if err != nil {
		t.Fatal(err)
	}
	plain := NewStore(database, nil, nil)
	sealed := NewStore(database, sealer, nil)

	if _, err := plain.EncryptPlaintextTokens(ctx, false); err == nil {
		t.Error("EncryptPlaintextTokens() without a key should fail")
	}
	for _, p := range []string{"twitch-chat", "twitch-app"} {
		if err := plain.UpsertOAuthToken(ctx, OAuthToken{Provider: p, AccessToken: "a-" + p, RefreshToken: "r-" + p, Expiry: time.Now().Add(time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := sealed.EncryptPlaintextTokens(ctx, true)
	if err != nil || n != 2 {
		t.Fatalf("dry run = %d, %v; want 2", n, err)
	}
	var plaintext int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM oauth_tokens WHERE encryption_version=0`).Scan(&plaintext); err != nil {
		t.Fatal(err)
	}
	if plaintext != 2 {
		t.Errorf("dry run changed rows: %d plaintext left", plaintext)
	}

	if n, err := sealed.EncryptPlaintextTokens(ctx, false); err != nil || n != 2 {
		t.Fatalf("EncryptPlaintextTokens() = %d, %v; want 2", n, err)
	}
	if n, err := sealed.EncryptPlaintextTokens(ctx, false); err != nil || n != 0 {
		t.Errorf("second run = %d, %v; want 0", n, err)
	}
	tok, err := sealed.GetOAuthToken(ctx, "twitch-chat")
	if err != nil || tok.AccessToken != "a-twitch-chat" || tok.RefreshToken != "r-twitch-chat" {
		t.Errorf("token after encryption = %+v, %v", tok, err)
	}
}
