package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/testutil"
)

type memStore struct {
	mu   sync.Mutex
	toks map[string]db.OAuthToken
}

func newMemStore(toks ...db.OAuthToken) *memStore {
	m := &memStore{toks: map[string]db.OAuthToken{}}
	for _, t := range toks {
		m.toks[t.Provider] = t
	}
	return m
}

func (m *memStore) GetOAuthToken(_ context.Context, provider string) (*db.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.toks[provider]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *memStore) UpsertOAuthToken(_ context.Context, tok db.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toks[tok.Provider] = tok
	return nil
}

func (m *memStore) get(provider string) db.OAuthToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toks[provider]
}

func TestCheck(t *testing.T) {
	newExpiry := time.Now().Add(4 * time.Hour)
	tests := []struct {
		name        string
		stored      *db.OAuthToken
		refresh     RefreshFunc
		wantRefresh bool
		wantErr     bool
		want        db.OAuthToken
	}{
		{
			name:   "not due",
			stored: &db.OAuthToken{Provider: ChatProvider, AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)},
		},
		{
			name: "missing row",
		},
		{
			name:   "no refresh token",
			stored: &db.OAuthToken{Provider: ChatProvider, AccessToken: "a", Expiry: time.Now().Add(time.Minute)},
		},
		{
			name:   "due",
			stored: &db.OAuthToken{Provider: ChatProvider, AccessToken: "old", RefreshToken: "old-r", Expiry: time.Now().Add(5 * time.Minute), Scope: "chat:read"},
			refresh: func(_ context.Context, rt string) (string, string, time.Time, string, error) {
				if rt != "old-r" {
					return "", "", time.Time{}, "", errors.New("wrong refresh token " + rt)
				}
				return "new", "new-r", newExpiry, "chat:read chat:edit ", nil
			},
			wantRefresh: true,
			want:        db.OAuthToken{Provider: ChatProvider, AccessToken: "new", RefreshToken: "new-r", Expiry: newExpiry, Scope: "chat:read chat:edit"},
		},
		{
			name:   "keeps refresh token and scope",
			stored: &db.OAuthToken{Provider: ChatProvider, AccessToken: "old", RefreshToken: "keep", Expiry: time.Now().Add(-time.Minute), Scope: "chat:read"},
			refresh: func(context.Context, string) (string, string, time.Time, string, error) {
				return "new", "", newExpiry, "", nil
			},
			wantRefresh: true,
			want:        db.OAuthToken{Provider: ChatProvider, AccessToken: "new", RefreshToken: "keep", Expiry: newExpiry, Scope: "chat:read"},
		},
		{
			name:   "refresh error keeps old token",
			stored: &db.OAuthToken{Provider: ChatProvider, AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(time.Minute)},
			refresh: func(context.Context, string) (string, string, time.Time, string, error) {
				return "", "", time.Time{}, "", errors.New("invalid refresh token")
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			if tt.stored != nil {
				store = newMemStore(*tt.stored)
			}
			var got []string
			r := &Refresher{
				Store:     store,
				Provider:  ChatProvider,
				Window:    15 * time.Minute,
				Refresh:   tt.refresh,
				OnRefresh: func(access string) { got = append(got, access) },
			}
			r.defaults()
			refreshed, err := r.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if refreshed != tt.wantRefresh {
				t.Fatalf("Check() = %v, want %v", refreshed, tt.wantRefresh)
			}
			if !tt.wantRefresh {
				if len(got) != 0 {
					t.Errorf("OnRefresh called with %v", got)
				}
				if tt.stored != nil && store.get(ChatProvider).AccessToken != tt.stored.AccessToken {
					t.Error("stored token changed")
				}
				return
			}
			if s := store.get(ChatProvider); s != tt.want {
				t.Errorf("stored = %+v, want %+v", s, tt.want)
			}
			if len(got) != 1 || got[0] != tt.want.AccessToken {
				t.Errorf("OnRefresh got %v", got)
			}
		})
	}
}

func TestStartRefreshesInBackground(t *testing.T) {
	store := newMemStore(db.OAuthToken{Provider: ChatProvider, AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(time.Minute)})
	done := make(chan string, 1)
	r := &Refresher{
		Store:    store,
		Provider: ChatProvider,
		Interval: 20 * time.Millisecond,
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			return "fresh", "r2", time.Now().Add(4 * time.Hour), "", nil
		},
		OnRefresh: func(access string) {
			select {
			case done <- access:
			default:
			}
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	select {
	case got := <-done:
		if got != "fresh" {
			t.Errorf("OnRefresh got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("token was not refreshed")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	r := &Refresher{
		Store:    newMemStore(),
		Provider: ChatProvider,
		Interval: time.Second,
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return "", "", time.Time{}, "", nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("refresh ran %d times after cancel", calls)
	}
}

func TestCheckWithPostgres(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	store := db.NewStore(dbx, nil, nil)
	ctx := context.Background()
	if err := store.UpsertOAuthToken(ctx, db.OAuthToken{
		Provider: "test-chat", AccessToken: "old", RefreshToken: "old-r", Expiry: time.Now().Add(5 * time.Minute), Scope: "chat:read",
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	r := &Refresher{
		Store:    store,
		Provider: "test-chat",
		Refresh: func(context.Context, string) (string, string, time.Time, string, error) {
			return "new", "", time.Now().Add(4 * time.Hour), "", nil
		},
	}
	r.defaults()
	if ok, err := r.Check(ctx); err != nil || !ok {
		t.Fatalf("Check() = %v, %v", ok, err)
	}
	tok, err := store.GetOAuthToken(ctx, "test-chat")
	if err != nil || tok == nil {
		t.Fatalf("GetOAuthToken() = %v, %v", tok, err)
	}
	if tok.AccessToken != "new" || tok.RefreshToken != "old-r" || tok.Scope != "chat:read" {
		t.Errorf("stored = %+v", tok)
	}
}
