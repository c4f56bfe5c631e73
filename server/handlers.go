package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/events"
	"github.com/NotNotQuinn/supibot/reminder"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Pinger reports database health. *db.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Channels is the channel registry as seen by the API.
type Channels interface {
	All() []*channel.Channel
	Reload(ctx context.Context) error
}

// Reminders is the reminder registry as seen by the API.
type Reminders interface {
	ReloadSpecific(ctx context.Context, ids ...int64) (bool, error)
	Get(id int64) (reminder.Reminder, bool)
	Len() int
}

// Chat is the connector state reported by /status and /readyz.
type Chat interface {
	Connected() bool
	FailedJoins() []string
	QueueDepth(name string) int
}

// TokenStore persists the bot token obtained through the OAuth flow.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, tok db.OAuthToken) error
}

// Deps are the collaborators behind the HTTP API. Nil fields disable the
// endpoints that need them.
type Deps struct {
	DB        Pinger
	Channels  Channels
	Reminders Reminders
	Chat      Chat
	Bus       *events.Bus

	// OAuth is the bot user token config (redirect URL and scopes set).
	OAuth  *oauth2.Config
	Tokens TokenStore
	// OnToken receives a freshly authorized access token.
	OnToken func(access string)

	// AdminToken protects the reminder and OAuth start endpoints.
	AdminToken string
	Log        *slog.Logger
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	ctx        context.Context
	log        *slog.Logger
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, d Deps) *Handlers {
	lg := d.Log
	if lg == nil {
		lg = slog.Default()
	}
	return &Handlers{
		Deps:       d,
		ctx:        ctx,
		log:        lg.With(slog.String("component", "http")),
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// takeOAuthState consumes a state, reporting whether it was known and unexpired.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}
