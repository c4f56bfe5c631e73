package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/NotNotQuinn/supibot/db"
	"github.com/NotNotQuinn/supibot/oauth"
	"github.com/NotNotQuinn/supibot/twitchapi"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow for the bot account.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || h.OAuth.RedirectURL == "" || h.Tokens == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(10*time.Minute)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.OAuth.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, stores the bot token and
// hands the access token to the live chat client.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || h.Tokens == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.takeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	tok, err := h.OAuth.Exchange(ctx, code)
	if err != nil {
		h.log.Warn("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	scope := twitchapi.TokenScope(tok)
	if err := h.Tokens.UpsertOAuthToken(ctx, db.OAuthToken{
		Provider:     oauth.ChatProvider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}); err != nil {
		h.log.Error("store bot token failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.OnToken != nil {
		h.OnToken(tok.AccessToken)
	}
	h.log.Info("bot token authorized", slog.String("scope", scope), slog.Time("expires_at", tok.Expiry))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scope": scope, "expiry": tok.Expiry})
}
