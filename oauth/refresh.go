// Package oauth keeps the bot's chat token fresh. Tokens live in the
// oauth_tokens table; a jittered loop refreshes one when its expiry falls
// within a configured window and hands the new access token to a callback.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/NotNotQuinn/supibot/db"
)

// ChatProvider is the oauth_tokens key of the bot's chat token.
const ChatProvider = "twitch-chat"

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore loads and persists token rows. *db.Store implements it.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (*db.OAuthToken, error)
	UpsertOAuthToken(ctx context.Context, tok db.OAuthToken) error
}

// Refresher checks one provider's token on every tick.
type Refresher struct {
	Store    TokenStore
	Provider string
	// Interval is how often to wake up and check.
	Interval time.Duration
	// Window: refresh when remaining lifetime <= Window.
	Window  time.Duration
	Refresh RefreshFunc
	// OnRefresh receives the new access token after it was persisted.
	OnRefresh func(access string)
	Log       *slog.Logger
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Log == nil {
		r.Log = slog.Default()
	}
	r.Log = r.Log.With(slog.String("component", "oauth_refresh"), slog.String("provider", r.Provider))
}

// Start launches the refresh loop. It returns immediately; the loop ends with ctx.
func (r *Refresher) Start(ctx context.Context) {
	r.defaults()
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(r.Interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// per-iteration jitter of +-20%
			jitterRange := int64(r.Interval / 5)
			nextSleep := r.Interval
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				nextSleep += time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			if nextSleep < r.Interval/2 {
				nextSleep = r.Interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			if _, err := r.Check(ctx); err != nil {
				r.Log.Warn("token refresh failed", slog.Any("err", err))
			}
		}
	}()
}

// Check refreshes the token if it is due and reports whether it did.
// A missing row or a row without a refresh token is not an error.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	tok, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if tok == nil || tok.RefreshToken == "" {
		return false, nil
	}
	if time.Until(tok.Expiry) > r.Window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := r.Refresh(ctx2, tok.RefreshToken)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = tok.RefreshToken
	}
	if newScope == "" {
		newScope = tok.Scope
	}
	if err := r.Store.UpsertOAuthToken(ctx, db.OAuthToken{
		Provider:     r.Provider,
		AccessToken:  newAT,
		RefreshToken: newRT,
		Expiry:       newExp,
		Scope:        strings.TrimSpace(newScope),
	}); err != nil {
		return false, err
	}
	r.Log.Info("token refreshed", slog.Time("expires_at", newExp))
	if r.OnRefresh != nil {
		r.OnRefresh(newAT)
	}
	return true, nil
}
