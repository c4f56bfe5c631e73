package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// App tokens cannot be used for chat or whispers; those need the bot's user token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client

	mu  sync.Mutex
	src oauth2.TokenSource
}

func (ts *TokenSource) base() oauth2.TokenSource {
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	ctx := context.Background()
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	return cfg.TokenSource(ctx)
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.src == nil {
		if ts.ClientID == "" || ts.ClientSecret == "" {
			ts.mu.Unlock()
			return "", errors.New("missing client id/secret for twitch app token")
		}
		ts.src = oauth2.ReuseTokenSource(nil, ts.base())
	}
	src := ts.src
	ts.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	return tok.AccessToken, nil
}

// SetToken seeds the cache with a known token.
func (ts *TokenSource) SetToken(access string, expiry time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.src = oauth2.ReuseTokenSource(&oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: expiry}, ts.base())
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.src = nil
}
