// Package twitchapi contains the Twitch HTTP endpoints the chat connector needs:
// user id lookup and whispers on Helix, the legacy batched streams endpoint
// used for liveness polling, and the TMI chatter list.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	DefaultHelixURL   = "https://api.twitch.tv/helix"
	DefaultStreamsURL = "https://api.twitch.tv/kraken/streams"
	DefaultTMIURL     = "https://tmi.twitch.tv"
)

// ErrUserNotFound is returned when a login does not resolve to a user.
var ErrUserNotFound = errors.New("user not found")

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twitch api: status %d: %s", e.Status, e.Body)
}

// HelixClient talks to Twitch. Helix reads use the app token; whispers use the bot's user token.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// UserToken returns the bot's current user access token.
	UserToken func() string

	HelixURL   string
	StreamsURL string
	TMIURL     string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) helixURL(path string) string {
	base := hc.HelixURL
	if base == "" {
		base = DefaultHelixURL
	}
	return strings.TrimRight(base, "/") + path
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// doApp sends a Helix request with the app token, retrying once with a fresh
// token when Twitch answers 401.
func (hc *HelixClient) doApp(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return nil, err
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			closeBody(resp)
			hc.AppTokenSource.Invalidate()
			continue
		}
		return resp, nil
	}
	return nil, errors.New("unreachable")
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	resp, err := hc.doApp(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.helixURL("/users"), nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("login", strings.ToLower(login))
		req.URL.RawQuery = q.Encode()
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{Status: resp.StatusCode, Body: string(b)}
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", ErrUserNotFound
	}
	return body.Data[0].ID, nil
}

// SendWhisper sends a whisper from the bot (fromID) to toID using the bot's user token.
func (hc *HelixClient) SendWhisper(ctx context.Context, fromID, toID, text string) error {
	if fromID == "" || toID == "" {
		return fmt.Errorf("whisper: sender and recipient ids required")
	}
	if hc.UserToken == nil || hc.UserToken() == "" {
		return fmt.Errorf("whisper: no user token")
	}
	payload, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.helixURL("/whispers"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("from_user_id", fromID)
	q.Set("to_user_id", toID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(hc.UserToken(), "oauth:"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}
