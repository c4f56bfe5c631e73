package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// UserTokenConfig returns the OAuth config used to refresh the bot's user token.
func UserTokenConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://id.twitch.tv/oauth2/authorize",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// RefreshUserToken exchanges a refresh token for a new bot user token.
func RefreshUserToken(ctx context.Context, cfg *oauth2.Config, hc *http.Client, refreshToken string) (*oauth2.Token, error) {
	if cfg == nil || cfg.ClientID == "" || cfg.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	// an expired token forces the source to use the refresh grant
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// TokenScope returns the scopes Twitch reported with a refreshed token.
func TokenScope(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// IRCPassword formats a user access token for the IRC PASS command.
func IRCPassword(access string) string {
	if strings.HasPrefix(access, "oauth:") {
		return access
	}
	return "oauth:" + access
}
