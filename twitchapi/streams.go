package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StreamsBatchSize is the largest number of channel ids the streams endpoint accepts per request.
const StreamsBatchSize = 250

// Stream is one live stream from the batched streams endpoint.
type Stream struct {
	ChannelID string
	Channel   string
	Game      string
	Title     string
	Viewers   int
	CreatedAt time.Time
}

// streamsPageSize is the most streams the endpoint returns per request.
const streamsPageSize = 100

// GetStreams returns the live streams among channelIDs. Channels not in the
// result are offline. More than one page of live streams is followed with
// offset. A non-2xx response is returned as a *StatusError.
func (hc *HelixClient) GetStreams(ctx context.Context, channelIDs []string) ([]Stream, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	if len(channelIDs) > StreamsBatchSize {
		return nil, fmt.Errorf("get streams: %d ids exceeds batch size %d", len(channelIDs), StreamsBatchSize)
	}
	var out []Stream
	for offset := 0; offset < len(channelIDs); offset += streamsPageSize {
		page, err := hc.streamsPage(ctx, channelIDs, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < streamsPageSize {
			break
		}
	}
	return out, nil
}

func (hc *HelixClient) streamsPage(ctx context.Context, channelIDs []string, offset int) ([]Stream, error) {
	base := hc.StreamsURL
	if base == "" {
		base = DefaultStreamsURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("channel", strings.Join(channelIDs, ","))
	q.Set("limit", strconv.Itoa(streamsPageSize))
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/vnd.twitchtv.v5+json")
	req.Header.Set("Client-ID", hc.ClientID)

	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(b)}
	}

	var body struct {
		Streams []struct {
			Game      string    `json:"game"`
			Viewers   int       `json:"viewers"`
			CreatedAt time.Time `json:"created_at"`
			Channel   struct {
				ID     json.Number `json:"_id"`
				Name   string      `json:"name"`
				Status string      `json:"status"`
			} `json:"channel"`
		} `json:"streams"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode streams: %w", err)
	}
	out := make([]Stream, 0, len(body.Streams))
	for _, s := range body.Streams {
		out = append(out, Stream{
			ChannelID: s.Channel.ID.String(),
			Channel:   s.Channel.Name,
			Game:      s.Game,
			Title:     s.Channel.Status,
			Viewers:   s.Viewers,
			CreatedAt: s.CreatedAt,
		})
	}
	return out, nil
}

// FetchChatters lists the users currently present in a channel. Any failure
// yields an empty list and a warning.
func (hc *HelixClient) FetchChatters(ctx context.Context, channel string) []string {
	base := hc.TMIURL
	if base == "" {
		base = DefaultTMIURL
	}
	url := fmt.Sprintf("%s/group/user/%s/chatters", strings.TrimRight(base, "/"), strings.ToLower(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return []string{}
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		slog.Warn("chatters request failed", slog.String("channel", channel), slog.Any("err", err))
		return []string{}
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		slog.Warn("chatters request rejected", slog.String("channel", channel), slog.Int("status", resp.StatusCode))
		return []string{}
	}
	var body struct {
		Chatters map[string][]string `json:"chatters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		slog.Warn("chatters decode failed", slog.String("channel", channel), slog.Any("err", err))
		return []string{}
	}
	out := []string{}
	for _, group := range body.Chatters {
		out = append(out, group...)
	}
	return out
}
