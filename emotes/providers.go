package emotes

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/NotNotQuinn/supibot/telemetry"
)

type bttvEmote struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	ImageType string `json:"imageType"`
}

func (e bttvEmote) typed(global bool) TypedEmote {
	return TypedEmote{ID: e.ID, Name: e.Code, Provider: BTTV, Global: global, Animated: e.ImageType == "gif"}
}

type ffzRoom struct {
	Sets map[string]struct {
		Emoticons []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"emoticons"`
	} `json:"sets"`
}

func (r ffzRoom) typed(global bool) []TypedEmote {
	out := []TypedEmote{}
	for _, set := range r.Sets {
		for _, e := range set.Emoticons {
			out = append(out, TypedEmote{ID: strconv.Itoa(e.ID), Name: e.Name, Provider: FFZ, Global: global})
		}
	}
	return out
}

func (a *Aggregator) bttvGlobal(ctx context.Context) []TypedEmote {
	var raw []bttvEmote
	if !a.soft(ctx, string(BTTV), a.opts.BTTVURL+"/cached/emotes/global", &raw) {
		return []TypedEmote{}
	}
	out := make([]TypedEmote, 0, len(raw))
	for _, e := range raw {
		out = append(out, e.typed(true))
	}
	return out
}

func (a *Aggregator) ffzGlobal(ctx context.Context) []TypedEmote {
	var room ffzRoom
	if !a.soft(ctx, string(FFZ), a.opts.FFZURL+"/set/global", &room) {
		return []TypedEmote{}
	}
	return room.typed(true)
}

func (a *Aggregator) bttvChannel(ctx context.Context, login, channelID string) []TypedEmote {
	if channelID == "" && a.opts.ResolveChannelID != nil {
		id, err := a.opts.ResolveChannelID(ctx, login)
		if err != nil {
			a.log.Debug("channel id lookup failed", slog.String("channel", login), slog.Any("err", err))
		}
		channelID = id
	}
	if channelID == "" {
		a.log.Warn("no channel id for bttv emotes", slog.String("channel", login))
		telemetry.IncEmoteFetchFailed(string(BTTV))
		return []TypedEmote{}
	}

	var raw struct {
		ChannelEmotes []bttvEmote `json:"channelEmotes"`
		SharedEmotes  []bttvEmote `json:"sharedEmotes"`
	}
	if !a.soft(ctx, string(BTTV), a.opts.BTTVURL+"/cached/users/twitch/"+channelID, &raw) {
		return []TypedEmote{}
	}
	out := make([]TypedEmote, 0, len(raw.ChannelEmotes)+len(raw.SharedEmotes))
	for _, e := range raw.ChannelEmotes {
		out = append(out, e.typed(false))
	}
	for _, e := range raw.SharedEmotes {
		out = append(out, e.typed(false))
	}
	return out
}

func (a *Aggregator) ffzChannel(ctx context.Context, login string) []TypedEmote {
	var room ffzRoom
	if !a.soft(ctx, string(FFZ), a.opts.FFZURL+"/room/"+login, &room) {
		return []TypedEmote{}
	}
	return room.typed(false)
}
