// Package emotes aggregates emote metadata from Twitch emote sets, BetterTTV and FrankerFaceZ.
//
// Provider fetchers never fail: a non-2xx answer or a network error yields an
// empty list, a warning and a metric. The set of emote sets the bot may use is
// tracked from USERSTATE and replaced wholesale when it changes; readers always
// see a complete snapshot.
package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NotNotQuinn/supibot/telemetry"
)

// Provider identifies where an emote comes from.
type Provider string

const (
	TwitchSubscriber Provider = "twitch-subscriber"
	TwitchGlobal     Provider = "twitch-global"
	BTTV             Provider = "bttv"
	FFZ              Provider = "ffz"
)

func (p Provider) family() string {
	if strings.HasPrefix(string(p), "twitch") {
		return "twitch"
	}
	return string(p)
}

// TypedEmote is the normalized emote record.
type TypedEmote struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider Provider `json:"provider"`
	Global   bool     `json:"global"`
	Animated bool     `json:"animated"`
}

// SetOwner is the channel an emote set belongs to.
type SetOwner struct {
	ID    string `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

// SetEmote is one emote of a set.
type SetEmote struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// EmoteSet is a first-party emote set.
type EmoteSet struct {
	ID      string     `json:"id"`
	Channel SetOwner   `json:"channel"`
	Tier    string     `json:"tier"`
	Emotes  []SetEmote `json:"emotes"`
}

type rawSet struct {
	SetID        string `json:"setID"`
	ChannelName  string `json:"channelName"`
	ChannelLogin string `json:"channelLogin"`
	ChannelID    string `json:"channelID"`
	Tier         string `json:"tier"`
	Emotes       []struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	} `json:"emotes"`
}

func (r rawSet) normalize() EmoteSet {
	set := EmoteSet{
		ID:      r.SetID,
		Channel: SetOwner{ID: r.ChannelID, Login: r.ChannelLogin, Name: r.ChannelName},
		Tier:    r.Tier,
		Emotes:  make([]SetEmote, 0, len(r.Emotes)),
	}
	for _, e := range r.Emotes {
		set.Emotes = append(set.Emotes, SetEmote{ID: e.ID, Token: e.Token})
	}
	return set
}

// SetBatchSize is the number of set ids requested per emote-set call.
const SetBatchSize = 50

const (
	DefaultSetURL  = "https://api.ivr.fi/twitch/emoteset"
	DefaultBTTVURL = "https://api.betterttv.net/3"
	DefaultFFZURL  = "https://api.frankerfacez.com/v1"
)

// Options configure an Aggregator.
type Options struct {
	HTTPClient *http.Client
	SetURL     string
	BTTVURL    string
	FFZURL     string
	TTL        time.Duration
	Log        *slog.Logger
	// ResolveChannelID looks up a channel's Twitch id when it is not known.
	ResolveChannelID func(ctx context.Context, login string) (string, error)
}

type cached struct {
	emotes  []TypedEmote
	expires time.Time
}

// Aggregator merges provider results and caches them.
type Aggregator struct {
	opts Options
	log  *slog.Logger

	refreshMu sync.Mutex
	setIDs    atomic.Pointer[[]string]
	sets      atomic.Pointer[[]EmoteSet]

	mu       sync.Mutex
	global   *cached
	channels map[string]*cached

	// globalGen counts InvalidateGlobal calls; a global build started under
	// an older generation is not cached.
	globalGen uint64
}

// New returns an Aggregator.
func New(opts Options) *Aggregator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.SetURL == "" {
		opts.SetURL = DefaultSetURL
	}
	if opts.BTTVURL == "" {
		opts.BTTVURL = DefaultBTTVURL
	}
	if opts.FFZURL == "" {
		opts.FFZURL = DefaultFFZURL
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	a := &Aggregator{
		opts:     opts,
		log:      opts.Log.With(slog.String("component", "emotes")),
		channels: make(map[string]*cached),
	}
	empty := []string{}
	a.setIDs.Store(&empty)
	noSets := []EmoteSet{}
	a.sets.Store(&noSets)
	return a
}

// SetIDs returns the emote set ids the bot is currently authorized to use.
func (a *Aggregator) SetIDs() []string { return *a.setIDs.Load() }

// Sets returns the metadata of the authorized emote sets.
func (a *Aggregator) Sets() []EmoteSet { return *a.sets.Load() }

// sameSet compares two id lists ignoring order.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// UpdateAuthorizedSets handles the emote set list carried by USERSTATE. An
// unchanged list, in any order, is a no-op. It reports whether a refresh ran.
func (a *Aggregator) UpdateAuthorizedSets(ctx context.Context, ids []string) bool {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	if sameSet(a.SetIDs(), ids) {
		telemetry.IncEmoteSetRefresh("unchanged")
		return false
	}
	next := append([]string(nil), ids...)
	a.setIDs.Store(&next)

	sets := a.FetchSets(ctx, next)
	a.sets.Store(&sets)
	a.InvalidateGlobal()
	return true
}

// FetchSets fetches emote set metadata in batches. If any batch fails the
// result is empty.
func (a *Aggregator) FetchSets(ctx context.Context, ids []string) []EmoteSet {
	if len(ids) == 0 {
		return []EmoteSet{}
	}
	ctx, span := telemetry.StartSpan(ctx, "emotes.fetch_sets")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	var batches [][]string
	for i := 0; i < len(ids); i += SetBatchSize {
		end := i + SetBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}

	results := make([][]EmoteSet, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			var raw []rawSet
			if err := a.getJSON(gctx, a.opts.SetURL+"?set_id="+strings.Join(batch, ","), &raw); err != nil {
				return err
			}
			out := make([]EmoteSet, 0, len(raw))
			for _, r := range raw {
				out = append(out, r.normalize())
			}
			results[i] = out
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		a.log.Warn("emote set refresh failed", slog.Int("sets", len(ids)), slog.Any("err", err))
		telemetry.IncEmoteFetchFailed("twitch")
		telemetry.IncEmoteSetRefresh("failed")
		return []EmoteSet{}
	}
	var all []EmoteSet
	for _, r := range results {
		all = append(all, r...)
	}
	telemetry.IncEmoteSetRefresh("ok")
	return all
}

// GlobalEmotes returns the bot's authorized emotes plus the BTTV and FFZ globals.
// When the authorized sets change while the providers are queried, the
// result is rebuilt from the new sets before it is cached.
func (a *Aggregator) GlobalEmotes(ctx context.Context) []TypedEmote {
	for {
		a.mu.Lock()
		if a.global != nil && time.Now().Before(a.global.expires) {
			out := a.global.emotes
			a.mu.Unlock()
			return out
		}
		gen := a.globalGen
		a.mu.Unlock()

		merged := a.buildGlobal(ctx)

		a.mu.Lock()
		if a.globalGen == gen {
			a.global = &cached{emotes: merged, expires: time.Now().Add(a.opts.TTL)}
			a.mu.Unlock()
			return merged
		}
		a.mu.Unlock()
		if ctx.Err() != nil {
			return merged
		}
		a.log.Debug("authorized emote sets changed during global fetch, rebuilding")
	}
}

func (a *Aggregator) buildGlobal(ctx context.Context) []TypedEmote {
	var first []TypedEmote
	for _, set := range a.Sets() {
		provider := TwitchGlobal
		switch set.Tier {
		case "1", "2", "3":
			provider = TwitchSubscriber
		}
		for _, e := range set.Emotes {
			first = append(first, TypedEmote{ID: e.ID, Name: e.Token, Provider: provider, Global: true})
		}
	}

	var bttv, ffz []TypedEmote
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); bttv = a.bttvGlobal(ctx) }()
	go func() { defer wg.Done(); ffz = a.ffzGlobal(ctx) }()
	wg.Wait()
	return Merge(first, bttv, ffz)
}

// ChannelEmotes returns BTTV and FFZ emotes of a channel. channelID may be empty.
func (a *Aggregator) ChannelEmotes(ctx context.Context, login, channelID string) []TypedEmote {
	login = strings.ToLower(login)
	a.mu.Lock()
	if c := a.channels[login]; c != nil && time.Now().Before(c.expires) {
		out := c.emotes
		a.mu.Unlock()
		return out
	}
	a.mu.Unlock()

	var bttv, ffz []TypedEmote
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); bttv = a.bttvChannel(ctx, login, channelID) }()
	go func() { defer wg.Done(); ffz = a.ffzChannel(ctx, login) }()
	wg.Wait()

	merged := Merge(bttv, ffz)
	a.mu.Lock()
	a.channels[login] = &cached{emotes: merged, expires: time.Now().Add(a.opts.TTL)}
	a.mu.Unlock()
	return merged
}

// InvalidateGlobal drops the cached global emotes.
func (a *Aggregator) InvalidateGlobal() {
	a.mu.Lock()
	a.global = nil
	a.globalGen++
	a.mu.Unlock()
}

// InvalidateChannel drops the cached emotes of a channel.
func (a *Aggregator) InvalidateChannel(login string) {
	a.mu.Lock()
	delete(a.channels, strings.ToLower(login))
	a.mu.Unlock()
}

// Merge concatenates emote lists, keeping the first occurrence of each provider family and id.
func Merge(lists ...[]TypedEmote) []TypedEmote {
	seen := make(map[string]struct{})
	out := []TypedEmote{}
	for _, l := range lists {
		for _, e := range l {
			key := e.Provider.family() + ":" + e.ID
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

type statusError int

func (s statusError) Error() string { return fmt.Sprintf("status %d", int(s)) }

func (a *Aggregator) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.log.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode/100 != 2 {
		return statusError(resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// soft runs a provider fetch and turns any failure into an empty list.
func (a *Aggregator) soft(ctx context.Context, provider, url string, out interface{}) bool {
	if err := a.getJSON(ctx, url, out); err != nil {
		a.log.Warn("emote provider request failed", slog.String("provider", provider), slog.String("url", url), slog.Any("err", err))
		telemetry.IncEmoteFetchFailed(provider)
		return false
	}
	return true
}
