package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// warnCounter is a slog handler that counts warnings.
type warnCounter struct {
	mu    sync.Mutex
	warns []string
}

func (w *warnCounter) Enabled(context.Context, slog.Level) bool { return true }
func (w *warnCounter) Handle(_ context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		w.mu.Lock()
		w.warns = append(w.warns, r.Message)
		w.mu.Unlock()
	}
	return nil
}
func (w *warnCounter) WithAttrs([]slog.Attr) slog.Handler { return w }
func (w *warnCounter) WithGroup(string) slog.Handler      { return w }

func (w *warnCounter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.warns)
}

func newTestAggregator(server *httptest.Server, wc *warnCounter) *Aggregator {
	return New(Options{
		HTTPClient: server.Client(),
		SetURL:     server.URL + "/ivr/emoteset",
		BTTVURL:    server.URL + "/bttv",
		FFZURL:     server.URL + "/ffz",
		Log:        slog.New(wc),
	})
}

func TestChannelEmotesProviderFailureIsSoft(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bttv/cached/users/twitch/22484632":
			_, _ = io.WriteString(w, `{"channelEmotes":[{"id":"a1","code":"forsenE","imageType":"png"},{"id":"a2","code":"forsenPls","imageType":"gif"}],
				"sharedEmotes":[{"id":"a3","code":"pepeD","imageType":"gif"}]}`)
		case "/ffz/room/forsen":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	wc := &warnCounter{}
	a := newTestAggregator(server, wc)
	got := a.ChannelEmotes(context.Background(), "Forsen", "22484632")

	if len(got) != 3 {
		t.Fatalf("got %d emotes, want 3: %+v", len(got), got)
	}
	for _, e := range got {
		if e.Provider != BTTV || e.Global {
			t.Errorf("unexpected emote %+v", e)
		}
	}
	if !got[1].Animated || got[0].Animated {
		t.Errorf("animated flags wrong: %+v", got)
	}
	if wc.count() != 1 {
		t.Errorf("warnings = %d, want 1", wc.count())
	}

	// cached: no further requests, no further warnings
	_ = a.ChannelEmotes(context.Background(), "forsen", "22484632")
	if wc.count() != 1 {
		t.Errorf("cached call produced warnings")
	}
}

func TestChannelEmotesResolvesMissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bttv/cached/users/twitch/99":
			_, _ = io.WriteString(w, `{"channelEmotes":[{"id":"x","code":"X"}]}`)
		case "/ffz/room/pajlada":
			_, _ = io.WriteString(w, `{"sets":{"1":{"emoticons":[{"id":7,"name":"pajaW"}]}}}`)
		}
	}))
	defer server.Close()

	wc := &warnCounter{}
	a := newTestAggregator(server, wc)
	a.opts.ResolveChannelID = func(_ context.Context, login string) (string, error) {
		if login != "pajlada" {
			return "", fmt.Errorf("unknown")
		}
		return "99", nil
	}
	got := a.ChannelEmotes(context.Background(), "pajlada", "")
	if len(got) != 2 || got[1].ID != "7" || got[1].Provider != FFZ {
		t.Errorf("ChannelEmotes() = %+v", got)
	}
	if wc.count() != 0 {
		t.Errorf("warnings = %d, want 0", wc.count())
	}
}

func TestGlobalEmotesMergesAuthorizedSets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ivr/emoteset":
			_, _ = io.WriteString(w, `[{"setID":"1","channelLogin":"forsen","tier":"1","emotes":[{"id":"e1","token":"forsenE"}]},
				{"setID":"0","tier":null,"emotes":[{"id":"e2","token":"Kappa"}]}]`)
		case "/bttv/cached/emotes/global":
			_, _ = io.WriteString(w, `[{"id":"b1","code":"OMEGALUL","imageType":"png"}]`)
		case "/ffz/set/global":
			_, _ = io.WriteString(w, `{"sets":{"3":{"emoticons":[{"id":25,"name":"ZrehplaR"}]}}}`)
		}
	}))
	defer server.Close()

	a := newTestAggregator(server, &warnCounter{})
	if !a.UpdateAuthorizedSets(context.Background(), []string{"1", "0"}) {
		t.Fatal("first update should refresh")
	}
	got := a.GlobalEmotes(context.Background())
	want := map[string]Provider{"e1": TwitchSubscriber, "e2": TwitchGlobal, "b1": BTTV, "25": FFZ}
	if len(got) != len(want) {
		t.Fatalf("got %d emotes, want %d: %+v", len(got), len(want), got)
	}
	for _, e := range got {
		if want[e.ID] != e.Provider || !e.Global {
			t.Errorf("emote %+v", e)
		}
	}
}

func TestGlobalEmotesNotCachedAcrossSetChange(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var bttvCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ivr/emoteset":
			id := r.URL.Query().Get("set_id")
			fmt.Fprintf(w, `[{"setID":%q,"tier":"1","emotes":[{"id":"%se","token":"tok%s"}]}]`, id, id, id)
		case "/bttv/cached/emotes/global":
			if bttvCalls.Add(1) == 1 {
				entered <- struct{}{}
				<-release
			}
			_, _ = io.WriteString(w, `[]`)
		case "/ffz/set/global":
			_, _ = io.WriteString(w, `{"sets":{}}`)
		}
	}))
	defer server.Close()

	a := newTestAggregator(server, &warnCounter{})
	ctx := context.Background()
	a.UpdateAuthorizedSets(ctx, []string{"old"})

	done := make(chan []TypedEmote, 1)
	go func() { done <- a.GlobalEmotes(ctx) }()
	<-entered
	a.UpdateAuthorizedSets(ctx, []string{"new"})
	close(release)

	select {
	case got := <-done:
		if len(got) != 1 || got[0].ID != "newe" {
			t.Errorf("GlobalEmotes() during set change = %+v, want the new set", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("GlobalEmotes() did not return")
	}
	if got := a.GlobalEmotes(ctx); len(got) != 1 || got[0].ID != "newe" {
		t.Errorf("cached global emotes = %+v, want the new set", got)
	}
}

func TestUpdateAuthorizedSetsIgnoresOrder(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer server.Close()

	a := newTestAggregator(server, &warnCounter{})
	a.UpdateAuthorizedSets(context.Background(), []string{"0", "42", "300"})
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if a.UpdateAuthorizedSets(context.Background(), []string{"300", "0", "42"}) {
		t.Error("shuffled identical list should not refresh")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d after shuffled update, want 1", calls.Load())
	}
	if !a.UpdateAuthorizedSets(context.Background(), []string{"0", "42"}) {
		t.Error("changed list should refresh")
	}
}

func TestFetchSetsBatchesAndFailsWhole(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("set_id"), ",")
		mu.Lock()
		sizes = append(sizes, len(ids))
		mu.Unlock()
		for _, id := range ids {
			if id == "bad" {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
		}
		out := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			out = append(out, map[string]interface{}{"setID": id, "emotes": []interface{}{}})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer server.Close()

	wc := &warnCounter{}
	a := newTestAggregator(server, wc)
	ids := make([]string, 120)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}
	sets := a.FetchSets(context.Background(), ids)
	if len(sets) != 120 {
		t.Fatalf("got %d sets, want 120", len(sets))
	}
	if len(sizes) != 3 {
		t.Errorf("requests = %d, want 3 batches", len(sizes))
	}
	for _, n := range sizes {
		if n > SetBatchSize {
			t.Errorf("batch of %d exceeds %d", n, SetBatchSize)
		}
	}

	ids[110] = "bad"
	if sets := a.FetchSets(context.Background(), ids); len(sets) != 0 {
		t.Errorf("partial failure returned %d sets, want 0", len(sets))
	}
	if wc.count() != 1 {
		t.Errorf("warnings = %d, want 1", wc.count())
	}
}

func TestMergeDedupesByFamilyAndID(t *testing.T) {
	got := Merge(
		[]TypedEmote{{ID: "1", Provider: TwitchSubscriber}, {ID: "2", Provider: BTTV}},
		[]TypedEmote{{ID: "1", Provider: TwitchGlobal}, {ID: "1", Provider: FFZ}, {ID: "2", Provider: BTTV}},
	)
	if len(got) != 3 {
		t.Errorf("Merge() = %+v, want 3 entries", got)
	}
}

func TestCacheExpires(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	a := newTestAggregator(server, &warnCounter{})
	a.opts.TTL = 20 * time.Millisecond
	a.ChannelEmotes(context.Background(), "forsen", "1")
	a.ChannelEmotes(context.Background(), "forsen", "1")
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 (bttv + ffz)", calls.Load())
	}
	time.Sleep(30 * time.Millisecond)
	a.ChannelEmotes(context.Background(), "forsen", "1")
	if calls.Load() != 4 {
		t.Errorf("calls = %d after expiry, want 4", calls.Load())
	}
	a.InvalidateChannel("FORSEN")
	a.ChannelEmotes(context.Background(), "forsen", "1")
	if calls.Load() != 6 {
		t.Errorf("calls = %d after invalidate, want 6", calls.Load())
	}
}
