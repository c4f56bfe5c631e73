package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/events"
)

const (
	sseBuffer    = 64
	sseKeepAlive = 15 * time.Second
)

// HandleEvents streams bus events as Server-Sent Events. With ?channel= only
// that channel's events are sent. Events a slow client cannot keep up with
// are dropped.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Bus == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	name := channel.Normalize(r.URL.Query().Get("channel"))
	q := events.NewQueue(sseBuffer)
	if name != "" {
		h.Bus.Subscribe(name, q)
		defer h.Bus.Unsubscribe(name, q)
	} else {
		h.Bus.SubscribeGlobal(q)
		defer h.Bus.UnsubscribeGlobal(q)
	}
	defer q.Close()

	id := uuid.NewString()
	lg := h.log.With(slog.String("subscriber", id), slog.String("channel", name))
	lg.Info("event stream opened")
	defer lg.Info("event stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("event: hello\ndata: {\"subscriber\":\"" + id + "\"}\n\n")); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-q.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				lg.Warn("encode event failed", slog.String("type", string(ev.Type())), slog.Any("err", err))
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Type()) + "\ndata: ")); err != nil {
				lg.Warn("failed to write SSE event", slog.Any("err", err))
				return
			}
			if _, err := w.Write(append(data, '\n', '\n')); err != nil {
				lg.Warn("failed to write SSE data", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
