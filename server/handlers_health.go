package server

import (
	"errors"
	"net/http"
	"sort"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.DB == nil {
				return nil
			}
			return h.DB.Ping(r.Context())
		}},
		{"chat_connection", func() error {
			if h.Chat == nil || !h.Chat.Connected() {
				return errors.New("not connected to chat")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type channelStatus struct {
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	Joined     bool   `json:"joined"`
	Parted     bool   `json:"parted,omitempty"`
	RecentBans uint   `json:"recent_bans"`
	Queued     int    `json:"queued"`
}

// HandleStatus returns a lightweight summary of the connector: connection,
// per-channel session state, failed joins and loaded reminders.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{}
	if h.Chat != nil {
		out["connected"] = h.Chat.Connected()
		failed := h.Chat.FailedJoins()
		sort.Strings(failed)
		out["failed_joins"] = failed
	}
	if h.Channels != nil {
		list := []channelStatus{}
		for _, ch := range h.Channels.All() {
			s := ch.Session()
			st := channelStatus{
				Name:       ch.Name(),
				Mode:       ch.Mode().String(),
				Joined:     s.Joined,
				Parted:     s.Parted,
				RecentBans: s.RecentBans,
			}
			if h.Chat != nil {
				st.Queued = h.Chat.QueueDepth(ch.Name())
			}
			list = append(list, st)
		}
		out["channels"] = list
	}
	if h.Reminders != nil {
		out["reminders_loaded"] = h.Reminders.Len()
	}
	writeJSON(w, http.StatusOK, out)
}
