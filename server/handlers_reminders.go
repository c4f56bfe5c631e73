package server

import (
	"log/slog"
	"net/http"
)

// HandleReloadAll reloads the channel configuration from the store.
func (h *Handlers) HandleReloadAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Channels == nil {
		http.Error(w, "channels unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.Channels.Reload(r.Context()); err != nil {
		h.log.Error("channel reload failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

// HandleReloadSpecific re-reads the reminders named by repeated ID query
// parameters and reports which of them are loaded afterwards.
func (h *Handlers) HandleReloadSpecific(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Reminders == nil {
		http.Error(w, "reminders unavailable", http.StatusServiceUnavailable)
		return
	}
	ids := parseIDsQuery(r, "ID")
	result, err := h.Reminders.ReloadSpecific(r.Context(), ids...)
	if err != nil {
		h.log.Error("reminder reload failed", slog.Any("ids", ids), slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	active, inactive := []int64{}, []int64{}
	for _, id := range ids {
		if _, ok := h.Reminders.Get(id); ok {
			active = append(active, id)
		} else {
			inactive = append(inactive, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processedIDs": ids,
		"active":       active,
		"inactive":     inactive,
		"result":       result,
	})
}
