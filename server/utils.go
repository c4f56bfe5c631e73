package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// parseIDsQuery returns every positive integer value of a repeated query
// parameter. Values that are not numbers or are zero are skipped.
func parseIDsQuery(r *http.Request, key string) []int64 {
	ids := []int64{}
	for _, v := range r.URL.Query()[key] {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n != 0 {
			ids = append(ids, n)
		}
	}
	return ids
}
