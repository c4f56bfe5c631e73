package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockWhisperResponse accepts whispers on the /helix/whispers endpoint and
// records each request body.
func (m *MockTwitchServer) MockWhisperResponse(sent *[]map[string]string) {
	m.Handlers["/helix/whispers"] = func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		body["from_user_id"] = r.URL.Query().Get("from_user_id")
		body["to_user_id"] = r.URL.Query().Get("to_user_id")
		*sent = append(*sent, body)
		w.WriteHeader(http.StatusNoContent)
	}
}

// MockStreamsResponse adds a handler for the batched /kraken/streams endpoint.
// Each entry needs at least "_id" and "name"; "game" and "viewers" are optional.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/kraken/streams"] = func(w http.ResponseWriter, r *http.Request) {
		out := make([]map[string]interface{}, 0, len(streams))
		for _, s := range streams {
			out = append(out, map[string]interface{}{
				"game":       s["game"],
				"viewers":    s["viewers"],
				"created_at": "2024-01-01T00:00:00Z",
				"channel":    map[string]interface{}{"_id": s["_id"], "name": s["name"], "status": s["title"]},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"streams": out}) //nolint:errcheck // test mock response
	}
}

// MockChattersResponse adds a TMI chatter list for one channel.
func (m *MockTwitchServer) MockChattersResponse(channel string, groups map[string][]string) {
	m.Handlers["/group/user/"+channel+"/chatters"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"chatters": groups}) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
