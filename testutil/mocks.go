package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer serves the Helix and id.twitch.tv endpoints used by a bot
// session. Point HelixClient.BaseURL at HelixURL() and ValidateURL at
// ValidateURL().
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu            sync.Mutex
	subscriptions []map[string]any
}

// NewMockTwitchServer creates a mock with no endpoints; unknown paths answer 404.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockTwitchServer) HelixURL() string    { return m.URL + "/helix" }
func (m *MockTwitchServer) ValidateURL() string { return m.URL + "/oauth2/validate" }
func (m *MockTwitchServer) TokenURL() string    { return m.URL + "/oauth2/token" }

// Handle installs fn for path.
func (m *MockTwitchServer) Handle(path string, fn http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = fn
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse answers /helix/users for a single login.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.MockUsers(map[string]string{login: userID}, "")
}

// MockUsers answers /helix/users from logins (login -> id); every user
// reports broadcasterType.
func (m *MockTwitchServer) MockUsers(logins map[string]string, broadcasterType string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		for _, l := range r.URL.Query()["login"] {
			if id, ok := logins[strings.ToLower(l)]; ok {
				data = append(data, map[string]string{
					"id": id, "login": strings.ToLower(l), "display_name": l, "broadcaster_type": broadcasterType,
				})
			}
		}
		writeJSON(w, map[string]any{"data": data})
	})
}

// MockModerators answers /helix/moderation/moderators with logins, one per page.
func (m *MockTwitchServer) MockModerators(logins ...string) {
	m.Handle("/helix/moderation/moderators", pagedLogins(logins))
}

// MockSubscribers answers /helix/subscriptions with logins, one per page.
func (m *MockTwitchServer) MockSubscribers(logins ...string) {
	m.Handle("/helix/subscriptions", pagedLogins(logins))
}

// pagedLogins serves one login per page; the cursor is the previous login.
func pagedLogins(logins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := 0
		if after := r.URL.Query().Get("after"); after != "" {
			for i < len(logins) && logins[i] != after {
				i++
			}
			i++
		}
		data := []map[string]string{}
		cursor := ""
		if i < len(logins) {
			data = append(data, map[string]string{"user_id": "id-" + logins[i], "user_login": logins[i], "user_name": logins[i]})
			if i+1 < len(logins) {
				cursor = logins[i]
			}
		}
		writeJSON(w, map[string]any{"data": data, "pagination": map[string]string{"cursor": cursor}})
	}
}

// MockStatus answers path with an error status.
func (m *MockTwitchServer) MockStatus(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		writeJSON(w, map[string]any{"status": status, "message": http.StatusText(status)})
	})
}

// MockEventSub accepts subscription creation and records each body.
func (m *MockTwitchServer) MockEventSub() {
	m.Handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		m.mu.Lock()
		m.subscriptions = append(m.subscriptions, body)
		n := len(m.subscriptions)
		m.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{"data": []map[string]any{{"id": "sub-" + strings.Repeat("x", n), "status": "enabled"}}})
	})
}

// Subscriptions returns the recorded EventSub creation bodies.
func (m *MockTwitchServer) Subscriptions() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.subscriptions...)
}

// MockValidate answers /oauth2/validate. Tokens absent from owners get 401.
func (m *MockTwitchServer) MockValidate(owners map[string][2]string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
		owner, ok := owners[tok]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, map[string]any{"client_id": "cid", "login": owner[0], "user_id": owner[1], "scopes": []string{}, "expires_in": 3600})
	})
}

// MockOAuthTokenResponse answers the token endpoint for code exchange and refresh.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token":  accessToken,
			"refresh_token": "refresh-" + accessToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	})
}
