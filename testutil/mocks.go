// Package testutil provides a stateful mock of the Twitch Helix API for tests
// that exercise the real twitchapi client end to end.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockChannel is one channel known to the mock.
type MockChannel struct {
	ID          string
	Login       string
	DisplayName string
	Avatar      string
	Live        bool
	Viewers     int
	Game        string
	Title       string
	StartedAt   time.Time
}

// MockRaid is a recorded POST /helix/raids.
type MockRaid struct {
	FromID string
	ToID   string
}

// MockTwitchServer creates a test server that mocks Twitch Helix API responses.
// Handlers overrides the built-in behaviour for a path.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	channels map[string]*MockChannel
	raids    []MockRaid
	subs     map[string]string
	nextSub  int
	requests map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		channels: map[string]*MockChannel{},
		subs:     map[string]string{},
		requests: map[string]int{},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// HTTPClient returns a client that sends every request, whatever its host, to
// the mock.
func (m *MockTwitchServer) HTTPClient() *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: strings.TrimPrefix(m.URL, "http://")}}
}

// AddChannel registers a channel; it starts offline.
func (m *MockTwitchServer) AddChannel(id, login, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[strings.ToLower(login)] = &MockChannel{
		ID:          id,
		Login:       strings.ToLower(login),
		DisplayName: displayName,
		Avatar:      "https://static-cdn.example/" + strings.ToLower(login) + ".png",
	}
}

// SetLive marks login live with viewers.
func (m *MockTwitchServer) SetLive(login string, viewers int, game, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[strings.ToLower(login)]; ok {
		c.Live, c.Viewers, c.Game, c.Title = true, viewers, game, title
		c.StartedAt = time.Now().UTC().Truncate(time.Second)
	}
}

// SetOffline marks login offline.
func (m *MockTwitchServer) SetOffline(login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[strings.ToLower(login)]; ok {
		c.Live, c.Viewers = false, 0
	}
}

// Raids returns the recorded raids.
func (m *MockTwitchServer) Raids() []MockRaid {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRaid(nil), m.raids...)
}

// Subscriptions returns the live EventSub subscription count.
func (m *MockTwitchServer) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Requests returns how often path was hit.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

func (m *MockTwitchServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests[r.URL.Path]++
	m.mu.Unlock()
	if handler, ok := m.Handlers[r.URL.Path]; ok {
		handler(w, r)
		return
	}
	switch r.URL.Path {
	case "/oauth2/token":
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "mock-app-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	case "/helix/users":
		m.users(w, r)
	case "/helix/streams":
		m.streams(w, r)
	case "/helix/raids":
		m.raid(w, r)
	case "/helix/eventsub/subscriptions":
		m.eventsub(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockTwitchServer) users(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]string{}
	for _, login := range r.URL.Query()["login"] {
		if c, ok := m.channels[strings.ToLower(login)]; ok {
			data = append(data, map[string]string{
				"id":                c.ID,
				"login":             c.Login,
				"display_name":      c.DisplayName,
				"profile_image_url": c.Avatar,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) streams(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]any{}
	for _, login := range r.URL.Query()["user_login"] {
		c, ok := m.channels[strings.ToLower(login)]
		if !ok || !c.Live {
			continue
		}
		data = append(data, map[string]any{
			"user_id":      c.ID,
			"user_login":   c.Login,
			"user_name":    c.DisplayName,
			"game_name":    c.Game,
			"title":        c.Title,
			"type":         "live",
			"viewer_count": c.Viewers,
			"started_at":   c.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) raid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	m.mu.Lock()
	m.raids = append(m.raids, MockRaid{FromID: q.Get("from_broadcaster_id"), ToID: q.Get("to_broadcaster_id")})
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]any{{"created_at": time.Now().UTC(), "is_mature": false}},
	})
}

func (m *MockTwitchServer) eventsub(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.nextSub++
		id := "sub-" + strconv.Itoa(m.nextSub)
		m.subs[id] = body.Type
		writeJSON(w, http.StatusAccepted, map[string]any{"data": []map[string]string{{"id": id, "status": "enabled"}}})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if _, ok := m.subs[id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "subscription not found"})
			return
		}
		delete(m.subs, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// rewriteTransport rewrites all requests to use the mock server
type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}
