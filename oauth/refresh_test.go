package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type memStore struct {
	mu    sync.Mutex
	saved []*oauth2.Token
	err   error
}

func (m *memStore) SaveToken(tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, tok)
	return m.err
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func tokenServer(t *testing.T, refreshToken string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("client_id"); got != "cid" {
			t.Errorf("client_id = %q, want credentials in params", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": refreshToken,
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testConfig(tokenURL string) *oauth2.Config {
	cfg := TwitchConfig("cid", "secret")
	cfg.Endpoint.TokenURL = tokenURL
	cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	return cfg
}

func TestSourceReturnsValidToken(t *testing.T) {
	srv, calls := tokenServer(t, "r2")
	src := NewSource(testConfig(srv.URL), &oauth2.Token{
		AccessToken:  "still-good",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(time.Hour),
	}, nil)

	tok, err := src.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "still-good" || calls.Load() != 0 {
		t.Fatalf("token = %q after %d calls; want cached", tok.AccessToken, calls.Load())
	}
}

func TestSourceRefreshesExpiredTokenAndPersists(t *testing.T) {
	srv, calls := tokenServer(t, "")
	store := &memStore{}
	src := NewSource(testConfig(srv.URL), &oauth2.Token{
		AccessToken:  "old",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(-time.Minute),
	}, store)

	tok, err := src.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "new-access" || calls.Load() != 1 {
		t.Fatalf("token = %q after %d calls", tok.AccessToken, calls.Load())
	}
	if tok.RefreshToken != "r1" {
		t.Fatalf("refresh token = %q, want previous one kept", tok.RefreshToken)
	}
	if store.count() != 1 {
		t.Fatalf("persisted %d tokens, want 1", store.count())
	}
	if time.Until(src.Expiry()) < 50*time.Minute {
		t.Fatalf("expiry not updated: %v", src.Expiry())
	}
}

func TestSourceWithoutRefreshToken(t *testing.T) {
	src := NewSource(testConfig("http://127.0.0.1:1"), nil, nil)
	if _, err := src.Token(); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("Token() = %v, want ErrNoRefreshToken", err)
	}
	if src.CanRefresh() {
		t.Fatal("CanRefresh() = true without refresh token")
	}
}

func TestSourcePersistFailureKeepsToken(t *testing.T) {
	srv, _ := tokenServer(t, "r2")
	store := &memStore{err: errors.New("disk full")}
	src := NewSource(testConfig(srv.URL), &oauth2.Token{RefreshToken: "r1"}, store)
	tok, err := src.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() = %v; persistence failure must not fail the refresh", err)
	}
	if tok.RefreshToken != "r2" {
		t.Fatalf("refresh token = %q, want rotated r2", tok.RefreshToken)
	}
}

func TestStartRefresherOutsideWindow(t *testing.T) {
	srv, calls := tokenServer(t, "r2")
	src := NewSource(testConfig(srv.URL), &oauth2.Token{
		AccessToken:  "a",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(time.Hour),
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, src, 20*time.Millisecond, 30*time.Minute)
	<-ctx.Done()

	if calls.Load() != 0 {
		t.Errorf("refresh called %d times for token outside the window", calls.Load())
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	srv, calls := tokenServer(t, "r2")
	store := &memStore{}
	src := NewSource(testConfig(srv.URL), &oauth2.Token{
		AccessToken:  "a",
		RefreshToken: "r1",
		Expiry:       time.Now().Add(5 * time.Minute),
	}, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRefresher(ctx, src, 20*time.Millisecond, 15*time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.count() == 0 {
		t.Fatal("token inside the window was not refreshed")
	}
	// The fresh token is an hour out, so the refresher goes quiet again.
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestStartRefresherDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Zero interval and window fall back to defaults without panicking.
	StartRefresher(ctx, NewSource(testConfig("http://127.0.0.1:1"), nil, nil), 0, 0)
}
