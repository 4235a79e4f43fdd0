package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
)

// expiryBuffer is how long before expiry a cached token is considered stale.
const expiryBuffer = 60 * time.Second

// ErrNoClientCredentials is returned when the app token cannot be requested.
var ErrNoClientCredentials = errors.New("missing client id/secret for twitch app token")

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// App tokens serve the read-only Helix lookups; raids, EventSub WebSocket
// subscriptions and chat need the user token instead.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

// Get returns a cached app token, fetching a new one when it is missing or
// within expiryBuffer of expiry. Concurrent callers share one fetch.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && time.Until(ts.tok.Expiry) > expiryBuffer {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", ErrNoClientCredentials
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     twitch.Endpoint.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

// SetToken seeds the cache with a token obtained elsewhere.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tok = &oauth2.Token{AccessToken: token, TokenType: "bearer", Expiry: expiresAt}
}

// Invalidate drops the cached token so the next Get fetches a new one. Helix
// calls use it after a 401.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tok = nil
}
