// Package oauth keeps the Twitch user token fresh. Source is an
// oauth2.TokenSource that refreshes on demand and persists every new token;
// StartRefresher refreshes proactively with jittered checks when expiry falls
// within a configured window.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// ErrNoRefreshToken is returned when a refresh is needed but impossible.
var ErrNoRefreshToken = errors.New("oauth: no refresh token")

// TokenStore persists the user token.
type TokenStore interface {
	SaveToken(tok *oauth2.Token) error
}

// TwitchConfig returns the oauth2 config for the Twitch token endpoint.
func TwitchConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: twitch.Endpoint}
}

// Source hands out the user access token and refreshes it when invalid.
type Source struct {
	cfg   *oauth2.Config
	store TokenStore
	// HTTPClient is used for refresh requests when set.
	HTTPClient *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewSource wraps tok. store may be nil.
func NewSource(cfg *oauth2.Config, tok *oauth2.Token, store TokenStore) *Source {
	if tok == nil {
		tok = &oauth2.Token{}
	}
	return &Source{cfg: cfg, tok: tok, store: store}
}

// Token implements oauth2.TokenSource.
func (s *Source) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok.Valid() {
		return s.tok, nil
	}
	return s.refreshLocked(context.Background())
}

// Refresh forces a refresh.
func (s *Source) Refresh(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// Expiry returns the current token's expiry (zero when unknown).
func (s *Source) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok.Expiry
}

// CanRefresh reports whether a refresh token is available.
func (s *Source) CanRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok.RefreshToken != ""
}

func (s *Source) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	rt := s.tok.RefreshToken
	if rt == "" {
		return nil, ErrNoRefreshToken
	}
	if s.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	}
	nt, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		return nil, err
	}
	if nt.RefreshToken == "" {
		nt.RefreshToken = rt
	}
	s.tok = nt
	if s.store != nil {
		if err := s.store.SaveToken(nt); err != nil {
			slog.Warn("token persist failed", slog.String("provider", "twitch"), slog.Any("err", err))
		}
	}
	slog.Info("token refreshed", slog.String("provider", "twitch"), slog.Time("expires_at", nt.Expiry))
	return nt, nil
}

// StartRefresher launches a goroutine that periodically checks src and
// refreshes it.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, src *Source, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if src.CanRefresh() && time.Until(src.Expiry()) <= window {
				ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
				_, err := src.Refresh(ctx2)
				cancel()
				if err != nil && ctx.Err() == nil {
					slog.Warn("token refresh failed", slog.String("provider", "twitch"), slog.Any("err", err))
				}
			}
			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := max(interval+jitter, interval/2)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
