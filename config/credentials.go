package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/Citiga/BetterRaid/apperr"
	"github.com/Citiga/BetterRaid/crypto"
)

// Credentials file keys.
const (
	keyChannel      = "TWITCH_CHANNEL"
	keyClientID     = "TWITCH_CLIENT_ID"
	keyClientSecret = "TWITCH_CLIENT_SECRET"
	keyAccessToken  = "TWITCH_ACCESS_TOKEN"
	keyRefreshToken = "TWITCH_REFRESH_TOKEN"
	keyTokenExpiry  = "TWITCH_TOKEN_EXPIRY"
)

// applyCredentials reads the KEY=value credentials file. A missing file is
// fine; a malformed one, or a sealed token that cannot be opened, is a
// ConfigurationError.
func applyCredentials(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	m, err := godotenv.Read(path)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return &apperr.ConfigurationError{Field: "CREDENTIALS_PATH", Reason: path, Err: err}
	}
	setIf(&cfg.TwitchChannel, m[keyChannel])
	setIf(&cfg.TwitchClientID, m[keyClientID])
	setIf(&cfg.TwitchClientSecret, m[keyClientSecret])
	for _, tok := range []struct {
		key string
		dst *string
	}{
		{keyAccessToken, &cfg.TwitchAccessToken},
		{keyRefreshToken, &cfg.TwitchRefreshToken},
	} {
		v, err := crypto.Open(cfg.sealer, m[tok.key])
		if err != nil {
			return &apperr.ConfigurationError{Field: tok.key, Reason: path, Err: err}
		}
		setIf(tok.dst, v)
	}
	if v := m[keyTokenExpiry]; v != "" {
		t, err := parseExpiry(v)
		if err != nil {
			return &apperr.ConfigurationError{Field: keyTokenExpiry, Reason: path, Err: err}
		}
		cfg.TwitchTokenExpiry = t
	}
	return nil
}

// CredentialsFile persists refreshed user tokens back into the credentials
// file, keeping the other keys intact. Tokens are sealed when Sealer is set.
type CredentialsFile struct {
	Path   string
	Sealer *crypto.Sealer

	mu sync.Mutex
}

// SaveToken implements oauth.TokenStore.
func (c *CredentialsFile) SaveToken(tok *oauth2.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := godotenv.Read(c.Path)
	if err != nil {
		if !isNotExist(err) {
			return fmt.Errorf("read credentials %s: %w", c.Path, err)
		}
		m = map[string]string{}
	}
	access, err := crypto.Seal(c.Sealer, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	m[keyAccessToken] = access
	if tok.RefreshToken != "" {
		refresh, err := crypto.Seal(c.Sealer, tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		m[keyRefreshToken] = refresh
	}
	if !tok.Expiry.IsZero() {
		m[keyTokenExpiry] = tok.Expiry.UTC().Format(time.RFC3339)
	}
	if err := godotenv.Write(m, c.Path); err != nil {
		return fmt.Errorf("write credentials %s: %w", c.Path, err)
	}
	return os.Chmod(c.Path, 0o600)
}
