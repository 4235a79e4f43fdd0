// Package config builds the typed Config passed to every component at startup.
// Values come from defaults, an optional YAML file (BETTERRAID_CONFIG), the
// credentials file and the environment, in increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Citiga/BetterRaid/apperr"
	"github.com/Citiga/BetterRaid/crypto"
)

// Defaults.
const (
	DefaultRefreshInterval      = 10 * time.Second
	DefaultDBPath               = "db.json"
	DefaultHTTPAddr             = "127.0.0.1:8080"
	DefaultTokenRefreshInterval = 5 * time.Minute
	DefaultLookupTimeout        = 8 * time.Second
	credentialsFileName         = "betterraid.secret"
)

// Config is the process configuration, built by Load from the environment and
// the credentials file. Token fields hold plaintext; sealing happens only when
// the credentials file is written.
type Config struct {
	// Twitch
	TwitchChannel      string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchAccessToken  string
	TwitchRefreshToken string
	TwitchTokenExpiry  time.Time
	EventSubURL        string

	// Files
	DBPath          string
	CredentialsPath string
	// CredentialsKey seals tokens written back to the credentials file
	// (base64, 32 bytes). Empty keeps them in plain text.
	CredentialsKey  string

	// Engine
	RefreshInterval time.Duration
	LookupTimeout   time.Duration

	// HTTP
	HTTPAddr     string
	ControlToken string

	// Chat and tokens
	ChatEnabled          bool
	RaidAnnounce         string
	TokenRefreshInterval time.Duration

	sealer *crypto.Sealer
}

// Load assembles the configuration. Missing Twitch client credentials, a
// non-positive interval, an empty store path or an unreadable config file are
// ConfigurationErrors. A missing credentials file is not an error.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:               DefaultDBPath,
		CredentialsPath:      defaultCredentialsPath(),
		RefreshInterval:      DefaultRefreshInterval,
		LookupTimeout:        DefaultLookupTimeout,
		HTTPAddr:             DefaultHTTPAddr,
		TokenRefreshInterval: DefaultTokenRefreshInterval,
	}

	if path := os.Getenv("BETTERRAID_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("CREDENTIALS_PATH"); v != "" {
		cfg.CredentialsPath = v
	}
	if v := os.Getenv("CREDENTIALS_KEY"); v != "" {
		cfg.CredentialsKey = v
	}
	if cfg.CredentialsKey != "" {
		sealer, err := crypto.NewSealer(cfg.CredentialsKey)
		if err != nil {
			return nil, &apperr.ConfigurationError{Field: "CREDENTIALS_KEY", Reason: "invalid", Err: err}
		}
		cfg.sealer = sealer
	}
	if err := applyCredentials(cfg, cfg.CredentialsPath); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every run needs.
func (c *Config) Validate() error {
	switch {
	case c.TwitchClientID == "":
		return &apperr.ConfigurationError{Field: "TWITCH_CLIENT_ID", Reason: "missing"}
	case c.TwitchClientSecret == "":
		return &apperr.ConfigurationError{Field: "TWITCH_CLIENT_SECRET", Reason: "missing"}
	case c.RefreshInterval <= 0:
		return &apperr.ConfigurationError{Field: "REFRESH_INTERVAL", Reason: "must be positive"}
	case strings.TrimSpace(c.DBPath) == "":
		return &apperr.ConfigurationError{Field: "DB_PATH", Reason: "empty"}
	}
	return nil
}

// ValidateChatReady checks required fields when chat is enabled.
func (c *Config) ValidateChatReady() error {
	if c.TwitchChannel == "" || (c.TwitchAccessToken == "" && c.TwitchRefreshToken == "") {
		return &apperr.ConfigurationError{Field: "chat", Reason: "require TWITCH_CHANNEL and a user token (TWITCH_ACCESS_TOKEN or TWITCH_REFRESH_TOKEN)"}
	}
	return nil
}

// CredentialsStore returns the writer that persists refreshed user tokens.
func (c *Config) CredentialsStore() *CredentialsFile {
	return &CredentialsFile{Path: c.CredentialsPath, Sealer: c.sealer}
}

// UserToken returns the configured user token, or nil when there is none.
func (c *Config) UserToken() *oauth2.Token {
	if c.TwitchAccessToken == "" && c.TwitchRefreshToken == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  c.TwitchAccessToken,
		RefreshToken: c.TwitchRefreshToken,
		TokenType:    "bearer",
		Expiry:       c.TwitchTokenExpiry,
	}
}

func applyEnv(cfg *Config) error {
	for key, dst := range map[string]*string{
		"TWITCH_CHANNEL":       &cfg.TwitchChannel,
		"TWITCH_CLIENT_ID":     &cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": &cfg.TwitchClientSecret,
		"TWITCH_ACCESS_TOKEN":  &cfg.TwitchAccessToken,
		"TWITCH_REFRESH_TOKEN": &cfg.TwitchRefreshToken,
		"EVENTSUB_URL":         &cfg.EventSubURL,
		"DB_PATH":              &cfg.DBPath,
		"HTTP_ADDR":            &cfg.HTTPAddr,
		"CONTROL_TOKEN":        &cfg.ControlToken,
		"RAID_ANNOUNCE":        &cfg.RaidAnnounce,
	} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("TWITCH_TOKEN_EXPIRY"); v != "" {
		t, err := parseExpiry(v)
		if err != nil {
			return &apperr.ConfigurationError{Field: "TWITCH_TOKEN_EXPIRY", Err: err}
		}
		cfg.TwitchTokenExpiry = t
	}
	for key, dst := range map[string]*time.Duration{
		"REFRESH_INTERVAL":       &cfg.RefreshInterval,
		"LOOKUP_TIMEOUT":         &cfg.LookupTimeout,
		"TOKEN_REFRESH_INTERVAL": &cfg.TokenRefreshInterval,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return &apperr.ConfigurationError{Field: key, Err: err}
			}
			*dst = d
		}
	}
	if v := os.Getenv("CHAT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &apperr.ConfigurationError{Field: "CHAT_ENABLED", Err: err}
		}
		cfg.ChatEnabled = b
	}
	return nil
}

func parseExpiry(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func defaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return credentialsFileName
	}
	return filepath.Join(home, credentialsFileName)
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
