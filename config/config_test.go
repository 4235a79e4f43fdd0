package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/Citiga/BetterRaid/apperr"
	"github.com/Citiga/BetterRaid/crypto"
)

// isolate clears every key Load reads so the host environment cannot leak in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{
		"BETTERRAID_CONFIG", "CREDENTIALS_PATH", "TWITCH_CHANNEL", "TWITCH_CLIENT_ID",
		"TWITCH_CLIENT_SECRET", "TWITCH_ACCESS_TOKEN", "TWITCH_REFRESH_TOKEN",
		"TWITCH_TOKEN_EXPIRY", "EVENTSUB_URL", "DB_PATH", "HTTP_ADDR", "CONTROL_TOKEN",
		"RAID_ANNOUNCE", "REFRESH_INTERVAL", "LOOKUP_TIMEOUT", "TOKEN_REFRESH_INTERVAL",
		"CHAT_ENABLED", "CREDENTIALS_KEY",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("CREDENTIALS_PATH", filepath.Join(dir, "none.secret"))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_CLIENT_SECRET", "sec")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RefreshInterval != DefaultRefreshInterval {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}
	if cfg.DBPath != DefaultDBPath || cfg.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("DBPath = %q HTTPAddr = %q", cfg.DBPath, cfg.HTTPAddr)
	}
	if cfg.ChatEnabled {
		t.Error("ChatEnabled should default to false")
	}
	if cfg.UserToken() != nil {
		t.Error("UserToken() should be nil without tokens")
	}
}

func TestLoadConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{"missing client id", map[string]string{"TWITCH_CLIENT_SECRET": "s"}, "TWITCH_CLIENT_ID"},
		{"missing client secret", map[string]string{"TWITCH_CLIENT_ID": "c"}, "TWITCH_CLIENT_SECRET"},
		{"negative interval", map[string]string{"TWITCH_CLIENT_ID": "c", "TWITCH_CLIENT_SECRET": "s", "REFRESH_INTERVAL": "-1s"}, "REFRESH_INTERVAL"},
		{"bad interval", map[string]string{"TWITCH_CLIENT_ID": "c", "TWITCH_CLIENT_SECRET": "s", "REFRESH_INTERVAL": "soon"}, "REFRESH_INTERVAL"},
		{"bad chat flag", map[string]string{"TWITCH_CLIENT_ID": "c", "TWITCH_CLIENT_SECRET": "s", "CHAT_ENABLED": "maybe"}, "CHAT_ENABLED"},
		{"missing config file", map[string]string{"BETTERRAID_CONFIG": "/nonexistent/betterraid.yaml"}, "BETTERRAID_CONFIG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if !apperr.IsConfiguration(err) {
				t.Fatalf("Load() error = %v, want ConfigurationError", err)
			}
			if ce := err.(*apperr.ConfigurationError); ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)

	yamlPath := filepath.Join(dir, "betterraid.yaml")
	yamlDoc := "refresh_interval: 30s\ndb_path: from-file.json\nhttp_addr: 0.0.0.0:9000\nchat_enabled: true\n"
	if err := os.WriteFile(yamlPath, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	credPath := filepath.Join(dir, "betterraid.secret")
	creds := map[string]string{
		"TWITCH_CHANNEL":       "streamer",
		"TWITCH_CLIENT_ID":     "file-id",
		"TWITCH_CLIENT_SECRET": "file-secret",
		"TWITCH_ACCESS_TOKEN":  "file-access",
		"TWITCH_REFRESH_TOKEN": "file-refresh",
		"TWITCH_TOKEN_EXPIRY":  "2026-01-02T03:04:05Z",
	}
	if err := godotenv.Write(creds, credPath); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BETTERRAID_CONFIG", yamlPath)
	t.Setenv("CREDENTIALS_PATH", credPath)
	t.Setenv("DB_PATH", "from-env.json")
	t.Setenv("TWITCH_CLIENT_ID", "env-id")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RefreshInterval != 30*time.Second {
		t.Errorf("RefreshInterval = %v, want file value", cfg.RefreshInterval)
	}
	if cfg.DBPath != "from-env.json" {
		t.Errorf("DBPath = %q, want env to override file", cfg.DBPath)
	}
	if cfg.HTTPAddr != "0.0.0.0:9000" || !cfg.ChatEnabled {
		t.Errorf("HTTPAddr = %q ChatEnabled = %v", cfg.HTTPAddr, cfg.ChatEnabled)
	}
	if cfg.TwitchClientID != "env-id" || cfg.TwitchClientSecret != "file-secret" {
		t.Errorf("client id/secret = %q/%q", cfg.TwitchClientID, cfg.TwitchClientSecret)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("ValidateChatReady() = %v", err)
	}
	tok := cfg.UserToken()
	if tok == nil || tok.AccessToken != "file-access" || tok.RefreshToken != "file-refresh" {
		t.Fatalf("UserToken() = %+v", tok)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC); !tok.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, want)
	}
}

func TestValidateChatReady(t *testing.T) {
	cfg := &Config{TwitchChannel: "streamer"}
	if err := cfg.ValidateChatReady(); err == nil {
		t.Error("expected error without user token")
	}
	cfg.TwitchRefreshToken = "r"
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("ValidateChatReady() = %v", err)
	}
}

func TestCredentialsFileSaveToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "betterraid.secret")
	if err := godotenv.Write(map[string]string{"TWITCH_CLIENT_ID": "cid", "TWITCH_REFRESH_TOKEN": "r1"}, path); err != nil {
		t.Fatal(err)
	}
	cf := &CredentialsFile{Path: path}
	exp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := cf.SaveToken(&oauth2.Token{AccessToken: "a2", Expiry: exp}); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	got, err := godotenv.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if got["TWITCH_CLIENT_ID"] != "cid" {
		t.Errorf("unrelated key lost: %v", got)
	}
	if got["TWITCH_ACCESS_TOKEN"] != "a2" || got["TWITCH_REFRESH_TOKEN"] != "r1" {
		t.Errorf("tokens = %q/%q", got["TWITCH_ACCESS_TOKEN"], got["TWITCH_REFRESH_TOKEN"])
	}
	if got["TWITCH_TOKEN_EXPIRY"] != "2026-05-01T12:00:00Z" {
		t.Errorf("expiry = %q", got["TWITCH_TOKEN_EXPIRY"])
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestCredentialsFileCreatesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.secret")
	cf := &CredentialsFile{Path: path}
	if err := cf.SaveToken(&oauth2.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	got, err := godotenv.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if got["TWITCH_ACCESS_TOKEN"] != "a" || got["TWITCH_REFRESH_TOKEN"] != "r" {
		t.Errorf("got %v", got)
	}
}

func TestSealedCredentialsRoundTrip(t *testing.T) {
	dir := isolate(t)
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	path := filepath.Join(dir, "sealed.secret")
	if err := godotenv.Write(map[string]string{"TWITCH_CLIENT_ID": "cid", "TWITCH_CLIENT_SECRET": "sec"}, path); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CREDENTIALS_PATH", path)
	t.Setenv("CREDENTIALS_KEY", key)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.CredentialsStore().SaveToken(&oauth2.Token{AccessToken: "acc", RefreshToken: "ref"}); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	raw, err := godotenv.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if !crypto.IsSealed(raw["TWITCH_ACCESS_TOKEN"]) || !crypto.IsSealed(raw["TWITCH_REFRESH_TOKEN"]) {
		t.Fatalf("tokens not sealed on disk: %v", raw)
	}

	cfg, err = Load()
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if cfg.TwitchAccessToken != "acc" || cfg.TwitchRefreshToken != "ref" {
		t.Errorf("tokens = %q/%q", cfg.TwitchAccessToken, cfg.TwitchRefreshToken)
	}

	t.Setenv("CREDENTIALS_KEY", "")
	_, err = Load()
	var ce *apperr.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "TWITCH_ACCESS_TOKEN" || !errors.Is(err, crypto.ErrNoKey) {
		t.Errorf("Load() without key error = %v", err)
	}
}

func TestInvalidCredentialsKey(t *testing.T) {
	isolate(t)
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_CLIENT_SECRET", "sec")
	t.Setenv("CREDENTIALS_KEY", "short")
	_, err := Load()
	var ce *apperr.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "CREDENTIALS_KEY" {
		t.Errorf("Load() error = %v, want CREDENTIALS_KEY ConfigurationError", err)
	}
}
