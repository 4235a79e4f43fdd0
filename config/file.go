package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Citiga/BetterRaid/apperr"
)

type fileConfig struct {
	RefreshInterval      string `yaml:"refresh_interval"`
	LookupTimeout        string `yaml:"lookup_timeout"`
	TokenRefreshInterval string `yaml:"token_refresh_interval"`
	DBPath               string `yaml:"db_path"`
	CredentialsPath      string `yaml:"credentials_path"`
	HTTPAddr             string `yaml:"http_addr"`
	EventSubURL          string `yaml:"eventsub_url"`
	ChatEnabled          *bool  `yaml:"chat_enabled"`
	RaidAnnounce         string `yaml:"raid_announce"`
}

// applyFile overlays the YAML file at path onto cfg. Only keys present in
// the file change cfg.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &apperr.ConfigurationError{Field: "BETTERRAID_CONFIG", Reason: path, Err: err}
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return &apperr.ConfigurationError{Field: "BETTERRAID_CONFIG", Reason: path, Err: err}
	}
	for name, pair := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"refresh_interval":       {f.RefreshInterval, &cfg.RefreshInterval},
		"lookup_timeout":         {f.LookupTimeout, &cfg.LookupTimeout},
		"token_refresh_interval": {f.TokenRefreshInterval, &cfg.TokenRefreshInterval},
	} {
		if pair.raw == "" {
			continue
		}
		d, err := time.ParseDuration(pair.raw)
		if err != nil {
			return &apperr.ConfigurationError{Field: name, Reason: path, Err: err}
		}
		*pair.dst = d
	}
	setIf(&cfg.DBPath, f.DBPath)
	setIf(&cfg.CredentialsPath, f.CredentialsPath)
	setIf(&cfg.HTTPAddr, f.HTTPAddr)
	setIf(&cfg.EventSubURL, f.EventSubURL)
	setIf(&cfg.RaidAnnounce, f.RaidAnnounce)
	if f.ChatEnabled != nil {
		cfg.ChatEnabled = *f.ChatEnabled
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
