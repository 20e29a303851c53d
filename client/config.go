package client

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"webviewauth/keycloak"
)

// Config describes how the client reaches Keycloak, the auth-exchange backend
// and the device dashboard.
type Config struct {
	Platform          Platform      `yaml:"platform"`
	BackendURL        string        `yaml:"backend_url"`
	Issuer            string        `yaml:"issuer"`
	ClientID          string        `yaml:"client_id"`
	RedirectURI       string        `yaml:"redirect_uri"`
	Scopes            []string      `yaml:"scopes"`
	DashboardClientID string        `yaml:"dashboard_client_id"`
	DashboardURL      string        `yaml:"dashboard_url"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	Storage           StorageConfig `yaml:"storage"`
}

// DefaultConfig matches the workshop docker-compose setup.
func DefaultConfig() Config {
	return Config{
		Platform:          PlatformNative,
		BackendURL:        "http://localhost:3001",
		Issuer:            "http://localhost:8080/realms/workshop",
		ClientID:          "mobile-app",
		RedirectURI:       "http://127.0.0.1:8765/callback",
		Scopes:            []string{"openid", "profile", "email"},
		DashboardClientID: "device-dashboard",
		DashboardURL:      "http://localhost:3000/dashboard",
		RefreshInterval:   5 * time.Minute,
		HTTPTimeout:       15 * time.Second,
	}
}

// Endpoints returns the Keycloak realm endpoints for the configured issuer.
func (c Config) Endpoints() keycloak.RealmEndpoints {
	return keycloak.Endpoints(c.Issuer)
}

// LoadConfig reads an optional YAML file and applies WVAUTH_* overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			slog.Error("failed to parse client configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"WVAUTH_PLATFORM":            func(v string) { cfg.Platform = Platform(strings.ToLower(v)) },
		"WVAUTH_BACKEND_URL":         func(v string) { cfg.BackendURL = v },
		"WVAUTH_ISSUER":              func(v string) { cfg.Issuer = v },
		"WVAUTH_CLIENT_ID":           func(v string) { cfg.ClientID = v },
		"WVAUTH_REDIRECT_URI":        func(v string) { cfg.RedirectURI = v },
		"WVAUTH_DASHBOARD_CLIENT_ID": func(v string) { cfg.DashboardClientID = v },
		"WVAUTH_DASHBOARD_URL":       func(v string) { cfg.DashboardURL = v },
		"WVAUTH_STORAGE_DRIVER":      func(v string) { cfg.Storage.Driver = v },
		"WVAUTH_STORAGE_PATH":        func(v string) { cfg.Storage.Path = v },
		"WVAUTH_REFRESH_INTERVAL": func(v string) {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.RefreshInterval = d
			}
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate fails fast on configuration that can never work.
func (c Config) Validate() error {
	if c.Platform != PlatformNative && c.Platform != PlatformWeb {
		slog.Error("invalid client configuration", "field", "platform", "value", c.Platform)
		return &ConfigError{Field: "platform", Reason: fmt.Sprintf("must be %q or %q, got %q", PlatformNative, PlatformWeb, c.Platform)}
	}
	required := []struct {
		field, value string
	}{
		{"issuer", c.Issuer},
		{"client_id", c.ClientID},
		{"backend_url", c.BackendURL},
		{"redirect_uri", c.RedirectURI},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			slog.Error("missing required client configuration", "field", r.field)
			return &ConfigError{Field: r.field, Reason: "is required"}
		}
	}
	for _, u := range []struct{ field, value string }{{"issuer", c.Issuer}, {"backend_url", c.BackendURL}} {
		if !strings.HasPrefix(u.value, "http://") && !strings.HasPrefix(u.value, "https://") {
			slog.Error("invalid client configuration", "field", u.field, "value", u.value, "reason", "must start with http:// or https://")
			return &ConfigError{Field: u.field, Reason: "must start with http:// or https://"}
		}
	}
	return nil
}
