package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the backend configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Keycloak  KeycloakConfig  `yaml:"keycloak"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string     `yaml:"public_url"`
	DevListenAddr     string     `yaml:"dev_listen_addr"`
	HTTPListenAddr    string     `yaml:"http_listen_addr"`
	HTTPSListenAddr   string     `yaml:"https_listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	TLS               TLSConfig  `yaml:"tls"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	CORS              CORSConfig `yaml:"cors"`
	MetricsEnabled    bool       `yaml:"metrics_enabled"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the backend. The
// native app sends no Origin header and is not affected.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// KeycloakConfig identifies the realm and the confidential client the backend
// uses for code exchange, refresh and token exchange.
type KeycloakConfig struct {
	Issuer       string        `yaml:"issuer"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Discovery    bool          `yaml:"discovery"`
	RedirectURIs []string      `yaml:"redirect_uris"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ExchangeConfig controls /auth/token-exchange.
type ExchangeConfig struct {
	DefaultAudience  string   `yaml:"default_audience"`
	AllowedAudiences []string `yaml:"allowed_audiences"`
}

// RateLimitConfig is a per client IP limit on the /auth endpoints.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	Burst             int           `yaml:"burst"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:3001",
			DevListenAddr:   "0.0.0.0:3001",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			MetricsEnabled:  true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".autocert",
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000", "http://localhost:8081", "http://localhost:19006"},
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Keycloak: KeycloakConfig{
			Issuer:    "http://localhost:8080/realms/workshop",
			ClientID:  "mobile-app",
			Discovery: true,
			Timeout:   10 * time.Second,
		},
		Exchange: ExchangeConfig{
			DefaultAudience:  "device-dashboard",
			AllowedAudiences: []string{"device-dashboard"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 60,
			Window:            time.Minute,
			Burst:             20,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"WVAUTH_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"WVAUTH_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"WVAUTH_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"WVAUTH_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"WVAUTH_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"WVAUTH_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"WVAUTH_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"WVAUTH_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"WVAUTH_KEYCLOAK_ISSUER":          func(v string) { cfg.Keycloak.Issuer = v },
		"WVAUTH_KEYCLOAK_CLIENT_ID":       func(v string) { cfg.Keycloak.ClientID = v },
		"WVAUTH_KEYCLOAK_CLIENT_SECRET":   func(v string) { cfg.Keycloak.ClientSecret = v },
		"WVAUTH_KEYCLOAK_DISCOVERY":       func(v string) { cfg.Keycloak.Discovery = parseBool(v, cfg.Keycloak.Discovery) },
		"WVAUTH_KEYCLOAK_REDIRECT_URIS":   func(v string) { cfg.Keycloak.RedirectURIs = splitAndTrim(v) },
		"WVAUTH_KEYCLOAK_TIMEOUT":         func(v string) { cfg.Keycloak.Timeout = parseDuration(v, cfg.Keycloak.Timeout) },
		"WVAUTH_EXCHANGE_AUDIENCE":        func(v string) { cfg.Exchange.DefaultAudience = v },
		"WVAUTH_EXCHANGE_AUDIENCES":       func(v string) { cfg.Exchange.AllowedAudiences = splitAndTrim(v) },
		"WVAUTH_RATE_LIMIT_ENABLED":       func(v string) { cfg.RateLimit.Enabled = parseBool(v, cfg.RateLimit.Enabled) },
		"WVAUTH_RATE_LIMIT_REQUESTS":      func(v string) { cfg.RateLimit.RequestsPerWindow = parseInt(v, cfg.RateLimit.RequestsPerWindow) },
		"WVAUTH_RATE_LIMIT_WINDOW":        func(v string) { cfg.RateLimit.Window = parseDuration(v, cfg.RateLimit.Window) },
		"WVAUTH_RATE_LIMIT_BURST":         func(v string) { cfg.RateLimit.Burst = parseInt(v, cfg.RateLimit.Burst) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. Missing Keycloak settings
// fail here rather than on the first request.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	for i, origin := range c.Server.CORS.AllowedOrigins {
		if origin != "*" && extractOrigin(origin) != strings.TrimSuffix(origin, "/") {
			slog.Error("Invalid CORS origin", "field", "server.cors.allowed_origins", "index", i, "value", origin)
			return fmt.Errorf("server.cors.allowed_origins[%d] must be a bare origin like https://app.example.com, got: %s", i, origin)
		}
	}

	if c.Keycloak.Issuer == "" {
		slog.Error("Missing required configuration", "field", "keycloak.issuer")
		return errors.New("keycloak.issuer is required")
	}
	if !isHTTPURL(c.Keycloak.Issuer) {
		slog.Error("Invalid configuration value", "field", "keycloak.issuer", "value", c.Keycloak.Issuer, "reason", "must start with http:// or https://")
		return fmt.Errorf("keycloak.issuer must start with http:// or https://, got: %s", c.Keycloak.Issuer)
	}
	if c.Keycloak.ClientID == "" {
		slog.Error("Missing required configuration", "field", "keycloak.client_id")
		return errors.New("keycloak.client_id is required")
	}
	if c.Keycloak.ClientSecret == "" {
		slog.Error("Missing required configuration", "field", "keycloak.client_secret", "hint", "set WVAUTH_KEYCLOAK_CLIENT_SECRET")
		return errors.New("keycloak.client_secret is required")
	}
	for i, uri := range c.Keycloak.RedirectURIs {
		if !isSafeRedirectURI(uri) {
			slog.Error("Invalid redirect URI", "field", "keycloak.redirect_uris", "index", i, "redirect_uri", uri)
			return fmt.Errorf("keycloak.redirect_uris[%d] is not a safe redirect uri: %s", i, uri)
		}
	}

	if c.Exchange.DefaultAudience != "" && len(c.Exchange.AllowedAudiences) > 0 && !contains(c.Exchange.AllowedAudiences, c.Exchange.DefaultAudience) {
		slog.Error("Default audience not allowed", "field", "exchange.default_audience", "value", c.Exchange.DefaultAudience)
		return fmt.Errorf("exchange.default_audience %q must be listed in exchange.allowed_audiences", c.Exchange.DefaultAudience)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 || c.RateLimit.Burst <= 0 {
			slog.Error("Invalid rate limit", "requests_per_window", c.RateLimit.RequestsPerWindow, "window", c.RateLimit.Window, "burst", c.RateLimit.Burst)
			return errors.New("rate_limit.requests_per_window, rate_limit.window and rate_limit.burst must be positive")
		}
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(raw string) string {
	if raw == "" || raw == "*" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
