// Package dashboard is the device dashboard that receives an exchanged access
// token in its URL fragment and validates it against the Keycloak realm keys.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"webviewauth/keycloak"
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	// Issuer is the realm issuer, e.g. http://localhost:8080/realms/workshop.
	Issuer string
	// JWKSURL defaults to the realm certs endpoint.
	JWKSURL          string
	ExpectedAudience string
	// AllowedParties restricts azp when set.
	AllowedParties []string
	CacheTTL       time.Duration
	// RefetchInterval bounds how often an unknown kid may trigger a JWKS
	// fetch. Defaults to 30s.
	RefetchInterval time.Duration
	HTTPClient      *http.Client
}

// Validator verifies Keycloak-signed access tokens.
type Validator struct {
	cfg     ValidatorConfig
	client  *http.Client
	now     func() time.Time
	fetches singleflight.Group
	mu      sync.RWMutex
	cache   jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// Claims is a simplified view of validated token claims.
type Claims struct {
	Subject         string
	Username        string
	Email           string
	Issuer          string
	Audiences       []string
	AuthorizedParty string
	Roles           []string
	ExpiresAt       time.Time
	IssuedAt        time.Time
}

// Validation failures.
var (
	ErrTokenRequired    = errors.New("token required")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrAudienceRejected = errors.New("audience rejected")
	ErrPartyRejected    = errors.New("authorized party rejected")
)

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RefetchInterval == 0 {
		cfg.RefetchInterval = 30 * time.Second
	}
	if cfg.JWKSURL == "" && cfg.Issuer != "" {
		cfg.JWKSURL = keycloak.Endpoints(cfg.Issuer).Certs
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	return &Validator{cfg: cfg, client: client, now: time.Now}
}

// Validate downloads JWKS if necessary and validates the token.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, ErrTokenRequired
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Keycloak rotated its keys
			if _, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(v.currentSet(), kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.mapClaims(claims)
}

// RequireAuth validates the bearer token and injects claims into the context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid_token", "invalid authorization header")
				return
			}

			claims, err := v.Validate(r.Context(), strings.TrimSpace(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

// ensureJWKS returns the cached key set, fetching it when the cache expired.
// A non-empty kid asks for a refetch after key rotation; those are rate
// limited by RefetchInterval and concurrent fetches are collapsed.
func (v *Validator) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	now := v.now()
	if cache.set.Keys != nil {
		if kid == "" && now.Before(cache.expires) {
			return cache.set, nil
		}
		if kid != "" && now.Sub(cache.fetched) < v.cfg.RefetchInterval {
			return cache.set, nil
		}
	}

	set, err, _ := v.fetches.Do("jwks", func() (any, error) {
		return v.fetchJWKS(ctx, cache)
	})
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return set.(jose.JSONWebKeySet), nil
}

func (v *Validator) fetchJWKS(ctx context.Context, cache jwksCache) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.fetched = v.now()
		cache.expires = cache.fetched.Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	cache = jwksCache{set: set, fetched: v.now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func (v *Validator) currentSet() jose.JSONWebKeySet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache.set
}

func (v *Validator) mapClaims(mc jwt.MapClaims) (*Claims, error) {
	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, ErrIssuerMismatch
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("sub missing")
	}

	audiences := normalizeAudience(mc["aud"])
	if v.cfg.ExpectedAudience != "" && !contains(audiences, v.cfg.ExpectedAudience) {
		return nil, ErrAudienceRejected
	}

	azp, _ := mc["azp"].(string)
	if len(v.cfg.AllowedParties) > 0 && !contains(v.cfg.AllowedParties, azp) {
		return nil, ErrPartyRejected
	}

	username, _ := mc["preferred_username"].(string)
	email, _ := mc["email"].(string)

	return &Claims{
		Subject:         sub,
		Username:        username,
		Email:           email,
		Issuer:          iss,
		Audiences:       audiences,
		AuthorizedParty: azp,
		Roles:           realmRoles(mc["realm_access"]),
		ExpiresAt:       parseUnix(mc["exp"]),
		IssuedAt:        parseUnix(mc["iat"]),
	}, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return v
	default:
		return nil
	}
}

// realmRoles reads Keycloak's realm_access.roles claim.
func realmRoles(val any) []string {
	access, ok := val.(map[string]any)
	if !ok {
		return nil
	}
	return normalizeAudience(access["roles"])
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
