package server

import (
	"net/url"
	"strings"
)

// RedirectPolicy decides which redirect URIs the backend forwards to Keycloak
// during code exchange. Keycloak checks the URI again; this stops the
// backend from being used to probe arbitrary registrations.
type RedirectPolicy struct {
	allowed map[string]struct{}
}

// NewRedirectPolicy builds a policy from the configured URIs. An empty list
// allows every safe URI, which is what local workshops want.
func NewRedirectPolicy(uris []string) *RedirectPolicy {
	p := &RedirectPolicy{}
	if len(uris) == 0 {
		return p
	}
	p.allowed = make(map[string]struct{}, len(uris))
	for _, u := range uris {
		p.allowed[u] = struct{}{}
	}
	return p
}

// Allowed reports whether uri is safe and, when an allowlist exists, listed.
func (p *RedirectPolicy) Allowed(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	if p == nil || p.allowed == nil {
		return true
	}
	_, ok := p.allowed[uri]
	return ok
}

// isSafeRedirectURI validates that a redirect URI is safe to use. Native app
// schemes such as myapp://callback are accepted; script-capable and local
// file schemes are not.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
		"blob:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx <= 0 {
		return false
	}
	scheme := lower[:idx]
	rest := uri[idx+3:]

	for i, r := range scheme {
		isAlpha := r >= 'a' && r <= 'z'
		if i == 0 && !isAlpha {
			return false
		}
		if !isAlpha && !(r >= '0' && r <= '9') && r != '+' && r != '-' && r != '.' {
			return false
		}
	}

	// Blocks user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// Format: http://evil.com#http://trusted.com/callback
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	if strings.Contains(hostPart, "#") {
		return false
	}

	if scheme == "http" || scheme == "https" {
		u, err := url.Parse(uri)
		if err != nil || u.Host == "" {
			return false
		}
	}

	return true
}
