// Package client implements the token lifecycle used by the workshop mobile
// app: interactive login, secure token storage, refresh, cross-audience token
// exchange for the device dashboard, user info and logout.
package client

import (
	"time"

	"webviewauth/keycloak"
)

// Platform selects platform-specific behaviour such as the login flow and the
// default storage backend.
type Platform string

const (
	PlatformNative Platform = "native"
	PlatformWeb    Platform = "web"
)

// TokenSet is what the authorization server hands out. It is only ever
// replaced as a whole, never partially updated.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

func tokenSetFrom(tr *keycloak.TokenResponse) *TokenSet {
	return &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresIn:    tr.ExpiresIn,
		TokenType:    tr.TokenType,
	}
}

// StoredTokens is the persisted projection of a TokenSet. Zero values mean
// the field is absent from storage.
type StoredTokens struct {
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
}

// User is the subset of OpenID Connect userinfo claims the app displays.
type User struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
}

// DisplayName picks the most human friendly identifier available.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.Name != "":
		return u.Name
	case u.PreferredUsername != "":
		return u.PreferredUsername
	case u.Email != "":
		return u.Email
	}
	return u.Subject
}

// AuthState is the UI-facing view of the session. It is derived from storage
// and userinfo on every reload and is never a source of truth.
type AuthState struct {
	User              *User
	IsLoading         bool
	AccessToken       string
	RefreshTokenValue string
}

// Authenticated reports whether the state carries a usable access token.
func (s AuthState) Authenticated() bool {
	return s.AccessToken != ""
}
