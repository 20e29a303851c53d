package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"webviewauth/keycloak"
)

// Upstream is the behaviour the handlers need from the identity provider.
type Upstream interface {
	Exchange(ctx context.Context, code, redirectURI, verifier string) (*keycloak.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*keycloak.TokenResponse, error)
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	TokenExchange(ctx context.Context, subjectToken, audience string) (*keycloak.TokenResponse, error)
}

// ErrUpstreamUnauthorized is returned by UserInfo when Keycloak rejects the
// access token.
var ErrUpstreamUnauthorized = errors.New("upstream rejected the access token")

// KeycloakUpstream talks to a Keycloak realm as a confidential client.
type KeycloakUpstream struct {
	provider    *oidc.Provider
	oauthConfig *oauth2.Config
	endpoints   keycloak.RealmEndpoints
	client      *http.Client
	logger      *slog.Logger
}

// NewKeycloakUpstream initializes the upstream, via discovery when enabled or
// from the well-known Keycloak endpoint layout otherwise.
func NewKeycloakUpstream(ctx context.Context, cfg KeycloakConfig, logger *slog.Logger) (*KeycloakUpstream, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("keycloak issuer required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	ctx = oidc.ClientContext(ctx, hc)

	endpoints := keycloak.Endpoints(cfg.Issuer)

	var (
		op  *oidc.Provider
		err error
	)
	if cfg.Discovery {
		op, err = oidc.NewProvider(ctx, endpoints.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover keycloak realm %s: %w", endpoints.Issuer, err)
		}
	} else {
		op = (&oidc.ProviderConfig{
			IssuerURL:   endpoints.Issuer,
			AuthURL:     endpoints.Auth,
			TokenURL:    endpoints.Token,
			UserInfoURL: endpoints.UserInfo,
			JWKSURL:     endpoints.Certs,
			Algorithms:  []string{oidc.RS256},
		}).NewProvider(ctx)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	logger.Info("keycloak upstream ready", "issuer", endpoints.Issuer, "client_id", cfg.ClientID, "discovery", cfg.Discovery)

	return &KeycloakUpstream{
		provider:    op,
		oauthConfig: oauthCfg,
		endpoints:   endpoints,
		client:      hc,
		logger:      logger,
	}, nil
}

func (u *KeycloakUpstream) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, u.client)
}

// Exchange completes the authorization code grant. The redirect URI must
// match the one used for the authorization request.
func (u *KeycloakUpstream) Exchange(ctx context.Context, code, redirectURI, verifier string) (*keycloak.TokenResponse, error) {
	cfg := *u.oauthConfig
	cfg.RedirectURL = redirectURI

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := cfg.Exchange(u.ctx(ctx), code, opts...)
	if err != nil {
		return nil, upstreamError(err)
	}
	return tokenResponseFrom(tok), nil
}

// Refresh redeems a refresh token. Keycloak rotates refresh tokens, so the
// returned response carries the one to use next time.
func (u *KeycloakUpstream) Refresh(ctx context.Context, refreshToken string) (*keycloak.TokenResponse, error) {
	src := u.oauthConfig.TokenSource(u.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, upstreamError(err)
	}
	resp := tokenResponseFrom(tok)
	// oauth2 copies the old refresh token into the result when the server
	// sends none; only relay one that was actually issued.
	if issued, _ := tok.Extra("refresh_token").(string); issued == "" {
		resp.RefreshToken = ""
	}
	return resp, nil
}

// UserInfo fetches the OIDC claims for accessToken.
func (u *KeycloakUpstream) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	info, err := u.provider.UserInfo(oidc.ClientContext(ctx, u.client), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	if err != nil {
		// go-oidc reports the HTTP status as the message prefix
		if strings.HasPrefix(err.Error(), "401") || strings.HasPrefix(err.Error(), "403") {
			return nil, ErrUpstreamUnauthorized
		}
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse userinfo claims: %w", err)
	}
	return claims, nil
}

// Logout ends the Keycloak session of refreshToken, or revokes accessToken
// when no refresh token is known.
func (u *KeycloakUpstream) Logout(ctx context.Context, accessToken, refreshToken string) error {
	form := url.Values{}
	form.Set("client_id", u.oauthConfig.ClientID)
	if u.oauthConfig.ClientSecret != "" {
		form.Set("client_secret", u.oauthConfig.ClientSecret)
	}

	endpoint := u.endpoints.Logout
	switch {
	case refreshToken != "":
		form.Set("refresh_token", refreshToken)
	case accessToken != "":
		endpoint = u.endpoints.Revoke
		form.Set("token", accessToken)
		form.Set("token_type_hint", "access_token")
	default:
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return keycloak.ParseError(resp)
	}
	return nil
}

// TokenExchange performs an RFC 8693 exchange with the backend's own client
// credentials.
func (u *KeycloakUpstream) TokenExchange(ctx context.Context, subjectToken, audience string) (*keycloak.TokenResponse, error) {
	return keycloak.Exchange(ctx, u.client, u.endpoints.Token, keycloak.ExchangeRequest{
		SubjectToken: subjectToken,
		ClientID:     u.oauthConfig.ClientID,
		ClientSecret: u.oauthConfig.ClientSecret,
		Audience:     audience,
	})
}

func tokenResponseFrom(tok *oauth2.Token) *keycloak.TokenResponse {
	resp := &keycloak.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}
	if resp.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	return resp
}

// upstreamError turns an oauth2 retrieve error into a *keycloak.Error so the
// code and description survive to the HTTP response.
func upstreamError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		kerr := &keycloak.Error{Code: rerr.ErrorCode, Description: rerr.ErrorDescription}
		if rerr.Response != nil {
			kerr.Status = rerr.Response.StatusCode
		}
		if kerr.Code == "" {
			kerr.Code = "server_error"
			kerr.Description = strings.TrimSpace(string(rerr.Body))
		}
		return kerr
	}
	return err
}
