package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/oauth2"

	"webviewauth/keycloak"
)

// AuthResultType is the outcome of an interactive auth session.
type AuthResultType string

const (
	AuthSuccess AuthResultType = "success"
	AuthError   AuthResultType = "error"
	AuthCancel  AuthResultType = "cancel"
)

// AuthResult is what an AuthSession reports. On success and error, URL is the
// full callback URL the browser was sent to.
type AuthResult struct {
	Type AuthResultType
	URL  string
}

// AuthSession runs one interactive authorization round trip on a native
// platform: open a browser at authURL and wait for the redirect.
type AuthSession interface {
	Start(ctx context.Context, authURL, redirectURI string) (AuthResult, error)
}

// Redirector performs the full page navigation of a web login.
type Redirector interface {
	Redirect(ctx context.Context, authURL string) error
}

// RedirectorFunc adapts a function to Redirector.
type RedirectorFunc func(ctx context.Context, authURL string) error

func (f RedirectorFunc) Redirect(ctx context.Context, authURL string) error { return f(ctx, authURL) }

// PlatformAuth drives the interactive login for the configured platform.
type PlatformAuth struct {
	platform    Platform
	redirectURI string
	oauth       *oauth2.Config
	tokens      *TokenService
	ops         *TokenOperations
	health      *HealthService
	session     AuthSession
	redirector  Redirector
	logger      *slog.Logger
}

// PlatformAuthOption configures PlatformAuth.
type PlatformAuthOption func(*PlatformAuth)

// WithAuthSession sets the native auth session. Without one, native logins
// fail.
func WithAuthSession(s AuthSession) PlatformAuthOption {
	return func(p *PlatformAuth) { p.session = s }
}

// WithRedirector sets the web redirector. Without one, web logins fail.
func WithRedirector(r Redirector) PlatformAuthOption {
	return func(p *PlatformAuth) { p.redirector = r }
}

// NewPlatformAuth constructs PlatformAuth for cfg.Platform.
func NewPlatformAuth(cfg Config, tokens *TokenService, ops *TokenOperations, health *HealthService, logger *slog.Logger, opts ...PlatformAuthOption) *PlatformAuth {
	ep := cfg.Endpoints()
	p := &PlatformAuth{
		platform:    cfg.Platform,
		redirectURI: cfg.RedirectURI,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   ep.Auth,
				TokenURL:  ep.Token,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokens: tokens,
		ops:    ops,
		health: health,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Login starts an interactive login. On the web platform it returns nil, nil
// once the browser has been redirected; the flow resumes in HandleWebCallback.
func (p *PlatformAuth) Login(ctx context.Context) (*TokenSet, error) {
	if p.platform == PlatformWeb {
		return nil, p.loginWeb(ctx)
	}
	return p.loginNative(ctx)
}

func (p *PlatformAuth) loginWeb(ctx context.Context) error {
	if p.redirector == nil {
		return errors.New("web login requires a redirector")
	}
	state, err := randomState()
	if err != nil {
		return err
	}
	if err := p.tokens.StoreAuthState(ctx, state); err != nil {
		return fmt.Errorf("store auth state: %w", err)
	}

	authURL := p.oauth.AuthCodeURL(state)
	p.logger.Info("redirecting to authorization endpoint", "url", RedactURL(authURL))
	return p.redirector.Redirect(ctx, authURL)
}

func (p *PlatformAuth) loginNative(ctx context.Context) (*TokenSet, error) {
	if p.session == nil {
		return nil, errors.New("native login requires an auth session")
	}
	if _, err := p.health.Check(ctx); err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	authURL := p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	p.logger.Info("starting auth session", "url", RedactURL(authURL))
	result, err := p.session.Start(ctx, authURL, p.redirectURI)
	if err != nil {
		return nil, fmt.Errorf("auth session: %w", err)
	}

	switch result.Type {
	case AuthSuccess:
		code, err := codeFromCallback(result.URL, state)
		if err != nil {
			return nil, err
		}
		return p.exchangeAndStore(ctx, code, verifier)
	case AuthError:
		return nil, callbackError(result.URL)
	case AuthCancel:
		p.logger.Info("auth session cancelled")
		return nil, ErrLoginCancelled
	default:
		return nil, fmt.Errorf("unexpected auth session result %q", result.Type)
	}
}

// HandleWebCallback completes a web login from the callback URL the browser
// landed on.
func (p *PlatformAuth) HandleWebCallback(ctx context.Context, callbackURL string) (*TokenSet, error) {
	expected, err := p.tokens.GetAndClearAuthState(ctx)
	if err != nil {
		return nil, err
	}
	if expected == "" {
		return nil, ErrStateMismatch
	}
	code, err := codeFromCallback(callbackURL, expected)
	if err != nil {
		return nil, err
	}
	return p.exchangeAndStore(ctx, code, "")
}

func (p *PlatformAuth) exchangeAndStore(ctx context.Context, code, verifier string) (*TokenSet, error) {
	set, err := p.ops.ExchangeCodeForTokens(ctx, CodeExchange{
		Code:         code,
		RedirectURI:  p.redirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, err
	}
	if err := p.tokens.StoreTokens(ctx, *set); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}
	return set, nil
}

func codeFromCallback(raw, expectedState string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse callback url: %w", err)
	}
	q := u.Query()
	if q.Get("error") != "" {
		return "", callbackError(raw)
	}
	if q.Get("state") != expectedState {
		return "", ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("callback did not include an authorization code")
	}
	return code, nil
}

func callbackError(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &keycloak.Error{Code: "server_error", Description: "authentication failed"}
	}
	q := u.Query()
	kerr := &keycloak.Error{Code: q.Get("error"), Description: q.Get("error_description")}
	if kerr.Code == "" {
		kerr.Code = "server_error"
	}
	if kerr.Description == "" {
		kerr.Description = "authentication failed"
	}
	return kerr
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
