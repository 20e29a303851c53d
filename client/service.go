package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// AuthService composes the token client services behind one facade.
type AuthService struct {
	cfg    Config
	logger *slog.Logger

	Tokens     *TokenService
	Health     *HealthService
	Operations *TokenOperations
	Users      *UserService
	Platform   *PlatformAuth
	logout     *LogoutService
}

type serviceOptions struct {
	httpClient   *http.Client
	tokenOpts    []TokenServiceOption
	opsOpts      []TokenOperationsOption
	platformOpts []PlatformAuthOption
}

// Option configures NewAuthService.
type Option func(*serviceOptions)

// WithHTTPClient sets the client used for every outbound call.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *serviceOptions) { o.httpClient = hc }
}

// WithTokenOptions forwards options to the TokenService.
func WithTokenOptions(opts ...TokenServiceOption) Option {
	return func(o *serviceOptions) { o.tokenOpts = append(o.tokenOpts, opts...) }
}

// WithOperationOptions forwards options to TokenOperations.
func WithOperationOptions(opts ...TokenOperationsOption) Option {
	return func(o *serviceOptions) { o.opsOpts = append(o.opsOpts, opts...) }
}

// WithPlatformOptions forwards options to PlatformAuth.
func WithPlatformOptions(opts ...PlatformAuthOption) Option {
	return func(o *serviceOptions) { o.platformOpts = append(o.platformOpts, opts...) }
}

// NewAuthService wires the services for cfg on top of store.
func NewAuthService(cfg Config, store Storage, logger *slog.Logger, opts ...Option) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	o := serviceOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	tokens := NewTokenService(store, cfg.Platform, logger, o.tokenOpts...)
	health := NewHealthService(cfg.BackendURL, hc, logger)
	ops := NewTokenOperations(cfg, hc, tokens, logger, o.opsOpts...)

	return &AuthService{
		cfg:        cfg,
		logger:     logger,
		Tokens:     tokens,
		Health:     health,
		Operations: ops,
		Users:      NewUserService(cfg.Endpoints().UserInfo, hc, logger),
		Platform:   NewPlatformAuth(cfg, tokens, ops, health, logger, o.platformOpts...),
		logout:     NewLogoutService(cfg.BackendURL, hc, tokens, logger),
	}
}

// Config returns the configuration the service was built with.
func (a *AuthService) Config() Config { return a.cfg }

// Login runs the interactive login. Any failure clears local auth state.
func (a *AuthService) Login(ctx context.Context) (*TokenSet, error) {
	set, err := a.Platform.Login(ctx)
	if err != nil {
		a.cleanup(ctx, "login failed")
		return nil, err
	}
	return set, nil
}

// CompleteWebLogin finishes a web login from its callback URL. Any failure
// clears local auth state.
func (a *AuthService) CompleteWebLogin(ctx context.Context, callbackURL string) (*TokenSet, error) {
	set, err := a.Platform.HandleWebCallback(ctx, callbackURL)
	if err != nil {
		a.cleanup(ctx, "web callback failed")
		return nil, err
	}
	return set, nil
}

// Refresh obtains and persists a new token set. On failure local tokens are
// cleared and the session is treated as logged out.
func (a *AuthService) Refresh(ctx context.Context) (*TokenSet, error) {
	set, err := a.Operations.RefreshAccessToken(ctx)
	if err == nil {
		err = a.Tokens.StoreTokens(ctx, *set)
	}
	if err != nil {
		a.cleanup(ctx, "refresh failed")
		return nil, err
	}
	return set, nil
}

// LoadUser returns the user for the stored tokens, refreshing once if the
// access token is expired or rejected. It returns nil, nil when no user can
// be established.
func (a *AuthService) LoadUser(ctx context.Context) (*User, error) {
	stored := a.Tokens.GetStoredTokens(ctx)
	if stored.AccessToken == "" {
		return nil, nil
	}

	token := a.Tokens.GetValidAccessToken(ctx)
	if token == "" {
		set, err := a.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		token = set.AccessToken
	}

	user, err := a.Users.GetUserInfo(ctx, token)
	if err != nil || user != nil {
		return user, err
	}
	if a.Tokens.GetStoredTokens(ctx).RefreshToken == "" {
		return nil, nil
	}

	set, err := a.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return a.Users.GetUserInfo(ctx, set.AccessToken)
}

// Logout revokes the stored tokens on a best-effort basis and clears them.
func (a *AuthService) Logout(ctx context.Context) error {
	stored := a.Tokens.GetStoredTokens(ctx)
	return a.logout.PerformLogout(ctx, stored.AccessToken, stored.RefreshToken)
}

// DashboardToken exchanges the current access token for one the device
// dashboard accepts. The caller's own tokens are left untouched on failure.
func (a *AuthService) DashboardToken(ctx context.Context) (*TokenSet, error) {
	token := a.Tokens.GetValidAccessToken(ctx)
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	return a.Operations.ExchangeTokenForDeviceDashboard(ctx, token)
}

// DashboardURL returns the dashboard URL with a freshly exchanged token in
// its fragment.
func (a *AuthService) DashboardURL(ctx context.Context) (string, error) {
	set, err := a.DashboardToken(ctx)
	if err != nil {
		return "", err
	}
	u, err := BuildDashboardURL(a.cfg.DashboardURL, set.AccessToken)
	if err != nil {
		return "", fmt.Errorf("build dashboard url: %w", err)
	}
	a.logger.Info("dashboard url ready", "url", RedactURL(u))
	return u, nil
}

func (a *AuthService) cleanup(ctx context.Context, reason string) {
	if err := a.Tokens.ForceCleanup(ctx); err != nil {
		var serr *StorageError
		if errors.As(err, &serr) {
			a.logger.Error("failed to clear auth state", "reason", reason, "op", serr.Op, "key", serr.Key, "error", serr.Err)
			return
		}
		a.logger.Error("failed to clear auth state", "reason", reason, "error", err)
	}
}
