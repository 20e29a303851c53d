package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"webviewauth/keycloak"
)

// CodeExchange is the input to ExchangeCodeForTokens.
type CodeExchange struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

type exchangeBody struct {
	Code         string `json:"code"`
	RedirectURI  string `json:"redirectUri"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenOperations performs the token HTTP calls: code exchange, refresh and
// the device dashboard token exchange.
type TokenOperations struct {
	backendURL string
	client     *http.Client
	tokens     *TokenService
	logger     *slog.Logger
	strategies []ExchangeStrategy
}

// TokenOperationsOption configures TokenOperations.
type TokenOperationsOption func(*TokenOperations)

// WithExchangeStrategies replaces the default exchange ladder.
func WithExchangeStrategies(strategies ...ExchangeStrategy) TokenOperationsOption {
	return func(o *TokenOperations) {
		o.strategies = strategies
	}
}

// NewTokenOperations constructs TokenOperations using DefaultExchangeLadder
// unless WithExchangeStrategies is given.
func NewTokenOperations(cfg Config, hc *http.Client, tokens *TokenService, logger *slog.Logger, opts ...TokenOperationsOption) *TokenOperations {
	o := &TokenOperations{
		backendURL: cfg.BackendURL,
		client:     hc,
		tokens:     tokens,
		logger:     logger,
		strategies: DefaultExchangeLadder(cfg, hc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExchangeCodeForTokens trades an authorization code for a TokenSet via the
// backend. Replay protection for codes is left to the authorization server.
func (o *TokenOperations) ExchangeCodeForTokens(ctx context.Context, in CodeExchange) (*TokenSet, error) {
	if in.Code == "" || in.RedirectURI == "" {
		return nil, errors.New("code and redirect uri are required")
	}

	var set TokenSet
	err := postJSON(ctx, o.client, joinURL(o.backendURL, "/auth/exchange"), exchangeBody{
		Code:         in.Code,
		RedirectURI:  in.RedirectURI,
		CodeVerifier: in.CodeVerifier,
	}, &set)
	if err != nil {
		o.logger.Error("code exchange failed", "error", err)
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if set.AccessToken == "" {
		return nil, ErrNoAccessToken
	}

	o.logger.Info("code exchanged", "has_refresh_token", set.RefreshToken != "", "expires_in", set.ExpiresIn)
	return &set, nil
}

// RefreshAccessToken uses the stored refresh token to obtain a new TokenSet.
// Persisting the result, or clearing state on failure, is up to the caller.
func (o *TokenOperations) RefreshAccessToken(ctx context.Context) (*TokenSet, error) {
	refreshToken := o.tokens.GetStoredTokens(ctx).RefreshToken
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	var set TokenSet
	if err := postJSON(ctx, o.client, joinURL(o.backendURL, "/auth/refresh"), refreshBody{RefreshToken: refreshToken}, &set); err != nil {
		o.logger.Warn("token refresh failed", "error", err)
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if set.AccessToken == "" {
		return nil, ErrNoAccessToken
	}

	o.logger.Info("access token refreshed", "expires_in", set.ExpiresIn)
	return &set, nil
}

// ExchangeTokenForDeviceDashboard walks the exchange ladder and returns the
// first token obtained. When every step fails the error of the first step is
// returned, since later steps are fallbacks for other server configurations.
func (o *TokenOperations) ExchangeTokenForDeviceDashboard(ctx context.Context, currentToken string) (*TokenSet, error) {
	if currentToken == "" {
		return nil, ErrNotAuthenticated
	}
	if len(o.strategies) == 0 {
		return nil, errors.New("no token exchange strategies configured")
	}

	var firstErr error
	for i, strategy := range o.strategies {
		set, err := strategy.Exchange(ctx, currentToken)
		if err == nil && set != nil && set.AccessToken != "" {
			attrs := []any{"strategy", strategy.Name, "step", i + 1}
			if claims, perr := PeekClaims(set.AccessToken); perr == nil {
				attrs = append(attrs, "aud", claims.Audience, "azp", claims.AuthorizedParty)
			}
			o.logger.Info("device dashboard token obtained", attrs...)
			return set, nil
		}
		if err == nil {
			err = ErrNoAccessToken
		}

		o.logger.Warn("token exchange step failed", "strategy", strategy.Name, "step", i+1, "error", err)
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("exchange token for device dashboard: %w", firstErr)
}

// ExchangeStrategy is one rung of the exchange ladder. Exchange must not touch
// token storage.
type ExchangeStrategy struct {
	Name     string
	Exchange func(ctx context.Context, subjectToken string) (*TokenSet, error)
}

// DirectExchange exchanges against the Keycloak token endpoint as a public
// client. An empty audience omits the parameter.
func DirectExchange(name, tokenURL, clientID, audience string, hc *http.Client) ExchangeStrategy {
	return ExchangeStrategy{
		Name: name,
		Exchange: func(ctx context.Context, subjectToken string) (*TokenSet, error) {
			tr, err := keycloak.Exchange(ctx, hc, tokenURL, keycloak.ExchangeRequest{
				SubjectToken: subjectToken,
				ClientID:     clientID,
				Audience:     audience,
			})
			if err != nil {
				return nil, err
			}
			return tokenSetFrom(tr), nil
		},
	}
}

type proxyExchangeBody struct {
	SubjectToken string `json:"subject_token"`
	Audience     string `json:"audience,omitempty"`
}

// ProxyExchange asks the backend to perform the exchange with its
// confidential client, for realms where public clients may not exchange.
func ProxyExchange(backendURL, audience string, hc *http.Client) ExchangeStrategy {
	return ExchangeStrategy{
		Name: "server-proxy",
		Exchange: func(ctx context.Context, subjectToken string) (*TokenSet, error) {
			var set TokenSet
			err := postJSON(ctx, hc, joinURL(backendURL, "/auth/token-exchange"), proxyExchangeBody{
				SubjectToken: subjectToken,
				Audience:     audience,
			}, &set)
			if err != nil {
				return nil, err
			}
			return &set, nil
		},
	}
}

// DefaultExchangeLadder orders the strategies: target audience, own client
// audience, no audience, then the backend proxy.
func DefaultExchangeLadder(cfg Config, hc *http.Client) []ExchangeStrategy {
	tokenURL := cfg.Endpoints().Token
	return []ExchangeStrategy{
		DirectExchange("target-audience", tokenURL, cfg.ClientID, cfg.DashboardClientID, hc),
		DirectExchange("client-audience", tokenURL, cfg.ClientID, cfg.ClientID, hc),
		DirectExchange("no-audience", tokenURL, cfg.ClientID, "", hc),
		ProxyExchange(cfg.BackendURL, cfg.DashboardClientID, hc),
	}
}
