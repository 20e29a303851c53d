package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// TokenResponse matches the token endpoint payload.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"`
	TokenType       string `json:"token_type,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
	Scope           string `json:"scope,omitempty"`
}

// ExchangeRequest describes an RFC 8693 token exchange. An empty Audience
// omits the parameter entirely; an empty ClientSecret makes it a public
// client exchange.
type ExchangeRequest struct {
	SubjectToken string
	ClientID     string
	ClientSecret string
	Audience     string
}

// Form encodes the request as the token endpoint expects it.
func (r ExchangeRequest) Form() url.Values {
	form := url.Values{}
	form.Set("grant_type", GrantTypeTokenExchange)
	form.Set("subject_token", r.SubjectToken)
	form.Set("subject_token_type", TokenTypeAccessToken)
	form.Set("requested_token_type", TokenTypeAccessToken)
	form.Set("client_id", r.ClientID)
	if r.ClientSecret != "" {
		form.Set("client_secret", r.ClientSecret)
	}
	if r.Audience != "" {
		form.Set("audience", r.Audience)
	}
	return form
}

// Exchange posts req to tokenURL. OAuth failures come back as *Error.
func Exchange(ctx context.Context, hc *http.Client, tokenURL string, req ExchangeRequest) (*TokenResponse, error) {
	if req.SubjectToken == "" {
		return nil, errors.New("subject token required")
	}
	if req.ClientID == "" {
		return nil, errors.New("client id required")
	}
	if hc == nil {
		hc = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(req.Form().Encode()))
	if err != nil {
		return nil, fmt.Errorf("create exchange request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ParseError(resp)
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token exchange returned no access token")
	}
	return &tok, nil
}
