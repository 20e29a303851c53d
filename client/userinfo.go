package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// UserService fetches userinfo for an access token.
type UserService struct {
	userInfoURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewUserService constructs a UserService for the given userinfo endpoint.
func NewUserService(userInfoURL string, hc *http.Client, logger *slog.Logger) *UserService {
	return &UserService{userInfoURL: userInfoURL, client: hc, logger: logger}
}

// GetUserInfo returns nil without an error both when the token is rejected
// (401) and when the endpoint cannot be reached. Callers cannot tell the two
// apart and are expected to try a refresh. Other non-2xx replies are errors.
func (u *UserService) GetUserInfo(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		u.logger.Warn("userinfo request failed", "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		u.logger.Info("userinfo rejected access token")
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("userinfo failed: %s", resp.Status)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if user.Subject == "" {
		return nil, errors.New("invalid userinfo response: sub missing")
	}
	return &user, nil
}
