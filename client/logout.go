package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

type logoutBody struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type logoutReply struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
}

// LogoutService revokes tokens server side on a best-effort basis and always
// clears them locally.
type LogoutService struct {
	backendURL string
	client     *http.Client
	tokens     *TokenService
	logger     *slog.Logger
}

// NewLogoutService constructs a LogoutService.
func NewLogoutService(backendURL string, hc *http.Client, tokens *TokenService, logger *slog.Logger) *LogoutService {
	return &LogoutService{backendURL: backendURL, client: hc, tokens: tokens, logger: logger}
}

// PerformLogout never reports a server-side failure. A failure to clear the
// local tokens is returned, since stale tokens must not stay on disk.
func (l *LogoutService) PerformLogout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken != "" || refreshToken != "" {
		var reply logoutReply
		err := postJSON(ctx, l.client, joinURL(l.backendURL, "/auth/logout"), logoutBody{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
		}, &reply)
		switch {
		case err != nil:
			l.logger.Warn("server-side logout failed, clearing local tokens anyway", "error", err)
		case reply.Warning != "":
			l.logger.Warn("server-side logout reported a warning", "warning", reply.Warning)
		default:
			l.logger.Info("server-side logout completed")
		}
	}

	if err := l.tokens.ClearTokens(ctx); err != nil {
		l.logger.Error("failed to clear local tokens", "error", err)
		return fmt.Errorf("clear local tokens: %w", err)
	}
	return nil
}
