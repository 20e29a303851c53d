package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"webviewauth/keycloak"
)

const maxBodyBytes = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Upstream  Upstream
	Redirects *RedirectPolicy
	Metrics   *Metrics
}

// NewApp connects to the configured Keycloak realm and wires the handlers.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	up, err := NewKeycloakUpstream(ctx, cfg.Keycloak, logger)
	if err != nil {
		return nil, err
	}
	return NewAppWithUpstream(cfg, up, logger), nil
}

// NewAppWithUpstream wires the handlers around an existing upstream.
func NewAppWithUpstream(cfg Config, up Upstream, logger *slog.Logger) *App {
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Upstream:  up,
		Redirects: NewRedirectPolicy(cfg.Keycloak.RedirectURIs),
	}
	if cfg.Server.MetricsEnabled {
		app.Metrics = NewMetrics()
	}
	return app
}

type healthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	KeycloakIssuer string `json:"keycloak_issuer"`
	ClientID       string `json:"client_id"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:         "ok",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		KeycloakIssuer: a.Config.Keycloak.Issuer,
		ClientID:       a.Config.Keycloak.ClientID,
	})
}

type exchangeRequest struct {
	Code         string `json:"code"`
	RedirectURI  string `json:"redirectUri"`
	CodeVerifier string `json:"code_verifier"`
}

func (a *App) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Code == "" || req.RedirectURI == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code and redirectUri are required")
		return
	}
	if !a.Redirects.Allowed(req.RedirectURI) {
		a.Logger.Warn("exchange rejected redirect uri", "request_id", RequestIDFromContext(r.Context()), "redirect_uri", req.RedirectURI)
		writeError(w, http.StatusBadRequest, "invalid_request", "redirectUri is not allowed")
		return
	}

	tok, err := a.Upstream.Exchange(r.Context(), req.Code, req.RedirectURI, req.CodeVerifier)
	a.Metrics.upstreamCall("exchange", err)
	if err != nil {
		a.upstreamFailure(w, r, "code exchange failed", err)
		return
	}
	a.Logger.Info("code exchanged", "request_id", RequestIDFromContext(r.Context()), "pkce", req.CodeVerifier != "")
	writeJSON(w, tok)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	tok, err := a.Upstream.Refresh(r.Context(), req.RefreshToken)
	a.Metrics.upstreamCall("refresh", err)
	if err != nil {
		a.upstreamFailure(w, r, "refresh failed", err)
		return
	}
	writeJSON(w, tok)
}

type logoutRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type logoutResponse struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
}

// handleLogout never reports failure; the caller clears its tokens either way.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.Logger.Warn("logout body unreadable", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeJSON(w, logoutResponse{Success: true, Warning: "request body could not be read"})
		return
	}

	err := a.Upstream.Logout(r.Context(), req.AccessToken, req.RefreshToken)
	a.Metrics.upstreamCall("logout", err)
	if err != nil {
		a.Logger.Warn("keycloak logout failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeJSON(w, logoutResponse{Success: true, Warning: "keycloak session could not be ended: " + err.Error()})
		return
	}
	writeJSON(w, logoutResponse{Success: true})
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}

	claims, err := a.Upstream.UserInfo(r.Context(), token)
	a.Metrics.upstreamCall("userinfo", err)
	if errors.Is(err, ErrUpstreamUnauthorized) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "access token rejected")
		return
	}
	if err != nil {
		a.upstreamFailure(w, r, "userinfo failed", err)
		return
	}
	writeJSON(w, claims)
}

type tokenExchangeRequest struct {
	SubjectToken string `json:"subject_token"`
	Audience     string `json:"audience"`
}

func (a *App) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	var req tokenExchangeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.SubjectToken == "" {
		req.SubjectToken = extractBearerToken(r.Header.Get("Authorization"))
	}
	if req.SubjectToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subject_token is required")
		return
	}
	if req.Audience == "" {
		req.Audience = a.Config.Exchange.DefaultAudience
	}
	if allowed := a.Config.Exchange.AllowedAudiences; len(allowed) > 0 && !contains(allowed, req.Audience) {
		writeError(w, http.StatusBadRequest, "invalid_target", fmt.Sprintf("audience %q is not allowed", req.Audience))
		return
	}

	tok, err := a.Upstream.TokenExchange(r.Context(), req.SubjectToken, req.Audience)
	a.Metrics.upstreamCall("token_exchange", err)
	if err != nil {
		a.upstreamFailure(w, r, "token exchange failed", err)
		return
	}
	a.Logger.Info("token exchanged", "request_id", RequestIDFromContext(r.Context()), "audience", req.Audience)
	writeJSON(w, tok)
}

// upstreamFailure relays Keycloak's OAuth error as a 500 so the client can
// show the original code and description.
func (a *App) upstreamFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.Logger.Error(msg, "request_id", RequestIDFromContext(r.Context()), "error", err)

	var kerr *keycloak.Error
	if errors.As(err, &kerr) && kerr.Code != "" {
		writeError(w, http.StatusInternalServerError, kerr.Code, kerr.Description)
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error", msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("request body must be a JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
