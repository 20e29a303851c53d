package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const healthTimeout = 5 * time.Second

// HealthStatus is the payload of the backend /health endpoint.
type HealthStatus struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	KeycloakIssuer string `json:"keycloak_issuer"`
	ClientID       string `json:"client_id"`
}

// HealthService probes the auth-exchange backend.
type HealthService struct {
	backendURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewHealthService constructs a HealthService.
func NewHealthService(backendURL string, hc *http.Client, logger *slog.Logger) *HealthService {
	return &HealthService{backendURL: backendURL, client: hc, logger: logger}
}

// Check returns the backend status or an error wrapping ErrServerUnreachable.
func (h *HealthService) Check(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(h.backendURL, "/health"), nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("backend health check failed", "backend", h.backendURL, "error", err)
		return nil, fmt.Errorf("%w (%v)", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.logger.Warn("backend unhealthy", "backend", h.backendURL, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w (health returned %s)", ErrServerUnreachable, resp.Status)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w (invalid health payload: %v)", ErrServerUnreachable, err)
	}
	return &status, nil
}
