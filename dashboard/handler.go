package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

//go:embed page.html
var pageHTML []byte

// Device is one entry shown on the dashboard.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Online   bool      `json:"online"`
	Battery  int       `json:"battery"`
	LastSeen time.Time `json:"last_seen"`
}

// DeviceSource lists the devices visible to the authenticated user.
type DeviceSource interface {
	Devices(ctx context.Context, claims *Claims) ([]Device, error)
}

// StaticDevices serves a fixed device list, enough for the workshop demo.
type StaticDevices []Device

func (s StaticDevices) Devices(context.Context, *Claims) ([]Device, error) {
	return s, nil
}

type viewer struct {
	Subject         string   `json:"sub"`
	Username        string   `json:"preferred_username,omitempty"`
	AuthorizedParty string   `json:"azp,omitempty"`
	Audiences       []string `json:"aud"`
	ExpiresAt       string   `json:"expires_at"`
}

type deviceResponse struct {
	Viewer  viewer   `json:"viewer"`
	Devices []Device `json:"devices"`
}

// Handler returns the dashboard router. The page is public; it reads the
// token from location.hash and calls /api/device with it.
func Handler(v *Validator, devices DeviceSource, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		_, _ = w.Write(pageHTML)
	})

	r.With(RequireAuth(v)).Get("/api/device", func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())
		list, err := devices.Devices(r.Context(), claims)
		if err != nil {
			logger.Error("list devices", "request_id", middleware.GetReqID(r.Context()), "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "devices unavailable")
			return
		}
		logger.Info("device list served", "request_id", middleware.GetReqID(r.Context()), "sub", claims.Subject, "azp", claims.AuthorizedParty)
		writeJSON(w, http.StatusOK, deviceResponse{
			Viewer: viewer{
				Subject:         claims.Subject,
				Username:        claims.Username,
				AuthorizedParty: claims.AuthorizedParty,
				Audiences:       claims.Audiences,
				ExpiresAt:       claims.ExpiresAt.UTC().Format(time.RFC3339),
			},
			Devices: list,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	}
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
