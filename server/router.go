package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth-exchange endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}
	r.Use(a.Metrics.Middleware)

	r.Get("/health", a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(RateLimitMiddleware(a.Config.RateLimit, a.Config.Server.TrustProxyHeaders, a.Metrics, a.Logger))
		r.Post("/exchange", a.handleExchange)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
		r.Get("/userinfo", a.handleUserInfo)
		r.Post("/token-exchange", a.handleTokenExchange)
	})

	return r
}
