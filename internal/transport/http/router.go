package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"parklic/internal/middleware"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	License  *LicenseHandler
	Admin    *AdminHandler
	Health   *HealthHandler
	Sessions *middleware.SessionManager
	Metrics  http.Handler
	Logger   *slog.Logger

	// PublicRPS throttles the public license endpoints; 0 disables limiting.
	PublicRPS   float64
	PublicBurst int
}

// NewRouter assembles the authority's HTTP surface.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(deps.Logger))
	r.Use(middleware.Recoverer(deps.Logger))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", deps.Health.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/license", func(r chi.Router) {
		if deps.PublicRPS > 0 {
			limiter := middleware.NewRateLimiter(deps.PublicRPS, deps.PublicBurst, deps.Logger)
			r.Use(limiter.Handler)
		}
		r.Post("/activate", deps.License.Activate)
		r.Post("/validate", deps.License.Validate)
		r.Post("/trial", deps.License.Trial)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", deps.Admin.Login)

		r.Group(func(r chi.Router) {
			r.Use(deps.Sessions.RequireOperator)
			r.Get("/licenses", deps.Admin.List)
			r.Post("/licenses", deps.Admin.Issue)
			r.Get("/licenses/export", deps.Admin.Export)
			r.Post("/licenses/{key}/revoke", deps.Admin.Revoke)
			r.Post("/licenses/{key}/renew", deps.Admin.Renew)
			r.Post("/licenses/{key}/transfer", deps.Admin.Transfer)
			r.Get("/audit", deps.Admin.Audit)
		})
	})

	return r
}
