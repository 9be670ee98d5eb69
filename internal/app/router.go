// Package app wires the relay's HTTP surface and readiness checks.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/fairyhunter13/llm-relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-relay/internal/adapter/observability"
	"github.com/fairyhunter13/llm-relay/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Proxy path. No request timeout here: streamed completions hold the
	// connection for the full generation.
	r.Group(func(pr chi.Router) {
		pr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		pr.Use(srv.KeyAuth())
		pr.Post("/v1/messages", srv.MessagesHandler())
	})

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	if cfg.AdminEnabled() {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(httpserver.TimeoutMiddleware(30 * time.Second))
			ar.Use(srv.AdminAuth())

			ar.Get("/users", srv.ListUsersHandler())
			ar.Post("/users", srv.CreateUserHandler())
			ar.Get("/users/{id}", srv.GetUserHandler())
			// Mutations answer PATCH; PUT stays as an alias for older clients.
			ar.Patch("/users/{id}", srv.UpdateUserHandler())
			ar.Put("/users/{id}", srv.UpdateUserHandler())
			ar.Delete("/users/{id}", srv.DeleteUserHandler())
			ar.Get("/users/{id}/keys", srv.ListKeysHandler())
			ar.Post("/users/{id}/keys", srv.CreateKeyHandler())
			ar.Patch("/keys/{id}", srv.UpdateKeyHandler())
			ar.Put("/keys/{id}", srv.UpdateKeyHandler())
			ar.Delete("/keys/{id}", srv.DeleteKeyHandler())

			ar.Get("/providers", srv.ListProvidersHandler())
			ar.Post("/providers", srv.CreateProviderHandler())
			ar.Patch("/providers/{id}", srv.UpdateProviderHandler())
			ar.Put("/providers/{id}", srv.UpdateProviderHandler())
			ar.Delete("/providers/{id}", srv.DeleteProviderHandler())
			ar.Post("/providers/{id}/endpoints", srv.UpsertEndpointHandler())
			ar.Patch("/providers/{id}/endpoints/{endpointID}", srv.UpsertEndpointHandler())
			ar.Put("/providers/{id}/endpoints/{endpointID}", srv.UpsertEndpointHandler())
			ar.Delete("/providers/{id}/endpoints/{endpointID}", srv.DeleteEndpointHandler())
			ar.Get("/providers/{id}/circuit", srv.BreakerStateHandler())
			ar.Post("/providers/{id}/circuit/reset", srv.ResetCircuitHandler())
			ar.Post("/providers/{id}/total-usage/reset", srv.ResetTotalUsageHandler())

			ar.Get("/error-rules", srv.ListErrorRulesHandler())
			ar.Post("/error-rules", srv.CreateErrorRuleHandler())
			ar.Patch("/error-rules/{id}", srv.UpdateErrorRuleHandler())
			ar.Put("/error-rules/{id}", srv.UpdateErrorRuleHandler())
			ar.Delete("/error-rules/{id}", srv.DeleteErrorRuleHandler())

			ar.Get("/usage-logs", srv.UsageLogsHandler())
			ar.Get("/overview", srv.OverviewHandler())
			ar.Get("/system-settings", srv.GetSettingsHandler())
			ar.Patch("/system-settings", srv.UpdateSettingsHandler())
			ar.Put("/system-settings", srv.UpdateSettingsHandler())
		})
	}

	// otelhttp sits outermost so every inner middleware sees the span context.
	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "http.server")
}
