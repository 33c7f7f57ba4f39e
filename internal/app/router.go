// Package app wires configuration, adapters and services into the
// running daemon: the HTTP router and the readiness checks live here.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/restogear/print-service/internal/adapter/httpserver"
	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
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
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Ingest webhook: rate-limited per source IP; the ordering backend
	// retries on 429 like any other failure.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/webhook/orders", srv.WebhookOrdersHandler())
	})

	// Operator surface
	r.Route("/admin/v1", func(ar chi.Router) {
		if cfg.AdminEnabled() {
			ar.Use(httpserver.BasicAuthGuard(cfg))
		}
		ar.Get("/status/recovery", srv.RecoveryStatusHandler())
		ar.Post("/recovery/trigger", srv.RecoveryTriggerHandler())
		ar.Get("/statistics/queue", srv.QueueStatisticsHandler())
		ar.Get("/statistics/jobs", srv.JobStatisticsHandler())
		ar.Get("/health", srv.HealthStatusHandler())
		ar.Post("/health/check", srv.HealthCheckHandler())
		ar.Get("/circuit/{name}", srv.CircuitStatusHandler())
		ar.Post("/circuit/{name}/reset", srv.CircuitResetHandler())
		ar.Get("/notifications/status", srv.NotificationStatusHandler())
		ar.Post("/notifications/test", srv.NotificationTestHandler())
		ar.Get("/retry/dlq", srv.DeadLettersHandler())
		ar.Post("/retry/dlq/{id}/requeue", srv.DeadLetterRequeueHandler())
		ar.Post("/jobs/{id}/print", srv.JobPrintNowHandler())
		ar.Post("/jobs/retry-failed", srv.JobsRetryFailedHandler())
	})

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
