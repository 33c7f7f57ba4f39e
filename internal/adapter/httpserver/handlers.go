package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/restogear/print-service/internal/config"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/breaker"
	"github.com/restogear/print-service/internal/service/connectivity"
	"github.com/restogear/print-service/internal/service/health"
	"github.com/restogear/print-service/internal/service/notifier"
	"github.com/restogear/print-service/internal/service/printmanager"
	"github.com/restogear/print-service/internal/service/recovery"
	"github.com/restogear/print-service/internal/service/retry"
	"github.com/restogear/print-service/internal/usecase"
)

// maxWebhookBody caps order payloads; receipts are small.
const maxWebhookBody = 1 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg          config.Config
	Ingest       *usecase.IngestService
	Stats        usecase.StatsService
	Printing     *printmanager.Manager
	Recovery     *recovery.Manager
	Health       *health.Monitor
	Notifier     *notifier.Service
	Retries      *retry.Manager
	Breakers     *breaker.Registry
	Connectivity *connectivity.Monitor
	StoreCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, ingest *usecase.IngestService, stats usecase.StatsService, printing *printmanager.Manager, rec *recovery.Manager, healthMon *health.Monitor, notif *notifier.Service, retries *retry.Manager, breakers *breaker.Registry, conn *connectivity.Monitor, storeCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:          cfg,
		Ingest:       ingest,
		Stats:        stats,
		Printing:     printing,
		Recovery:     rec,
		Health:       healthMon,
		Notifier:     notif,
		Retries:      retries,
		Breakers:     breakers,
		Connectivity: conn,
		StoreCheck:   storeCheck,
	}
}

// WebhookOrdersHandler ingests one raw order payload from the ordering
// backend. Validation failures are 400s; duplicate deliveries are no-op
// 200s so backend retries stay silent.
func (s *Server) WebhookOrdersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
			writeError(w, r, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument), nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_bytes": maxWebhookBody},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		res, err := s.Ingest.SubmitOrder(r.Context(), raw)
		// Rejected payloads are the backend's fault, not an ingest
		// outage; they do not count against the webhook failure rate.
		if s.Health != nil {
			s.Health.RecordWebhookResult(err == nil || errors.Is(err, domain.ErrInvalidArgument))
		}
		if err != nil {
			LoggerFrom(r).Warn("order ingest rejected", "error", err)
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HealthzHandler is the liveness probe: the process is up.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler probes the store and requires a known printer state; a
// freshly started daemon is not ready until the first connectivity
// sample lands.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.StoreCheck != nil {
			if err := s.StoreCheck(ctx); err != nil {
				checks = append(checks, check{Name: "store", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "store", OK: true})
			}
		}
		if s.Connectivity != nil {
			if st := s.Connectivity.Status(domain.ComponentPrinter); st == domain.ConnUnknown {
				checks = append(checks, check{Name: "printer_state", OK: false, Details: "no sample yet"})
			} else {
				checks = append(checks, check{Name: "printer_state", OK: true, Details: string(st)})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
