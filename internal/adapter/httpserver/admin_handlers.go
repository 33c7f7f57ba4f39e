package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/restogear/print-service/internal/domain"
)

// RecoveryStatusHandler reports the current (or last) recovery session
// together with the offline backlog and connectivity view.
func (s *Server) RecoveryStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"active": s.Recovery.Active()}
		if sess, ok := s.Recovery.Current(); ok {
			body["session"] = sessionBody(sess)
		}
		overview, err := s.Stats.QueueStatistics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		body["queue"] = overview.Recovery
		if s.Connectivity != nil {
			body["connectivity"] = connectivityBody(s.Connectivity.Snapshot())
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// RecoveryTriggerHandler starts an operator-forced recovery session. The
// drain runs in the background; 202 carries the session id to poll.
func (s *Server) RecoveryTriggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RecoveryType string `json:"recoveryType"`
		}
		if r.Body != nil {
			// An empty body means a manual trigger.
			_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req)
		}
		rtype := domain.RecoveryManual
		switch req.RecoveryType {
		case "", string(domain.RecoveryManual):
		case string(domain.RecoveryPrinter):
			rtype = domain.RecoveryPrinter
		case string(domain.RecoveryInternet):
			rtype = domain.RecoveryInternet
		case string(domain.RecoveryCombined):
			rtype = domain.RecoveryCombined
		default:
			writeError(w, r, fmt.Errorf("%w: unknown recoveryType %q", domain.ErrInvalidArgument, req.RecoveryType), nil)
			return
		}
		id, err := s.Recovery.Trigger(r.Context(), rtype)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"session_id":    id,
			"recovery_type": string(rtype),
		})
	}
}

// QueueStatisticsHandler returns the offline-queue aggregate.
func (s *Server) QueueStatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overview, err := s.Stats.QueueStatistics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		st := overview.Stats
		byStatus := map[string]int{}
		for k, v := range st.ByStatus {
			byStatus[string(k)] = v
		}
		byPriority := map[string]int{}
		for k, v := range st.ByPriority {
			byPriority[fmt.Sprintf("%d", k)] = v
		}
		byItemType := map[string]int{}
		for k, v := range st.ByItemType {
			byItemType[string(k)] = v
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"live":             st.Live,
			"by_status":        byStatus,
			"by_priority":      byPriority,
			"by_item_type":     byItemType,
			"oldest_queued_at": st.OldestQueuedAt,
			"expiring_soon":    st.ExpiringSoon,
			"recovery":         overview.Recovery,
		})
	}
}

// JobStatisticsHandler returns the print-job aggregate.
func (s *Server) JobStatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Stats.JobStatistics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		byStatus := map[string]int{}
		for k, v := range st.ByStatus {
			byStatus[string(k)] = v
		}
		byType := map[string]int{}
		for k, v := range st.ByType {
			byType[string(k)] = v
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":           st.Total,
			"by_status":       byStatus,
			"by_type":         byType,
			"completed_today": st.CompletedToday,
			"failed_today":    st.FailedToday,
		})
	}
}

// HealthStatusHandler returns per-resource statuses plus recent samples.
func (s *Server) HealthStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"resources": s.Health.Snapshot(),
			"recent":    metricsBody(s.Health.Recent(20)),
		})
	}
}

// HealthCheckHandler forces an immediate sample pass and returns it.
func (s *Server) HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics := s.Health.Check(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"samples": metricsBody(metrics)})
	}
}

// CircuitStatusHandler returns one breaker's snapshot.
func (s *Server) CircuitStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		b, ok := s.Breakers.Get(name)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: circuit %q", domain.ErrNotFound, name), map[string]any{"known": s.Breakers.Names()})
			return
		}
		writeJSON(w, http.StatusOK, b.Snapshot())
	}
}

// CircuitResetHandler forces one breaker back to closed.
func (s *Server) CircuitResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		b, ok := s.Breakers.Get(name)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: circuit %q", domain.ErrNotFound, name), map[string]any{"known": s.Breakers.Names()})
			return
		}
		b.Reset()
		LoggerFrom(r).Info("circuit manually reset", "circuit", name)
		writeJSON(w, http.StatusOK, b.Snapshot())
	}
}

// NotificationStatusHandler reports per-type throttle state and counters.
func (s *Server) NotificationStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		types, stats := s.Notifier.Status()
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled": s.Cfg.NotifyEnabled(),
			"types":   types,
			"stats":   stats,
		})
	}
}

// NotificationTestHandler sends a test notification through the full
// pipeline, bypassing throttles.
func (s *Server) NotificationTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Notifier.SendTest(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sent": true})
	}
}

// DeadLettersHandler lists terminally failed retry tasks.
func (s *Server) DeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		letters := s.Retries.DeadLetters()
		out := make([]map[string]any, 0, len(letters))
		for _, dl := range letters {
			out = append(out, map[string]any{
				"task_id":        dl.TaskID,
				"name":           dl.Task.Name,
				"failure_type":   string(dl.Task.FailureType),
				"failure_reason": dl.FailureReason,
				"attempts":       len(dl.Task.Attempts),
				"moved_at":       dl.MovedAt,
				"can_requeue":    dl.CanRequeue,
				"metadata":       dl.Task.Metadata,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out, "count": len(out)})
	}
}

// DeadLetterRequeueHandler resubmits one dead letter for a fresh run.
func (s *Server) DeadLetterRequeueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Retries.Requeue(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "requeued": true})
	}
}

// JobPrintNowHandler pushes one job through the printer immediately,
// outside the poll cycle.
func (s *Server) JobPrintNowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if ok := s.Printing.ProcessJobImmediately(r.Context(), id); !ok {
			writeError(w, r, fmt.Errorf("%w: job %s not printable now", domain.ErrConflict, id), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "printed": true})
	}
}

// JobsRetryFailedHandler returns failed jobs with remaining budget to
// pending so the next poll picks them up.
func (s *Server) JobsRetryFailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Printing.RetryFailedJobs(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rescheduled": n})
	}
}

func sessionBody(sess domain.RecoverySession) map[string]any {
	return map[string]any{
		"id":              sess.ID,
		"recovery_type":   string(sess.RecoveryType),
		"phase":           string(sess.Phase),
		"started_at":      sess.StartedAt,
		"updated_at":      sess.UpdatedAt,
		"completed_at":    sess.CompletedAt,
		"items_total":     sess.ItemsTotal,
		"items_processed": sess.ItemsProcessed,
		"items_failed":    sess.ItemsFailed,
		"error_message":   sess.ErrorMessage,
	}
}

func connectivityBody(states []domain.ConnectivityState) []map[string]any {
	out := make([]map[string]any, 0, len(states))
	for _, st := range states {
		out = append(out, map[string]any{
			"component":      string(st.Component),
			"status":         string(st.Status),
			"last_online_at": st.LastOnlineAt,
			"checked_at":     st.CheckedAt,
		})
	}
	return out
}

func metricsBody(metrics []domain.HealthMetric) []map[string]any {
	out := make([]map[string]any, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, map[string]any{
			"resource":   string(m.ResourceType),
			"value":      m.Value,
			"status":     string(m.Status),
			"sampled_at": m.Timestamp.Format(time.RFC3339Nano),
			"metadata":   m.Metadata,
		})
	}
	return out
}
