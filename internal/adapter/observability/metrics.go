package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	PrintJobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "print_jobs_created_total",
			Help: "Total number of print jobs created",
		},
		[]string{"type"},
	)
	PrintJobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "print_jobs_completed_total",
			Help: "Total number of print jobs completed",
		},
		[]string{"type"},
	)
	PrintJobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "print_jobs_failed_total",
			Help: "Total number of print jobs terminally failed",
		},
		[]string{"type"},
	)
	PrintAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "print_attempts_total",
			Help: "Physical print attempts by outcome",
		},
		[]string{"result"},
	)

	OfflineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_queue_depth",
			Help: "Live offline-queue rows (queued + processing)",
		},
	)
	OfflineQueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_queue_enqueued_total",
			Help: "Total items enqueued to the offline queue",
		},
		[]string{"item_type"},
	)
	OfflineQueueExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_queue_expired_total",
			Help: "Queue rows removed by expiry cleanup",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)
	CircuitBreakerOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opens_total",
			Help: "Times a breaker transitioned to open",
		},
		[]string{"name"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retry attempts by failure type and outcome",
		},
		[]string{"failure_type", "result"},
	)
	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Tasks moved to the dead-letter queue",
		},
	)

	ConnectivityStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connectivity_status",
			Help: "Component reachability (1=online, 0.5=degraded, 0=offline)",
		},
		[]string{"component"},
	)

	RecoverySessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_sessions_total",
			Help: "Recovery sessions by outcome",
		},
		[]string{"result"},
	)
	RecoveryItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_items_total",
			Help: "Offline-queue items drained during recovery by outcome",
		},
		[]string{"result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification sends by type and outcome",
		},
		[]string{"type", "result"},
	)
	NotificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications dropped due to throttle or queue overflow",
		},
	)

	HealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Resource health (0=healthy, 1=warning, 2=critical, 3=emergency)",
		},
		[]string{"resource"},
	)
	SelfHealingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "self_healing_runs_total",
			Help: "Cleanup handler invocations by resource",
		},
		[]string{"resource"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PrintJobsCreatedTotal)
	prometheus.MustRegister(PrintJobsCompletedTotal)
	prometheus.MustRegister(PrintJobsFailedTotal)
	prometheus.MustRegister(PrintAttemptsTotal)
	prometheus.MustRegister(OfflineQueueDepth)
	prometheus.MustRegister(OfflineQueueEnqueuedTotal)
	prometheus.MustRegister(OfflineQueueExpiredTotal)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerOpensTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(ConnectivityStatus)
	prometheus.MustRegister(RecoverySessionsTotal)
	prometheus.MustRegister(RecoveryItemsTotal)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(NotificationsDroppedTotal)
	prometheus.MustRegister(HealthStatus)
	prometheus.MustRegister(SelfHealingRunsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func JobCreated(jobType string)   { PrintJobsCreatedTotal.WithLabelValues(jobType).Inc() }
func JobCompleted(jobType string) { PrintJobsCompletedTotal.WithLabelValues(jobType).Inc() }
func JobFailed(jobType string)    { PrintJobsFailedTotal.WithLabelValues(jobType).Inc() }

func PrintAttempt(ok bool) {
	if ok {
		PrintAttemptsTotal.WithLabelValues("success").Inc()
	} else {
		PrintAttemptsTotal.WithLabelValues("failure").Inc()
	}
}

func ItemEnqueued(itemType string) { OfflineQueueEnqueuedTotal.WithLabelValues(itemType).Inc() }
func SetQueueDepth(n int)          { OfflineQueueDepth.Set(float64(n)) }
func ItemsExpired(n int)           { OfflineQueueExpiredTotal.Add(float64(n)) }

// SetBreakerState maps state names onto the gauge scale.
func SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(name).Set(v)
}

func BreakerOpened(name string) { CircuitBreakerOpensTotal.WithLabelValues(name).Inc() }

func RetryAttempt(failureType string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	RetryAttemptsTotal.WithLabelValues(failureType, result).Inc()
}

func DeadLettered() { DeadLettersTotal.Inc() }

// SetConnectivity maps status names onto the gauge scale.
func SetConnectivity(component, status string) {
	var v float64
	switch status {
	case "online":
		v = 1
	case "degraded":
		v = 0.5
	}
	ConnectivityStatus.WithLabelValues(component).Set(v)
}

func RecoveryFinished(success bool) {
	result := "failed"
	if success {
		result = "completed"
	}
	RecoverySessionsTotal.WithLabelValues(result).Inc()
}

func RecoveryItem(ok bool) {
	result := "failed"
	if ok {
		result = "processed"
	}
	RecoveryItemsTotal.WithLabelValues(result).Inc()
}

func NotificationSent(typ string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	NotificationsTotal.WithLabelValues(typ, result).Inc()
}

func NotificationDropped() { NotificationsDroppedTotal.Inc() }

// SetHealthStatus maps severity names onto the gauge scale.
func SetHealthStatus(resource, status string) {
	var v float64
	switch status {
	case "warning":
		v = 1
	case "critical":
		v = 2
	case "emergency":
		v = 3
	}
	HealthStatus.WithLabelValues(resource).Set(v)
}

func SelfHealingRun(resource string) { SelfHealingRunsTotal.WithLabelValues(resource).Inc() }
