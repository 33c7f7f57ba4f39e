package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_JobCounters(t *testing.T) {
	JobCreated("kitchen-metric-test")
	JobCreated("kitchen-metric-test")
	JobCompleted("kitchen-metric-test")
	JobFailed("kitchen-metric-test")

	assert.Equal(t, 2.0, testutil.ToFloat64(PrintJobsCreatedTotal.WithLabelValues("kitchen-metric-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(PrintJobsCompletedTotal.WithLabelValues("kitchen-metric-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(PrintJobsFailedTotal.WithLabelValues("kitchen-metric-test")))
}

func Test_SetBreakerState(t *testing.T) {
	tests := []struct {
		state string
		want  float64
	}{
		{"closed", 0},
		{"half_open", 1},
		{"open", 2},
	}
	for _, tt := range tests {
		SetBreakerState("printer-metric-test", tt.state)
		assert.Equal(t, tt.want, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("printer-metric-test")))
	}
}

func Test_SetConnectivity(t *testing.T) {
	SetConnectivity("printer-metric-test", "online")
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectivityStatus.WithLabelValues("printer-metric-test")))
	SetConnectivity("printer-metric-test", "degraded")
	assert.Equal(t, 0.5, testutil.ToFloat64(ConnectivityStatus.WithLabelValues("printer-metric-test")))
	SetConnectivity("printer-metric-test", "offline")
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectivityStatus.WithLabelValues("printer-metric-test")))
}

func Test_SetHealthStatus(t *testing.T) {
	SetHealthStatus("memory-metric-test", "emergency")
	assert.Equal(t, 3.0, testutil.ToFloat64(HealthStatus.WithLabelValues("memory-metric-test")))
	SetHealthStatus("memory-metric-test", "healthy")
	assert.Equal(t, 0.0, testutil.ToFloat64(HealthStatus.WithLabelValues("memory-metric-test")))
}

func Test_HTTPMetricsMiddleware(t *testing.T) {
	handler := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics-mw-test", nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		HTTPRequestsTotal.WithLabelValues("/metrics-mw-test", http.MethodGet, http.StatusText(http.StatusTeapot))))
}
