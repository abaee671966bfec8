package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 1e-9)
}

func TestObserveAdmissionRejected(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(admissionRejectedTotal.WithLabelValues("test_reason"))
	ObserveAdmissionRejected("test_reason")
	require.InDelta(t, before+1, testutil.ToFloat64(admissionRejectedTotal.WithLabelValues("test_reason")), 1e-9)
}

func TestFleetCollector(t *testing.T) {
	t.Parallel()

	nodes := []fleet.WorkerNode{
		{ID: "a", State: fleet.StateHealthy, InFlight: true},
		{ID: "b", State: fleet.StateHealthy},
		{ID: "c", State: fleet.StateCircuitOpen, Drained: true},
	}
	c := NewFleetCollector(func() []fleet.WorkerNode { return nodes }, func() int { return 7 })
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP fleet_workers Registered workers partitioned by state.
# TYPE fleet_workers gauge
fleet_workers{state="CIRCUIT_OPEN"} 1
fleet_workers{state="DEGRADED"} 0
fleet_workers{state="HEALTHY"} 2
fleet_workers{state="RECYCLING"} 0
# HELP fleet_workers_busy Workers currently running a job.
# TYPE fleet_workers_busy gauge
fleet_workers_busy 1
# HELP fleet_async_queue_depth Async jobs waiting for a runner.
# TYPE fleet_async_queue_depth gauge
fleet_async_queue_depth 7
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"fleet_workers", "fleet_workers_busy", "fleet_async_queue_depth"))
}

func TestShutdownIgnoresNilProviders(t *testing.T) {
	t.Parallel()

	require.NoError(t, Shutdown(t.Context(), nil, nil))
}
