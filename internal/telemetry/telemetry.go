// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/scrape-fleet/internal/config"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"method", "route"},
	)

	admissionRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_admission_rejected_total",
			Help: "Job submissions refused before dispatch, labeled by reason.",
		},
		[]string{"reason"},
	)
)

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// InitTelemetry sets up tracing (GCP, OTLP, or local-only) and bridges OTel
// metrics into the default Prometheus registry. It runs once per process.
func InitTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		attrs := []resource.Option{
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.Version),
			),
		}
		if cfg.Exporter == "gcp" {
			attrs = append(attrs, resource.WithAttributes(
				semconv.CloudProviderGCP,
				semconv.CloudAccountID(cfg.ProjectID),
				semconv.CloudRegion(cfg.Region),
			))
		}
		res, err := resource.New(ctx, attrs...)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		exporter, err := newSpanExporter(ctx, cfg)
		if err != nil {
			initErr = err
			return
		}
		ratio := cfg.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, rec.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmissionRejected counts a submission refused before dispatch.
func ObserveAdmissionRejected(reason string) {
	admissionRejectedTotal.WithLabelValues(reason).Inc()
}
