// Package api exposes the HTTP interface for the fleet gateway.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/config"
	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/gateway"
	"github.com/JakeFAU/scrape-fleet/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-fleet/internal/store"
	"github.com/JakeFAU/scrape-fleet/internal/telemetry"
)

// AsyncQueue accepts jobs to run in the background.
type AsyncQueue interface {
	Enqueue(ctx context.Context, job fleet.Job) error
}

// Deps groups the collaborators behind the HTTP handlers. Only Gateway is
// required; a nil Async, Jobs, Events, or Limiter disables the matching routes
// or middleware.
type Deps struct {
	Gateway *gateway.Gateway
	Async   AsyncQueue
	Jobs    fleet.JobStore
	Events  store.EventRepository
	Limiter *ratelimit.Limiter
	Clock   fleet.Clock
}

// Server wires HTTP handlers to the gateway and stores.
type Server struct {
	router  chi.Router
	deps    Deps
	events  *EventsHandler
	cfg     config.Config
	logger  *zap.Logger
	maxBody int64
}

const (
	maxRequestBytes = 8 << 20
	// requestSlack is added on top of the longest job deadline so the
	// request timeout never fires before the dispatcher reports an outcome.
	requestSlack = 10 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		events:  NewEventsHandler(deps.Events, logger),
		cfg:     cfg,
		logger:  logger,
		maxBody: maxRequestBytes,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(requestTimeout(cfg)))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		admit := func(next http.Handler) http.Handler { return next }
		if deps.Limiter != nil {
			admit = ratelimit.Middleware(deps.Limiter)
		}
		r.Route("/jobs", func(r chi.Router) {
			r.With(admit).Post("/", s.submitJob)
			r.With(admit).Post("/async", s.submitAsyncJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/events", s.events.ListJobEvents)
			})
		})
		r.Get("/fleet", s.fleetStatus)
		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.registerWorker)
			r.Delete("/", s.drainWorker)
			r.Get("/events", s.events.ListWorkerEvents)
			r.Get("/stats", s.events.WorkerStats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestTimeout(cfg config.Config) time.Duration {
	longest := max(cfg.Dispatch.MaxDeadline, cfg.Dispatch.DefaultDeadline)
	if longest <= 0 {
		return time.Minute
	}
	return longest + requestSlack
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Gateway.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no healthy workers"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(ratelimit.HeaderAPIKey)
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
