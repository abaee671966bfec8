// Package agent is the worker side of the fleet contract: a single-flight
// scraping service that reports its health, runs one job at a time, and
// replaces its browser on request.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/agent/engine"
	"github.com/JakeFAU/scrape-fleet/internal/telemetry"
	"github.com/JakeFAU/scrape-fleet/internal/workerclient"
)

var (
	scrapesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_scrapes_total",
		Help: "Scrape requests handled by the worker agent, by result.",
	}, []string{"result"})
	agentRecycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_recycles_total",
		Help: "Engine recycles performed by the worker agent.",
	})
)

// Config tunes the agent.
type Config struct {
	// RecycleBudget is how many jobs the agent serves before it refuses work
	// until recycled. Zero disables the budget.
	RecycleBudget int
	// MaxPayloadBytes caps the job request body.
	MaxPayloadBytes int64
	// ReplayCache is how many completed results are kept for idempotent
	// replays, keyed by the Idempotency-Key header.
	ReplayCache int
	Version     string
}

const (
	defaultMaxPayload  = 1 << 20
	defaultReplayCache = 32
)

// Agent serves the worker HTTP contract.
type Agent struct {
	engine engine.Engine
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	router chi.Router

	started  time.Time
	busy     atomic.Bool
	served   atomic.Int64
	recycles atomic.Int64
	replays  *replayCache
}

// New builds an Agent around an engine.
func New(eng engine.Engine, cfg Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayload
	}
	if cfg.ReplayCache <= 0 {
		cfg.ReplayCache = defaultReplayCache
	}
	a := &Agent{
		engine:  eng,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/scrape-fleet/internal/agent"),
		started: time.Now(),
		replays: newReplayCache(cfg.ReplayCache),
	}
	r := chi.NewRouter()
	r.Use(telemetry.Middleware)
	r.Get("/health", a.health)
	r.Post("/api/scrape", a.scrape)
	r.Post("/api/recycle", a.recycle)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	a.router = r
	return a
}

// Handler returns the agent's router.
func (a *Agent) Handler() http.Handler {
	return a.router
}

// Close releases the engine.
func (a *Agent) Close() {
	a.engine.Close()
}

func (a *Agent) budgetSpent() bool {
	return a.cfg.RecycleBudget > 0 && a.served.Load() >= int64(a.cfg.RecycleBudget)
}

type healthResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Busy          bool         `json:"busy"`
	Served        int64        `json:"served_since_recycle"`
	RecycleBudget int          `json:"recycle_budget"`
	Recycles      int64        `json:"recycles"`
	Memory        memoryReport `json:"memory"`
}

type memoryReport struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	Goroutines  int     `json:"goroutines"`
}

func (a *Agent) health(w http.ResponseWriter, _ *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	status := "healthy"
	if a.budgetSpent() {
		status = "recycle_required"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       a.cfg.Version,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		Busy:          a.busy.Load(),
		Served:        a.served.Load(),
		RecycleBudget: a.cfg.RecycleBudget,
		Recycles:      a.recycles.Load(),
		Memory: memoryReport{
			HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
			SysMB:       float64(ms.Sys) / (1 << 20),
			Goroutines:  runtime.NumGoroutine(),
		},
	})
}

type scrapeRequest struct {
	URL          string            `json:"url"`
	Mode         string            `json:"mode"`
	Headers      map[string]string `json:"headers"`
	WaitSelector string            `json:"wait_selector"`
}

type scrapeResponse struct {
	JobID      string            `json:"job_id,omitempty"`
	Attempt    string            `json:"attempt,omitempty"`
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Rendered   bool              `json:"rendered"`
	DurationMS int64             `json:"duration_ms"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// scrape handles POST /api/scrape. It runs at most one job at a time: a
// second concurrent request gets 429, and once the recycle budget is spent
// every request gets 503 until /api/recycle succeeds. Malformed jobs get 400.
func (a *Agent) scrape(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	key := r.Header.Get(workerclient.HeaderIdempotencyKey)
	ctx, span := a.tracer.Start(ctx, "agent.scrape", trace.WithAttributes(
		attribute.String("job.id", key),
		attribute.String("attempt", r.Header.Get(workerclient.HeaderAttempt)),
	))
	defer span.End()

	if cached, ok := a.replays.get(key); ok {
		scrapesTotal.WithLabelValues("replayed").Inc()
		w.Header().Set("Idempotent-Replayed", "true")
		writeRaw(w, http.StatusOK, cached)
		return
	}
	if a.budgetSpent() {
		scrapesTotal.WithLabelValues("budget_spent").Inc()
		writeError(w, http.StatusServiceUnavailable, "recycle required")
		return
	}
	if !a.busy.CompareAndSwap(false, true) {
		scrapesTotal.WithLabelValues("busy").Inc()
		writeError(w, http.StatusTooManyRequests, "worker busy")
		return
	}
	defer a.busy.Store(false)

	req, err := a.decode(w, r)
	if err != nil {
		scrapesTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.String("scrape.mode", string(req.Mode)))

	res, err := a.engine.Fetch(ctx, req)
	a.served.Add(1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		a.logger.Warn("scrape failed", zap.String("job_id", key), zap.String("url", req.URL), zap.Error(err))
		if errors.Is(err, engine.ErrNoRenderer) {
			scrapesTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		scrapesTotal.WithLabelValues("failed").Inc()
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}

	body, err := json.Marshal(scrapeResponse{
		JobID:      key,
		Attempt:    r.Header.Get(workerclient.HeaderAttempt),
		URL:        res.URL,
		StatusCode: res.StatusCode,
		Rendered:   res.Rendered,
		DurationMS: res.Duration.Milliseconds(),
		Headers:    flattenHeaders(res.Headers),
		Body:       string(res.Body),
	})
	if err != nil {
		scrapesTotal.WithLabelValues("failed").Inc()
		writeError(w, http.StatusInternalServerError, "encode result failed")
		return
	}
	a.replays.put(key, body)
	scrapesTotal.WithLabelValues("succeeded").Inc()
	a.logger.Info("scrape completed",
		zap.String("job_id", key),
		zap.String("url", res.URL),
		zap.Int("status", res.StatusCode),
		zap.Bool("rendered", res.Rendered),
		zap.Duration("duration", res.Duration),
	)
	writeRaw(w, http.StatusOK, body)
}

func (a *Agent) decode(w http.ResponseWriter, r *http.Request) (engine.Request, error) {
	var body scrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.cfg.MaxPayloadBytes)).Decode(&body); err != nil {
		return engine.Request{}, errors.New("invalid JSON payload")
	}
	mode, err := engine.ParseMode(body.Mode)
	if err != nil {
		return engine.Request{}, err
	}
	req := engine.Request{
		URL:          strings.TrimSpace(body.URL),
		Mode:         mode,
		WaitSelector: body.WaitSelector,
	}
	if len(body.Headers) > 0 {
		req.Headers = make(http.Header, len(body.Headers))
		for k, v := range body.Headers {
			req.Headers.Set(k, v)
		}
	}
	if err := req.Validate(); err != nil {
		return engine.Request{}, err
	}
	return req, nil
}

// recycle handles POST /api/recycle. It refuses with 409 while a job runs.
func (a *Agent) recycle(w http.ResponseWriter, r *http.Request) {
	if !a.busy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "worker busy")
		return
	}
	defer a.busy.Store(false)

	served := a.served.Load()
	if err := a.engine.Recycle(r.Context()); err != nil {
		a.logger.Error("engine recycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recycle failed")
		return
	}
	a.served.Store(0)
	a.recycles.Add(1)
	a.replays.reset()
	agentRecycles.Inc()
	a.logger.Info("engine recycled", zap.Int64("served", served))
	writeJSON(w, http.StatusOK, map[string]any{"status": "recycled", "served": served})
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// replayCache keeps the most recent results by idempotency key, evicting the
// oldest entry first.
type replayCache struct {
	mu    sync.Mutex
	max   int
	order []string
	items map[string][]byte
}

func newReplayCache(size int) *replayCache {
	return &replayCache{max: size, items: make(map[string][]byte, size)}
}

func (c *replayCache) get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *replayCache) put(key string, val []byte) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		c.items[key] = val
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.order = append(c.order, key)
	c.items[key] = val
}

func (c *replayCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.items = make(map[string][]byte, c.max)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		zap.L().Error("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
