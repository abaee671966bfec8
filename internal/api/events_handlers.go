package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	defaultStatsLimit = 50
	maxStatsLimit     = 500
	eventsTimeout     = 3 * time.Second
)

// EventsHandler exposes read-only views of the fleet event ledger.
type EventsHandler struct {
	repo    store.EventRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewEventsHandler wires the repository and logger. repo may be nil when no
// database is configured; every route then answers 503.
func NewEventsHandler(repo store.EventRepository, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		repo:    repo,
		timeout: eventsTimeout,
		logger:  logger,
	}
}

// ListWorkerEvents handles GET /v1/workers/events?endpoint=&limit=&offset=.
// It returns {"events": [...]} newest first, 400 for a bad endpoint or
// paging values, 503 without a repository, and 500 on repository errors.
func (h *EventsHandler) ListWorkerEvents(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "event repository unavailable")
		return
	}
	workerID, err := parseWorkerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	events, err := h.repo.ListWorkerEvents(ctx, workerID, limit, offset)
	if err != nil {
		h.logger.Error("list worker events failed", zap.String("worker_id", workerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list worker events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(events)})
}

// ListJobEvents handles GET /v1/jobs/{job_id}/events and returns the job's
// attempts and outcome in emission order.
func (h *EventsHandler) ListJobEvents(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "event repository unavailable")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	events, err := h.repo.ListJobEvents(ctx, jobID)
	if err != nil {
		h.logger.Error("list job events failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list job events")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(events)})
}

// WorkerStats handles GET /v1/workers/stats. With ?endpoint= it returns
// {"stats": {...}} for one worker (404 when unknown); without it, a page of
// aggregates {"stats": [...]} ordered by worker id.
func (h *EventsHandler) WorkerStats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "event repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if r.URL.Query().Get("endpoint") != "" {
		workerID, err := parseWorkerID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		stats, err := h.repo.GetWorkerStats(ctx, workerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "worker stats not found")
				return
			}
			h.logger.Error("get worker stats failed", zap.String("worker_id", workerID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load worker stats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stats": toStatsDTO(stats)})
		return
	}

	limit, offset, err := parseLimitOffset(r, defaultStatsLimit, maxStatsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	all, err := h.repo.ListWorkerStats(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list worker stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list worker stats")
		return
	}
	out := make([]statsDTO, 0, len(all))
	for _, s := range all {
		out = append(out, toStatsDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": out})
}

func parseWorkerID(r *http.Request) (string, error) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		return "", errors.New("endpoint is required")
	}
	id, err := fleet.WorkerID(endpoint)
	if err != nil {
		return "", errors.New("invalid endpoint")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type eventDTO struct {
	Kind             string    `json:"kind"`
	TS               time.Time `json:"ts"`
	WorkerID         string    `json:"worker_id,omitempty"`
	JobID            string    `json:"job_id,omitempty"`
	From             string    `json:"from,omitempty"`
	To               string    `json:"to,omitempty"`
	Attempt          int       `json:"attempt,omitempty"`
	Result           string    `json:"result,omitempty"`
	Attempts         int       `json:"attempts,omitempty"`
	NoEligibleWorker bool      `json:"no_eligible_worker,omitempty"`
	DurationMS       int64     `json:"duration_ms,omitempty"`
	Note             string    `json:"note,omitempty"`
}

type statsDTO struct {
	WorkerID     string    `json:"worker_id"`
	LastState    string    `json:"last_state"`
	LastUpdate   time.Time `json:"last_update"`
	Attempts     int64     `json:"attempts"`
	Succeeded    int64     `json:"succeeded"`
	Failed       int64     `json:"failed"`
	Recycles     int64     `json:"recycles"`
	CircuitOpens int64     `json:"circuit_opens"`
}

func toEventDTOs(in []store.EventRecord) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, e := range in {
		out = append(out, eventDTO{
			Kind:             e.Kind,
			TS:               e.TS,
			WorkerID:         e.WorkerID,
			JobID:            e.JobID,
			From:             e.FromState,
			To:               e.ToState,
			Attempt:          e.Attempt,
			Result:           e.Result,
			Attempts:         e.Attempts,
			NoEligibleWorker: e.NoEligibleWorker,
			DurationMS:       e.DurationMS,
			Note:             e.Note,
		})
	}
	return out
}

func toStatsDTO(s store.WorkerStats) statsDTO {
	return statsDTO{
		WorkerID:     s.WorkerID,
		LastState:    s.LastState,
		LastUpdate:   s.LastUpdate,
		Attempts:     s.Attempts,
		Succeeded:    s.Succeeded,
		Failed:       s.Failed,
		Recycles:     s.Recycles,
		CircuitOpens: s.CircuitOpens,
	}
}
