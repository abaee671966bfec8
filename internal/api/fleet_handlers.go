package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

type workerRequest struct {
	Endpoint string `json:"endpoint"`
}

// fleetStatus handles GET /v1/fleet.
func (s *Server) fleetStatus(w http.ResponseWriter, _ *http.Request) {
	workers := s.deps.Gateway.FleetStatus()
	counts := make(map[fleet.State]int, 4)
	for _, ws := range workers {
		counts[ws.State]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": workers,
		"states":  counts,
	})
}

// registerWorker handles POST /v1/workers {"endpoint": "..."}.
func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status, err := s.deps.Gateway.RegisterWorker(req.Endpoint)
	if err != nil {
		s.workerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

// drainWorker handles DELETE /v1/workers?endpoint=. The worker finishes any
// in-flight job and is never selected again until re-registered.
func (s *Server) drainWorker(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	status, err := s.deps.Gateway.DrainWorker(endpoint)
	if err != nil {
		s.workerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) workerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrInvalidEndpoint):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, "worker not found")
	default:
		s.logger.Error("worker membership change failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update worker")
	}
}
