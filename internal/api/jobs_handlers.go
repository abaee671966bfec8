package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/gateway"
	queueMemory "github.com/JakeFAU/scrape-fleet/internal/queue/memory"
	"github.com/JakeFAU/scrape-fleet/internal/telemetry"
)

// maxDeadlineMS is the largest deadline_ms that converts to a time.Duration.
const maxDeadlineMS = math.MaxInt64 / int64(time.Millisecond)

type jobRequest struct {
	// Payload is forwarded to the worker untouched.
	Payload json.RawMessage `json:"payload"`
	// DeadlineMS is relative to receipt; zero selects the gateway default.
	DeadlineMS int64 `json:"deadline_ms"`
}

type attemptDTO struct {
	WorkerID   string `json:"worker_id"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type outcomeDTO struct {
	JobID            string          `json:"job_id"`
	Outcome          string          `json:"outcome"`
	Reason           string          `json:"reason,omitempty"`
	NoEligibleWorker bool            `json:"no_eligible_worker"`
	Attempts         []attemptDTO    `json:"attempts"`
	Result           json.RawMessage `json:"result,omitempty"`
	ResultBase64     string          `json:"result_base64,omitempty"`
}

type jobRecordDTO struct {
	JobID       string           `json:"job_id"`
	Status      string           `json:"status"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Deadline    time.Time        `json:"deadline"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Outcome     *outcomeDTO      `json:"outcome,omitempty"`
	Archive     *fleet.ArchiveRef `json:"archive,omitempty"`
}

// submitJob handles POST /v1/jobs. It blocks until the job reaches a terminal
// outcome and maps that outcome onto the response status.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	jobID, outcome, err := s.deps.Gateway.SubmitJob(r.Context(), req)
	if err != nil {
		s.rejectJob(w, err)
		return
	}
	writeJSON(w, outcomeStatus(outcome.Kind), toOutcomeDTO(jobID, outcome))
}

// submitAsyncJob handles POST /v1/jobs/async and returns 202 with the job id.
func (s *Server) submitAsyncJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Async == nil {
		writeError(w, http.StatusServiceUnavailable, "async submissions disabled")
		return
	}
	req, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Gateway.Resolve(req)
	if err != nil {
		s.rejectJob(w, err)
		return
	}
	if err := s.deps.Async.Enqueue(r.Context(), job); err != nil {
		if errors.Is(err, queueMemory.ErrQueueFull) {
			telemetry.ObserveAdmissionRejected("queue_full")
			writeError(w, http.StatusServiceUnavailable, "async queue full")
			return
		}
		s.logger.Error("enqueue job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(fleet.JobStatusQueued),
	})
}

// getJob handles GET /v1/jobs/{job_id} for async submissions.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	rec, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, fleet.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, toJobRecordDTO(rec))
}

func (s *Server) decodeJob(w http.ResponseWriter, r *http.Request) (gateway.Request, bool) {
	var body jobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&body); err != nil {
		telemetry.ObserveAdmissionRejected("invalid_job")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return gateway.Request{}, false
	}
	if body.DeadlineMS < 0 {
		telemetry.ObserveAdmissionRejected("invalid_job")
		writeError(w, http.StatusBadRequest, "deadline_ms must not be negative")
		return gateway.Request{}, false
	}
	if emptyPayload(body.Payload) {
		telemetry.ObserveAdmissionRejected("invalid_job")
		writeError(w, http.StatusBadRequest, "payload is required")
		return gateway.Request{}, false
	}
	req := gateway.Request{Payload: body.Payload}
	if body.DeadlineMS > 0 {
		// The gateway clamps to its maximum deadline.
		ms := min(body.DeadlineMS, maxDeadlineMS)
		req.Deadline = s.now().Add(time.Duration(ms) * time.Millisecond)
	}
	return req, true
}

func emptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`))
}

func (s *Server) rejectJob(w http.ResponseWriter, err error) {
	if errors.Is(err, fleet.ErrInvalidJob) {
		telemetry.ObserveAdmissionRejected("invalid_job")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("submit job failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to submit job")
}

func (s *Server) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func outcomeStatus(kind fleet.OutcomeKind) int {
	switch kind {
	case fleet.OutcomeCompleted:
		return http.StatusOK
	case fleet.OutcomeExhausted:
		return http.StatusServiceUnavailable
	case fleet.OutcomeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func toOutcomeDTO(jobID string, o fleet.Outcome) outcomeDTO {
	dto := outcomeDTO{
		JobID:            jobID,
		Outcome:          string(o.Kind),
		Reason:           o.Reason,
		NoEligibleWorker: o.NoEligibleWorker,
		Attempts:         make([]attemptDTO, 0, len(o.Attempts)),
	}
	for _, a := range o.Attempts {
		dto.Attempts = append(dto.Attempts, attemptDTO{
			WorkerID:   a.WorkerID,
			Result:     string(a.Result),
			Error:      a.Error,
			DurationMS: a.Duration.Milliseconds(),
		})
	}
	if len(o.Result) > 0 {
		if json.Valid(o.Result) {
			dto.Result = json.RawMessage(o.Result)
		} else {
			dto.ResultBase64 = base64.StdEncoding.EncodeToString(o.Result)
		}
	}
	return dto
}

func toJobRecordDTO(rec fleet.JobRecord) jobRecordDTO {
	dto := jobRecordDTO{
		JobID:       rec.ID,
		Status:      string(rec.Status),
		SubmittedAt: rec.SubmittedAt,
		Deadline:    rec.Deadline,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Archive:     rec.Archive,
	}
	if rec.Outcome != nil {
		o := *rec.Outcome
		o.Result = rec.Result
		out := toOutcomeDTO(rec.ID, o)
		dto.Outcome = &out
	}
	return dto
}
