// Package fleet holds the data model shared by the registry, health monitor,
// dispatcher, and gateway.
package fleet

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// State is the lifecycle state of a WorkerNode.
type State string

// Worker node states.
const (
	StateHealthy     State = "HEALTHY"
	StateDegraded    State = "DEGRADED"
	StateCircuitOpen State = "CIRCUIT_OPEN"
	StateRecycling   State = "RECYCLING"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateHealthy, StateDegraded, StateCircuitOpen, StateRecycling:
		return true
	default:
		return false
	}
}

// WorkerNode is one deployed automation worker.
type WorkerNode struct {
	ID                         string    `json:"id"`
	Endpoint                   string    `json:"endpoint"`
	State                      State     `json:"state"`
	ConsecutiveFailures        int       `json:"consecutive_failures"`
	RequestsServedSinceRecycle int       `json:"requests_served_since_recycle"`
	InFlight                   bool      `json:"in_flight"`
	Drained                    bool      `json:"drained"`
	LastProbeAt                time.Time `json:"last_probe_at"`
	CircuitOpenedAt            time.Time `json:"circuit_opened_at"`
	LastStateChange            time.Time `json:"last_state_change"`
}

// Selectable reports whether the node may receive a new job right now.
func (n WorkerNode) Selectable() bool {
	return n.State == StateHealthy && !n.InFlight && !n.Drained
}

// Load is the number of jobs currently occupying the node (0 or 1).
func (n WorkerNode) Load() int {
	if n.InFlight {
		return 1
	}
	return 0
}

// WorkerStatus is the read-only view returned by fleet status queries.
type WorkerStatus struct {
	WorkerID                   string    `json:"worker_id"`
	Endpoint                   string    `json:"endpoint"`
	State                      State     `json:"state"`
	Load                       int       `json:"load"`
	RequestsServedSinceRecycle int       `json:"requests_served_since_recycle"`
	ConsecutiveFailures        int       `json:"consecutive_failures"`
	Drained                    bool      `json:"drained"`
	LastProbeAt                time.Time `json:"last_probe_at"`
}

// StatusOf projects a node onto its status view.
func StatusOf(n WorkerNode) WorkerStatus {
	return WorkerStatus{
		WorkerID:                   n.ID,
		Endpoint:                   n.Endpoint,
		State:                      n.State,
		Load:                       n.Load(),
		RequestsServedSinceRecycle: n.RequestsServedSinceRecycle,
		ConsecutiveFailures:        n.ConsecutiveFailures,
		Drained:                    n.Drained,
		LastProbeAt:                n.LastProbeAt,
	}
}

// WorkerID derives the stable identifier for an endpoint URL. Scheme and host
// are lower-cased and any trailing slash on the path is dropped, so
// "HTTP://Worker-1.example.com/" and "http://worker-1.example.com" map to the
// same node.
func WorkerID(endpoint string) (string, error) {
	raw := strings.TrimSpace(endpoint)
	if raw == "" {
		return "", fmt.Errorf("%w: endpoint is empty", ErrInvalidEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	// Request paths are appended to the endpoint, and fleet status shows it.
	if u.User != nil {
		return "", fmt.Errorf("%w: userinfo is not supported", ErrInvalidEndpoint)
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", fmt.Errorf("%w: query and fragment are not supported", ErrInvalidEndpoint)
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	return u.Scheme + "://" + strings.ToLower(u.Host) + path, nil
}

// Job is a unit of work submitted by a caller. Payload is opaque and must
// never be logged or persisted by the fleet layer.
type Job struct {
	ID          string
	Payload     []byte
	Deadline    time.Time
	MaxAttempts int
}

// AttemptResult classifies a single forward to one worker.
type AttemptResult string

// Attempt results.
const (
	AttemptSucceeded AttemptResult = "SUCCEEDED"
	AttemptFailed    AttemptResult = "FAILED"
	AttemptTimedOut  AttemptResult = "TIMED_OUT"
	AttemptRejected  AttemptResult = "REJECTED"
	AttemptCanceled  AttemptResult = "CANCELED"
)

// Attempt records one (worker, outcome) pair tried for a job.
type Attempt struct {
	WorkerID string        `json:"worker_id"`
	Result   AttemptResult `json:"result"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// AttemptRequest is what the dispatcher hands a forwarder for one attempt.
type AttemptRequest struct {
	JobID   string
	Attempt int
	Payload []byte
}

// OutcomeKind is the terminal classification of a job.
type OutcomeKind string

// Terminal outcome kinds.
const (
	OutcomeCompleted        OutcomeKind = "COMPLETED"
	OutcomeFailed           OutcomeKind = "FAILED"
	OutcomeExhausted        OutcomeKind = "EXHAUSTED"
	OutcomeDeadlineExceeded OutcomeKind = "DEADLINE_EXCEEDED"
)

// Outcome is the terminal result of a submission.
type Outcome struct {
	Kind             OutcomeKind `json:"kind"`
	Result           []byte      `json:"-"`
	Reason           string      `json:"reason,omitempty"`
	NoEligibleWorker bool        `json:"no_eligible_worker"`
	Attempts         []Attempt   `json:"attempts"`
}

// Err maps the outcome onto the error taxonomy; completed outcomes return nil.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeCompleted:
		return nil
	case OutcomeExhausted:
		if o.NoEligibleWorker {
			return ErrNoEligibleWorker
		}
		return ErrExhausted
	case OutcomeDeadlineExceeded:
		return ErrDeadlineExceeded
	default:
		if o.Reason != "" {
			return fmt.Errorf("%w: %s", ErrJobFailed, o.Reason)
		}
		return ErrJobFailed
	}
}

// WorkerIDs lists the workers attempted, in order.
func (o Outcome) WorkerIDs() []string {
	ids := make([]string, 0, len(o.Attempts))
	for _, a := range o.Attempts {
		ids = append(ids, a.WorkerID)
	}
	return ids
}
