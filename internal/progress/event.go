// Package progress defines the observability events emitted by the health
// monitor and the dispatcher.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindHealthChange Kind = "HEALTH_CHANGE"
	KindRecycle      Kind = "RECYCLE"
	KindAttempt      Kind = "ATTEMPT"
	KindOutcome      Kind = "OUTCOME"
)

// Event captures one fleet milestone. Events never carry job payloads or
// results.
type Event struct {
	// Kind selects which of the optional fields are meaningful.
	Kind Kind
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// WorkerID scopes health, recycle, and attempt events to a node.
	WorkerID string
	// JobID scopes attempt and outcome events to a submission.
	JobID string
	// From and To carry the state transition for health changes.
	From fleet.State
	To   fleet.State
	// Attempt is the 1-based attempt number.
	Attempt int
	// Result is the attempt result or outcome kind.
	Result string
	// Attempts is the number of workers tried, set on outcomes.
	Attempts int
	// NoEligibleWorker flags exhausted outcomes where the fleet had no candidate.
	NoEligibleWorker bool
	// Dur is attempt latency or total job latency.
	Dur time.Duration
	// Note carries low-volume context such as an error string.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindHealthChange:
		if e.WorkerID == "" {
			return errors.New("health change requires worker id")
		}
		if !e.To.Valid() {
			return fmt.Errorf("health change has invalid target state %q", e.To)
		}
	case KindRecycle:
		if e.WorkerID == "" {
			return errors.New("recycle requires worker id")
		}
	case KindAttempt:
		if e.WorkerID == "" || e.JobID == "" {
			return errors.New("attempt requires worker id and job id")
		}
		if e.Attempt <= 0 {
			return errors.New("attempt number must be > 0")
		}
	case KindOutcome:
		if e.JobID == "" {
			return errors.New("outcome requires job id")
		}
		if e.Result == "" {
			return errors.New("outcome requires result")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// HealthChange builds a transition event.
func HealthChange(at time.Time, workerID string, from, to fleet.State, note string) Event {
	return Event{Kind: KindHealthChange, TS: at, WorkerID: workerID, From: from, To: to, Note: note}
}

// Recycled builds a recycle-completed event.
func Recycled(at time.Time, workerID string, served int) Event {
	return Event{Kind: KindRecycle, TS: at, WorkerID: workerID, Attempts: served}
}

// AttemptDone builds an attempt event.
func AttemptDone(at time.Time, jobID string, n int, a fleet.Attempt) Event {
	return Event{
		Kind:     KindAttempt,
		TS:       at,
		JobID:    jobID,
		WorkerID: a.WorkerID,
		Attempt:  n,
		Result:   string(a.Result),
		Dur:      a.Duration,
		Note:     a.Error,
	}
}

// OutcomeDone builds a terminal outcome event.
func OutcomeDone(at time.Time, jobID string, o fleet.Outcome, dur time.Duration) Event {
	return Event{
		Kind:             KindOutcome,
		TS:               at,
		JobID:            jobID,
		Result:           string(o.Kind),
		Attempts:         len(o.Attempts),
		NoEligibleWorker: o.NoEligibleWorker,
		Dur:              dur,
		Note:             o.Reason,
	}
}
