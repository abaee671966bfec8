package fleet

import (
	"errors"
	"fmt"
)

// Transient, per-node errors. These are absorbed by the health monitor and
// the dispatcher's retry loop and never cross the gateway boundary.
var (
	ErrProbeFailure   = errors.New("worker probe failed")
	ErrAttemptFailure = errors.New("worker attempt failed")
)

// Terminal, job-level errors surfaced to callers.
var (
	ErrExhausted        = errors.New("job exhausted eligible workers")
	ErrNoEligibleWorker = fmt.Errorf("%w: no eligible worker", ErrExhausted)
	ErrDeadlineExceeded = errors.New("job deadline exceeded")
	ErrJobFailed        = errors.New("job failed")
)

// ErrJobRejected marks a worker response that refuses the job itself
// (malformed payload and similar). Retrying elsewhere would not help.
var ErrJobRejected = errors.New("worker rejected job")

// Registry and validation errors.
var (
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrInvalidEndpoint = errors.New("invalid worker endpoint")
	ErrInvalidJob      = errors.New("invalid job")
	ErrJobNotFound     = errors.New("job not found")
)
