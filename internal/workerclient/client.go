// Package workerclient speaks the worker HTTP contract: health probes, job
// forwarding, and recycle requests.
package workerclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// Header names sent with forwarded jobs.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderAttempt        = "X-Attempt"
)

// Config holds worker endpoint paths and limits.
type Config struct {
	ProbePath   string
	JobPath     string
	RecyclePath string
	// MaxResultBytes caps how much of a worker response is read.
	MaxResultBytes int64
	UserAgent      string
}

const (
	defaultProbePath      = "/health"
	defaultJobPath        = "/api/scrape"
	defaultMaxResultBytes = 16 << 20
	defaultUserAgent      = "scrape-fleet/1.0"
)

// Client implements health.Prober, health.Recycler, and dispatcher.Forwarder.
type Client struct {
	http *http.Client
	cfg  Config
}

// New creates a Client. A nil httpClient uses a client without an overall
// timeout; every call is bounded by its context.
func New(httpClient *http.Client, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = defaultProbePath
	}
	if cfg.JobPath == "" {
		cfg.JobPath = defaultJobPath
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = defaultMaxResultBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Client{http: httpClient, cfg: cfg}
}

// StatusError reports a non-2xx worker response.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: worker returned status %d", e.Op, e.Status)
}

// Probe issues a health check. Any non-2xx status or transport error fails.
func (c *Client) Probe(ctx context.Context, node fleet.WorkerNode) error {
	req, err := c.newRequest(ctx, http.MethodGet, node.Endpoint+c.cfg.ProbePath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", fleet.ErrProbeFailure, err)
	}
	drain(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %w", fleet.ErrProbeFailure, &StatusError{Op: "probe", Status: resp.StatusCode})
	}
	return nil
}

// Recycle asks the worker to replace its engine and then probes it. With no
// recycle path configured only the probe runs, for platforms that restart
// workers externally.
func (c *Client) Recycle(ctx context.Context, node fleet.WorkerNode) error {
	if c.cfg.RecyclePath != "" {
		req, err := c.newRequest(ctx, http.MethodPost, node.Endpoint+c.cfg.RecyclePath, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: recycle: %v", fleet.ErrProbeFailure, err)
		}
		drain(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%w: %w", fleet.ErrProbeFailure, &StatusError{Op: "recycle", Status: resp.StatusCode})
		}
	}
	return c.Probe(ctx, node)
}

// Forward posts the opaque payload to the worker's job endpoint. A 4xx other
// than 408 and 429 wraps fleet.ErrJobRejected; every other failure wraps
// fleet.ErrAttemptFailure.
func (c *Client) Forward(ctx context.Context, node fleet.WorkerNode, ar fleet.AttemptRequest) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodPost, node.Endpoint+c.cfg.JobPath, bytes.NewReader(ar.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, ar.JobID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(ar.Attempt))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", fleet.ErrAttemptFailure, ctxErr)
		}
		return nil, fmt.Errorf("%w: %v", fleet.ErrAttemptFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResultBytes+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read result: %v", fleet.ErrAttemptFailure, err)
		}
		if int64(len(body)) > c.cfg.MaxResultBytes {
			return nil, fmt.Errorf("%w: result exceeds %d bytes", fleet.ErrAttemptFailure, c.cfg.MaxResultBytes)
		}
		return body, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	statusErr := &StatusError{Op: "forward", Status: resp.StatusCode}
	if rejected(resp.StatusCode) {
		return nil, fmt.Errorf("%w: %w", fleet.ErrJobRejected, statusErr)
	}
	return nil, fmt.Errorf("%w: %w", fleet.ErrAttemptFailure, statusErr)
}

func rejected(status int) bool {
	if status < 400 || status > 499 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// IsStatus reports whether err carries a worker response with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
