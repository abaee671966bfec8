package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// StaticConfig controls the colly engine.
type StaticConfig struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps the response body colly reads. Zero means 10 MiB.
	MaxBodyBytes int
}

const (
	defaultStaticTimeout = 15 * time.Second
	defaultMaxBodyBytes  = 10 << 20
)

// Static fetches pages over plain HTTP with colly. Recycle drops the
// transport's pooled connections and the collector's cookie jar.
type Static struct {
	cfg StaticConfig

	mu        sync.RWMutex
	transport *http.Transport
	base      *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewStatic builds a static engine.
func NewStatic(cfg StaticConfig) *Static {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStaticTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Static{cfg: cfg}
	s.transport, s.base = s.newCollector()
	return s
}

func (s *Static) newCollector() (*http.Transport, *colly.Collector) {
	transport := newHTTPTransport()
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(s.cfg.MaxBodyBytes),
	)
	c.WithTransport(transport)
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.SetRequestTimeout(s.cfg.Timeout)
	return transport, c
}

// Recycle replaces the collector and closes idle connections.
func (s *Static) Recycle(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport.CloseIdleConnections()
	s.transport, s.base = s.newCollector()
	return nil
}

// Close releases pooled connections.
func (s *Static) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.transport.CloseIdleConnections()
}

// Fetch performs a single GET. Non-2xx target responses are returned as
// results, not errors; only transport failures are errors.
func (s *Static) Fetch(ctx context.Context, req Request) (Result, error) {
	s.mu.RLock()
	collector := s.base.Clone()
	s.mu.RUnlock()

	var (
		result   Result
		fetchErr error
	)
	start := time.Now()
	s.configureHooks(collector, req, start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, req.URL, nil, colly.NewContext(), nil)
	}()
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return Result{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return result, nil
	}
}

func (s *Static) configureHooks(hooks collectorHooks, req Request, start time.Time, result *Result, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = cloneHeader(*r.Headers)
		}
		*result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		// With ParseHTTPErrorResponse set, HTTP errors still reach OnResponse;
		// a response here with a status is a target error, not a transport one.
		if r != nil && r.StatusCode != 0 {
			return
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
