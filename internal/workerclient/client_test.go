package workerclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

func nodeFor(srv *httptest.Server) fleet.WorkerNode {
	return fleet.WorkerNode{ID: srv.URL, Endpoint: srv.URL}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(nil, Config{})
	require.NoError(t, c.Probe(context.Background(), nodeFor(srv)))

	healthy.Store(false)
	err := c.Probe(context.Background(), nodeFor(srv))
	require.ErrorIs(t, err, fleet.ErrProbeFailure)
	require.True(t, IsStatus(err, http.StatusServiceUnavailable))
}

func TestProbeConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	node := nodeFor(srv)
	srv.Close()

	err := New(nil, Config{}).Probe(context.Background(), node)
	require.ErrorIs(t, err, fleet.ErrProbeFailure)
}

func TestForwardSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/scrape", r.URL.Path)
		require.Equal(t, "job-1", r.Header.Get(HeaderIdempotencyKey))
		require.Equal(t, "2", r.Header.Get(HeaderAttempt))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, `{"url":"https://example.com"}`, string(body))
		_, _ = w.Write([]byte(`{"html":"<p>hi</p>"}`))
	}))
	defer srv.Close()

	out, err := New(nil, Config{}).Forward(context.Background(), nodeFor(srv), fleet.AttemptRequest{
		JobID:   "job-1",
		Attempt: 2,
		Payload: []byte(`{"url":"https://example.com"}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"html":"<p>hi</p>"}`, string(out))
}

func TestForwardClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   int
		rejected bool
	}{
		{status: http.StatusBadRequest, rejected: true},
		{status: http.StatusUnprocessableEntity, rejected: true},
		{status: http.StatusRequestTimeout},
		{status: http.StatusTooManyRequests},
		{status: http.StatusInternalServerError},
		{status: http.StatusBadGateway},
		{status: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := New(nil, Config{}).Forward(context.Background(), nodeFor(srv), fleet.AttemptRequest{JobID: "j", Attempt: 1, Payload: []byte("{}")})
			require.Error(t, err)
			require.Equal(t, tc.rejected, errors.Is(err, fleet.ErrJobRejected))
			require.Equal(t, !tc.rejected, errors.Is(err, fleet.ErrAttemptFailure))
			require.True(t, IsStatus(err, tc.status))
		})
	}
}

func TestForwardTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := New(nil, Config{}).Forward(ctx, nodeFor(srv), fleet.AttemptRequest{JobID: "j", Attempt: 1, Payload: []byte("{}")})
	require.ErrorIs(t, err, fleet.ErrAttemptFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForwardResultLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	_, err := New(nil, Config{MaxResultBytes: 32}).Forward(context.Background(), nodeFor(srv), fleet.AttemptRequest{JobID: "j", Attempt: 1, Payload: []byte("{}")})
	require.ErrorIs(t, err, fleet.ErrAttemptFailure)
}

func TestRecycle(t *testing.T) {
	t.Parallel()

	var recycles, probes atomic.Int32
	var recycleStatus atomic.Int32
	recycleStatus.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/recycle", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		recycles.Add(1)
		w.WriteHeader(int(recycleStatus.Load()))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(nil, Config{RecyclePath: "/api/recycle"})
	require.NoError(t, c.Recycle(context.Background(), nodeFor(srv)))
	require.Equal(t, int32(1), recycles.Load())
	require.Equal(t, int32(1), probes.Load())

	recycleStatus.Store(http.StatusInternalServerError)
	err := c.Recycle(context.Background(), nodeFor(srv))
	require.ErrorIs(t, err, fleet.ErrProbeFailure)
	require.Equal(t, int32(1), probes.Load())

	probeOnly := New(nil, Config{})
	require.NoError(t, probeOnly.Recycle(context.Background(), nodeFor(srv)))
	require.Equal(t, int32(2), recycles.Load())
	require.Equal(t, int32(2), probes.Load())
}
