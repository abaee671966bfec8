package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
)

func TestLogSinkWritesKindSpecificFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		progress.HealthChange(now, "http://w1", fleet.StateHealthy, fleet.StateDegraded, "probe failed"),
		progress.OutcomeDone(now, "job-1", fleet.Outcome{Kind: fleet.OutcomeExhausted, NoEligibleWorker: true}, 0),
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	health := entries[0].ContextMap()
	require.Equal(t, "HEALTH_CHANGE", health["kind"])
	require.Equal(t, "DEGRADED", health["to"])
	require.Equal(t, "probe failed", health["note"])

	outcome := entries[1].ContextMap()
	require.Equal(t, "EXHAUSTED", outcome["outcome"])
	require.Equal(t, true, outcome["no_eligible_worker"])
	require.NotContains(t, outcome, "worker_id")
}
