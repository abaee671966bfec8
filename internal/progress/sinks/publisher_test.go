package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
	"github.com/JakeFAU/scrape-fleet/internal/publisher/memory"
)

func TestPublisherSinkRoutesByKind(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, PublisherConfig{OutcomeTopic: "outcomes", HealthTopic: "health"}, nil)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		progress.HealthChange(now, "http://w1", fleet.StateHealthy, fleet.StateDegraded, "probe failed"),
		progress.AttemptDone(now, "job-1", 1, fleet.Attempt{WorkerID: "http://w1", Result: fleet.AttemptFailed}),
		progress.Recycled(now, "http://w1", 4),
		progress.OutcomeDone(now, "job-1", fleet.Outcome{
			Kind:     fleet.OutcomeFailed,
			Reason:   "canceled",
			Attempts: make([]fleet.Attempt, 1),
		}, time.Second),
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "health", msgs[0].Topic)
	health, ok := msgs[0].Payload.(HealthMessage)
	require.True(t, ok)
	require.Equal(t, "DEGRADED", health.To)

	require.Equal(t, "outcomes", msgs[1].Topic)
	outcome, ok := msgs[1].Payload.(OutcomeMessage)
	require.True(t, ok)
	require.Equal(t, "FAILED", outcome.Outcome)
	require.Equal(t, "canceled", outcome.Reason)
	require.Equal(t, int64(1000), outcome.DurationMS)
}

func TestPublisherSinkSkipsDisabledTopics(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, PublisherConfig{OutcomeTopic: "outcomes"}, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		progress.HealthChange(time.Now(), "http://w1", fleet.StateHealthy, fleet.StateDegraded, ""),
	}))
	require.Empty(t, pub.Messages())
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, PublisherConfig{OutcomeTopic: "outcomes"}, nil)
	now := time.Now()
	err := sink.Consume(context.Background(), []progress.Event{
		progress.OutcomeDone(now, "job-1", fleet.Outcome{Kind: fleet.OutcomeCompleted}, 0),
		progress.OutcomeDone(now, "job-2", fleet.Outcome{Kind: fleet.OutcomeCompleted}, 0),
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "publish OUTCOME to outcomes")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}
