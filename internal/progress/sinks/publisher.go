package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
)

// PublisherConfig names the topics events are fanned out to. An empty topic
// disables that stream.
type PublisherConfig struct {
	OutcomeTopic string
	HealthTopic  string
}

// OutcomeMessage is published once per finished job.
type OutcomeMessage struct {
	JobID            string    `json:"job_id"`
	Outcome          string    `json:"outcome"`
	Attempts         int       `json:"attempts"`
	NoEligibleWorker bool      `json:"no_eligible_worker"`
	Reason           string    `json:"reason,omitempty"`
	DurationMS       int64     `json:"duration_ms"`
	FinishedAt       time.Time `json:"finished_at"`
}

// HealthMessage is published on every worker state transition.
type HealthMessage struct {
	WorkerID  string    `json:"worker_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// PublisherSink forwards outcome and health events to a message bus so
// downstream consumers can react without polling the gateway.
type PublisherSink struct {
	publisher fleet.Publisher
	cfg       PublisherConfig
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink.
func NewPublisherSink(publisher fleet.Publisher, cfg PublisherConfig, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, cfg: cfg, logger: logger}
}

// Consume publishes every outcome and health event in the batch. All events
// are attempted; the joined error reports the ones that failed.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		topic, payload, ok := s.message(evt)
		if !ok {
			continue
		}
		id, err := s.publisher.Publish(ctx, topic, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s to %s: %w", evt.Kind, topic, err))
			continue
		}
		s.logger.Debug("fleet event published",
			zap.String("kind", string(evt.Kind)),
			zap.String("topic", topic),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

func (s *PublisherSink) message(evt progress.Event) (string, any, bool) {
	switch evt.Kind {
	case progress.KindOutcome:
		if s.cfg.OutcomeTopic == "" {
			return "", nil, false
		}
		return s.cfg.OutcomeTopic, OutcomeMessage{
			JobID:            evt.JobID,
			Outcome:          evt.Result,
			Attempts:         evt.Attempts,
			NoEligibleWorker: evt.NoEligibleWorker,
			Reason:           evt.Note,
			DurationMS:       evt.Dur.Milliseconds(),
			FinishedAt:       evt.TS.UTC(),
		}, true
	case progress.KindHealthChange:
		if s.cfg.HealthTopic == "" {
			return "", nil, false
		}
		return s.cfg.HealthTopic, HealthMessage{
			WorkerID:  evt.WorkerID,
			From:      string(evt.From),
			To:        string(evt.To),
			Reason:    evt.Note,
			ChangedAt: evt.TS.UTC(),
		}, true
	default:
		return "", nil, false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
