package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/progress"
)

// LogSink emits structured logs for each fleet event. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Kind {
		case progress.KindHealthChange:
			fields = append(fields,
				zap.String("worker_id", evt.WorkerID),
				zap.String("from", string(evt.From)),
				zap.String("to", string(evt.To)),
			)
		case progress.KindRecycle:
			fields = append(fields,
				zap.String("worker_id", evt.WorkerID),
				zap.Int("served", evt.Attempts),
			)
		case progress.KindAttempt:
			fields = append(fields,
				zap.String("job_id", evt.JobID),
				zap.String("worker_id", evt.WorkerID),
				zap.Int("attempt", evt.Attempt),
				zap.String("result", evt.Result),
				zap.Duration("dur", evt.Dur),
			)
		case progress.KindOutcome:
			fields = append(fields,
				zap.String("job_id", evt.JobID),
				zap.String("outcome", evt.Result),
				zap.Int("attempts", evt.Attempts),
				zap.Bool("no_eligible_worker", evt.NoEligibleWorker),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("fleet event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
