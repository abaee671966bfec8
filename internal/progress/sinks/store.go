package sinks

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
	"github.com/JakeFAU/scrape-fleet/internal/progress"
	"github.com/JakeFAU/scrape-fleet/internal/store"
)

// StoreSink persists fleet events via a store.EventRepository. Per-worker
// counters are collapsed per batch to reduce write amplification.
type StoreSink struct {
	repo   store.EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume appends the batch to the event ledger, then applies the collapsed
// worker deltas. It respects ctx deadlines and returns repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	records := make([]store.EventRecord, 0, len(batch))
	deltas := make(map[string]*store.StatsDelta)
	for _, evt := range batch {
		records = append(records, RecordOf(evt))
		collectDelta(deltas, evt)
	}
	if err := s.repo.AppendEvents(ctx, records); err != nil {
		return fmt.Errorf("append events: %w", err)
	}

	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		delta := deltas[id]
		if delta.Empty() {
			continue
		}
		if err := s.repo.UpsertWorkerStats(ctx, *delta); err != nil {
			return fmt.Errorf("upsert worker stats: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// RecordOf converts an event into its persisted row.
func RecordOf(evt progress.Event) store.EventRecord {
	return store.EventRecord{
		Kind:             string(evt.Kind),
		TS:               evt.TS.UTC(),
		WorkerID:         evt.WorkerID,
		JobID:            evt.JobID,
		FromState:        string(evt.From),
		ToState:          string(evt.To),
		Attempt:          evt.Attempt,
		Result:           evt.Result,
		Attempts:         evt.Attempts,
		NoEligibleWorker: evt.NoEligibleWorker,
		DurationMS:       evt.Dur.Milliseconds(),
		Note:             evt.Note,
	}
}

func collectDelta(deltas map[string]*store.StatsDelta, evt progress.Event) {
	if evt.WorkerID == "" {
		return
	}
	delta := deltas[evt.WorkerID]
	if delta == nil {
		delta = &store.StatsDelta{WorkerID: evt.WorkerID}
		deltas[evt.WorkerID] = delta
	}
	if evt.TS.After(delta.At) {
		delta.At = evt.TS.UTC()
	}
	switch evt.Kind {
	case progress.KindHealthChange:
		delta.LastState = string(evt.To)
		if evt.To == fleet.StateCircuitOpen {
			delta.CircuitOpens++
		}
	case progress.KindRecycle:
		delta.Recycles++
	case progress.KindAttempt:
		delta.Attempts++
		switch fleet.AttemptResult(evt.Result) {
		case fleet.AttemptSucceeded:
			delta.Succeeded++
		case fleet.AttemptFailed, fleet.AttemptTimedOut:
			delta.Failed++
		}
	}
}
