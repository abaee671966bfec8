package async

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// Janitor periodically removes job records older than the retention window.
type Janitor struct {
	store     fleet.JobStore
	clock     fleet.Clock
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

const (
	defaultRetention       = 2 * time.Hour
	defaultCleanupInterval = 30 * time.Minute
)

// NewJanitor creates a Janitor.
func NewJanitor(store fleet.JobStore, clock fleet.Clock, retention, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &Janitor{store: store, clock: clock, retention: retention, interval: interval, logger: logger}
}

// Sweep prunes once and returns how many records were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	removed, err := j.store.Prune(ctx, j.clock.Now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		j.logger.Info("pruned job records", zap.Int("removed", removed))
	}
	return removed, nil
}

// Run sweeps on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("prune job records failed", zap.Error(err))
			}
		}
	}
}
