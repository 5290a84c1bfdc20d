package rollup

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/storage"
)

// Runner recomputes hourly (and optionally daily) aggregates over the
// recent telemetry window. Upserts are keyed by (station, metric,
// bucket, interval) so rerunning a window is harmless.
type Runner struct {
	cfg    *config.Manager
	store  storage.Store
	logger *slog.Logger

	LastRun atomic.Value // time.Time
	Buckets atomic.Int64
}

func New(cfg *config.Manager, store storage.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{cfg: cfg, store: store, logger: logger}
}

func (r *Runner) Start(ctx context.Context) {
	current := r.cfg.Get().Rollup
	if !current.Enabled || r.store == nil {
		if r.logger != nil {
			r.logger.Info("rollup disabled")
		}
		return
	}
	go func() {
		ticker := time.NewTicker(current.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Run(ctx); err != nil && r.logger != nil {
					r.logger.Warn("rollup pass failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Run executes one aggregation pass over the lookback window.
func (r *Runner) Run(ctx context.Context) error {
	current := r.cfg.Get()
	since := time.Now().UTC().Add(-current.Rollup.Lookback)

	intervals := []string{"hourly"}
	if current.Rollup.Daily {
		intervals = append(intervals, "daily")
	}
	for _, interval := range intervals {
		if err := r.aggregate(ctx, since, interval, current.Storage.Timeout); err != nil {
			return err
		}
	}
	r.LastRun.Store(time.Now().UTC())
	return nil
}

func (r *Runner) aggregate(ctx context.Context, since time.Time, interval string, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	buckets, err := r.store.AggregateSince(opCtx, since, interval)
	cancel()
	if err != nil {
		return err
	}
	for _, b := range buckets {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		err := r.store.UpsertRollup(opCtx, b)
		cancel()
		if err != nil {
			return err
		}
		r.Buckets.Add(1)
	}
	if r.logger != nil && len(buckets) > 0 {
		r.logger.Debug("rollup pass complete", "interval", interval, "buckets", len(buckets))
	}
	return nil
}
