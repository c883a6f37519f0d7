package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/htakeda/lineflow/internal/observability"
	"github.com/htakeda/lineflow/internal/store"
)

// ErrRunInProgress reports that a recomputation was skipped because a run was
// already executing; ticks never queue behind a slow run.
var ErrRunInProgress = errors.New("stats: aggregation run already in progress")

// Scheduler recomputes the rollup on a fixed interval and publishes each
// result as an immutable snapshot. Readers always see a complete rollup, a
// failed run keeps the previous snapshot in place.
type Scheduler struct {
	store    store.Store
	agg      *Aggregator
	interval time.Duration
	window   time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics

	running  atomic.Bool
	snapshot atomic.Pointer[store.Rollup]
}

func NewScheduler(st store.Store, agg *Aggregator, interval, window time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:    st,
		agg:      agg,
		interval: interval,
		window:   window,
		logger:   logger,
		metrics:  metrics,
	}
}

// Restore publishes the last persisted rollup so restarts serve
// last-known values before the first tick completes. Missing rollups are not
// an error.
func (s *Scheduler) Restore(ctx context.Context) error {
	rollup, err := s.store.LoadRollup(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	s.snapshot.Store(&rollup)
	s.logger.Info().Time("computed_at", rollup.ComputedAt).Msg("restored persisted rollup")
	return nil
}

// Run ticks until ctx is canceled. An immediate run happens on start.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("initial aggregation run failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.RunOnce(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, ErrRunInProgress):
				s.logger.Warn().Msg("aggregation tick skipped, previous run still executing")
			default:
				s.logger.Error().Err(err).Msg("aggregation run failed, keeping previous rollup")
			}
		}
	}
}

// RunOnce performs a single recomputation over the trailing window. It is
// never fatal to the serving path: on failure the previous snapshot stays
// published.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.AggregationRuns.WithLabelValues("skipped").Inc()
		return ErrRunInProgress
	}
	defer s.running.Store(false)

	now := time.Now().UTC()
	rollup, err := s.agg.Compute(ctx, now.Add(-s.window), now)
	if err != nil {
		s.metrics.AggregationRuns.WithLabelValues("error").Inc()
		return err
	}
	rollup.ComputedAt = now

	if err := s.store.SaveRollup(ctx, rollup); err != nil {
		// The in-memory snapshot is still fresher than what we had; publish
		// it and surface the persistence failure to the operator.
		s.snapshot.Store(&rollup)
		s.metrics.AggregationRuns.WithLabelValues("persist_error").Inc()
		s.logger.Error().Err(err).Msg("rollup persisted failed, serving in-memory snapshot")
		return nil
	}

	s.snapshot.Store(&rollup)
	s.metrics.AggregationRuns.WithLabelValues("ok").Inc()
	s.metrics.SnapshotAge.Set(0)
	s.logger.Debug().
		Int("total_conversations", rollup.TotalConversations).
		Int("unique_users", rollup.UniqueUsers).
		Msg("rollup recomputed")
	return nil
}

// Current returns the most recently published snapshot, or nil before the
// first successful run on a fresh deployment.
func (s *Scheduler) Current() *store.Rollup {
	return s.snapshot.Load()
}
