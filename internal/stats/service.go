package stats

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/htakeda/lineflow/internal/observability"
	"github.com/htakeda/lineflow/internal/store"
)

// BasicStats is the headline block of the dashboard payload.
type BasicStats struct {
	TotalConversations int      `json:"total_conversations"`
	UniqueUsers        int      `json:"unique_users"`
	AvgResponseTime    float64  `json:"avg_response_time"`
	SatisfactionRate   *float64 `json:"satisfaction_rate"`
}

type DailyEntry struct {
	Date          string `json:"date"`
	Conversations int    `json:"conversations"`
}

type HourlyEntry struct {
	Hour          int `json:"hour"`
	Conversations int `json:"conversations"`
}

// Snapshot is the wire payload of GET /api/stats.
type Snapshot struct {
	BasicStats  BasicStats    `json:"basic_stats"`
	DailyStats  []DailyEntry  `json:"daily_stats"`
	HourlyStats []HourlyEntry `json:"hourly_stats"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// Service answers dashboard queries from the published rollup, triggering a
// bounded synchronous recomputation when the rollup has gone stale.
type Service struct {
	scheduler *Scheduler
	staleness time.Duration
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewService(scheduler *Scheduler, staleness, timeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		scheduler: scheduler,
		staleness: staleness,
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// GetSnapshot always responds within the configured hard timeout: a stale
// snapshot is served rather than blocking the caller on a slow recompute.
func (s *Service) GetSnapshot(ctx context.Context) Snapshot {
	current := s.scheduler.Current()
	if current != nil && time.Since(current.ComputedAt) <= s.staleness {
		s.observeAge(current)
		return toSnapshot(current)
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.scheduler.RunOnce(rctx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrRunInProgress) {
			s.logger.Warn().Err(err).Msg("on-demand recompute failed, serving stale snapshot")
		}
	case <-rctx.Done():
		s.logger.Warn().Dur("timeout", s.timeout).Msg("on-demand recompute timed out, serving stale snapshot")
	}

	if refreshed := s.scheduler.Current(); refreshed != nil {
		s.observeAge(refreshed)
		return toSnapshot(refreshed)
	}
	// Fresh deployment with an unreachable store: serve an empty, valid
	// payload instead of failing the dashboard.
	return toSnapshot(&store.Rollup{Hourly: emptyHours()})
}

func (s *Service) observeAge(r *store.Rollup) {
	s.metrics.SnapshotAge.Set(time.Since(r.ComputedAt).Seconds())
}

func toSnapshot(r *store.Rollup) Snapshot {
	snap := Snapshot{
		BasicStats: BasicStats{
			TotalConversations: r.TotalConversations,
			UniqueUsers:        r.UniqueUsers,
			AvgResponseTime:    r.AvgResponseMS,
			SatisfactionRate:   r.SatisfactionRate,
		},
		DailyStats:  make([]DailyEntry, 0, len(r.Daily)),
		HourlyStats: make([]HourlyEntry, 0, len(r.Hourly)),
		ComputedAt:  r.ComputedAt,
	}
	for _, d := range r.Daily {
		snap.DailyStats = append(snap.DailyStats, DailyEntry{Date: d.Date, Conversations: d.Conversations})
	}
	for _, h := range r.Hourly {
		snap.HourlyStats = append(snap.HourlyStats, HourlyEntry{Hour: h.Hour, Conversations: h.Conversations})
	}
	return snap
}

func emptyHours() []store.HourlyStat {
	hours := make([]store.HourlyStat, 24)
	for i := range hours {
		hours[i].Hour = i
	}
	return hours
}
