// Package stats rolls the raw turn log into the time-bucketed aggregates
// served to the ops dashboard.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/htakeda/lineflow/internal/store"
)

// Aggregator recomputes a full rollup from the turn log in one pass.
type Aggregator struct {
	store store.Store
}

func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

type dailyAccum struct {
	turns int
	users map[string]struct{}
}

// Compute scans turns with requested_at in [since, until) and folds them into
// a rollup. Output ordering is deterministic: the same committed turns always
// produce the same rollup (ComputedAt excluded).
func (a *Aggregator) Compute(ctx context.Context, since, until time.Time) (store.Rollup, error) {
	daily := make(map[string]*dailyAccum)
	var hourly [24]int
	conversations := make(map[string]struct{})

	var (
		totalTurns   int
		latencySumMS int64
		latencyCount int
		satSum       float64
		satCount     int
	)

	err := a.store.ScanTurns(ctx, since, until, func(t store.Turn) error {
		at := t.RequestedAt.UTC()
		date := at.Format("2006-01-02")

		acc, ok := daily[date]
		if !ok {
			acc = &dailyAccum{users: make(map[string]struct{})}
			daily[date] = acc
		}
		acc.turns++
		acc.users[t.ConversationID] = struct{}{}

		hourly[at.Hour()]++
		conversations[t.ConversationID] = struct{}{}
		totalTurns++

		// Failed turns count toward volume but never toward latency or
		// satisfaction.
		if t.Outcome == store.OutcomeSuccess {
			latencySumMS += t.LatencyMS
			latencyCount++
		}
		if t.Satisfaction != nil {
			satSum += float64(*t.Satisfaction)
			satCount++
		}
		return nil
	})
	if err != nil {
		return store.Rollup{}, err
	}

	rollup := store.Rollup{
		TotalConversations: totalTurns,
		UniqueUsers:        len(conversations),
		Daily:              make([]store.DailyStat, 0, len(daily)),
		Hourly:             make([]store.HourlyStat, 0, 24),
	}
	if latencyCount > 0 {
		rollup.AvgResponseMS = float64(latencySumMS) / float64(latencyCount)
	}
	if satCount > 0 {
		rate := satSum / float64(satCount)
		rollup.SatisfactionRate = &rate
	}

	for date, acc := range daily {
		rollup.Daily = append(rollup.Daily, store.DailyStat{
			Date:          date,
			Conversations: acc.turns,
			UniqueUsers:   len(acc.users),
		})
	}
	sort.Slice(rollup.Daily, func(i, j int) bool {
		return rollup.Daily[i].Date > rollup.Daily[j].Date
	})

	for hour := 0; hour < 24; hour++ {
		rollup.Hourly = append(rollup.Hourly, store.HourlyStat{
			Hour:          hour,
			Conversations: hourly[hour],
		})
	}

	return rollup, nil
}
