// Package ingest orchestrates one inbound event through validation,
// deduplication, the upstream completion call and the durable turn write.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/htakeda/lineflow/internal/observability"
	"github.com/htakeda/lineflow/internal/store"
	"github.com/htakeda/lineflow/internal/upstream"
)

const (
	// Seen event ids stay in the fast-path cache for an hour; the turns
	// table remains the authority beyond that.
	dedupTTLSeconds = 3600

	// Budget for the terminal store write after the caller has gone away.
	detachedWriteTimeout = 10 * time.Second
)

// Result is the terminal state of processing one event.
type Result struct {
	Turn store.Turn
	// Deduplicated is true when the event id had already been consumed; the
	// returned turn is the original row and no upstream call was made.
	Deduplicated bool
}

// Pipeline ingests inbound events. Safe for concurrent use across
// independent events.
type Pipeline struct {
	store        store.Store
	completer    upstream.Completer
	dedup        *freecache.Cache
	logger       zerolog.Logger
	metrics      *observability.Metrics
	contextDepth int
}

func NewPipeline(st store.Store, completer upstream.Completer, cacheSizeMB int, contextDepth int, logger zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	if cacheSizeMB <= 0 {
		cacheSizeMB = 8
	}
	if contextDepth < 0 {
		contextDepth = 0
	}
	return &Pipeline{
		store:        st,
		completer:    completer,
		dedup:        freecache.NewCache(cacheSizeMB * 1024 * 1024),
		logger:       logger,
		metrics:      metrics,
		contextDepth: contextDepth,
	}
}

// Process runs the event through the ingestion state machine. A store error
// before the turn write fails closed: nothing is recorded and the platform's
// redelivery will retry the whole event.
func (p *Pipeline) Process(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	// The cache saves the store round-trip on a hot redelivery; the turns
	// table is the authority. A redelivered event must be caught here even
	// after a restart or a TTL lapse, or the upstream gets billed twice for
	// the same turn.
	if v, err := p.dedup.Get([]byte(ev.EventID)); err == nil {
		var turn store.Turn
		if err := json.Unmarshal(v, &turn); err == nil {
			p.metrics.DedupHits.Inc()
			p.logger.Debug().Str("event_id", ev.EventID).Msg("duplicate event, cached")
			return Result{Turn: turn, Deduplicated: true}, nil
		}
	}
	switch turn, err := p.store.GetTurn(ctx, ev.EventID); {
	case err == nil:
		p.metrics.DedupHits.Inc()
		p.logger.Debug().Str("event_id", ev.EventID).Msg("duplicate event")
		p.cacheTurn(turn)
		return Result{Turn: turn, Deduplicated: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("check event id: %w", err)
	}

	conv, err := p.store.GetOrCreateConversation(ctx, ev.UserIdentity)
	if err != nil {
		return Result{}, fmt.Errorf("resolve conversation: %w", err)
	}

	history, err := p.store.RecentTurns(ctx, conv.ID, p.contextDepth)
	if err != nil {
		return Result{}, fmt.Errorf("load context: %w", err)
	}

	requestedAt := time.Now().UTC()
	completion, upErr := p.completer.Complete(ctx, historyMessages(history), ev.Text)
	respondedAt := time.Now().UTC()

	turn := store.Turn{
		ID:             ev.EventID,
		ConversationID: conv.ID,
		UserText:       ev.Text,
		RequestedAt:    requestedAt,
		RespondedAt:    respondedAt,
		LatencyMS:      respondedAt.Sub(requestedAt).Milliseconds(),
		Satisfaction:   ev.Satisfaction,
	}
	switch {
	case upErr == nil:
		turn.Outcome = store.OutcomeSuccess
		turn.ReplyText = completion.Text
	case errors.Is(upErr, upstream.ErrTimeout):
		turn.Outcome = store.OutcomeTimeout
	default:
		turn.Outcome = store.OutcomeUpstreamError
	}

	// The upstream call is past the point of no return, so the write must
	// land even if the caller's deadline has expired (the idempotency id is
	// consumed exactly once regardless of outcome).
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachedWriteTimeout)
	defer cancel()

	stored, inserted, err := p.store.AppendTurn(writeCtx, turn)
	if err != nil {
		return Result{}, fmt.Errorf("append turn: %w", err)
	}
	p.cacheTurn(stored)

	if !inserted {
		// Lost a race with a concurrent delivery of the same event.
		p.metrics.DedupHits.Inc()
		return Result{Turn: stored, Deduplicated: true}, nil
	}

	p.metrics.TurnsIngested.WithLabelValues(string(stored.Outcome)).Inc()
	p.metrics.ObserveUpstreamLatency(respondedAt.Sub(requestedAt))

	evt := p.logger.Info().
		Str("event_id", ev.EventID).
		Str("conversation_id", conv.ID).
		Str("outcome", string(stored.Outcome)).
		Int64("latency_ms", stored.LatencyMS)
	if upErr != nil {
		evt = evt.Err(upErr)
	}
	evt.Msg("turn ingested")

	return Result{Turn: stored}, nil
}

// historyMessages flattens prior turns into oldest-first upstream messages.
// Failed turns contribute only the user side.
func (p *Pipeline) cacheTurn(turn store.Turn) {
	if v, err := json.Marshal(turn); err == nil {
		_ = p.dedup.Set([]byte(turn.ID), v, dedupTTLSeconds)
	}
}

func historyMessages(turns []store.Turn) []upstream.Message {
	msgs := make([]upstream.Message, 0, len(turns)*2)
	for _, t := range turns {
		msgs = append(msgs, upstream.Message{Role: "user", Text: t.UserText})
		if t.Outcome == store.OutcomeSuccess && t.ReplyText != "" {
			msgs = append(msgs, upstream.Message{Role: "assistant", Text: t.ReplyText})
		}
	}
	return msgs
}
