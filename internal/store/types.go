package store

import (
	"context"
	"errors"
	"time"
)

// Outcome is the terminal state of an ingested turn.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeTimeout       Outcome = "timeout"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Conversation is the persistent thread identity for one end user.
// There is exactly one conversation per user identity.
type Conversation struct {
	ID           string    `json:"id"`
	UserIdentity string    `json:"user_identity"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Turn records one inbound message and the reply produced for it. Its ID is
// the inbound event's idempotency key; a turn is immutable once written.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserText       string    `json:"user_text"`
	ReplyText      string    `json:"reply_text"`
	RequestedAt    time.Time `json:"requested_at"`
	RespondedAt    time.Time `json:"responded_at"`
	LatencyMS      int64     `json:"response_latency_ms"`
	Outcome        Outcome   `json:"outcome"`
	// Satisfaction is an externally supplied 0-100 signal; nil when the
	// inbound event carried none.
	Satisfaction *int `json:"satisfaction_signal,omitempty"`
}

// DailyStat is a rebuildable per-date rollup bucket.
type DailyStat struct {
	Date          string `json:"date"`
	Conversations int    `json:"conversations"`
	UniqueUsers   int    `json:"unique_users"`
}

// HourlyStat is a rebuildable hour-of-day bucket accumulated across the
// whole rollup window.
type HourlyStat struct {
	Hour          int `json:"hour"`
	Conversations int `json:"conversations"`
}

// Rollup is the full derived aggregate for one window, replaced wholesale on
// every scheduler run. Daily is ordered most-recent-first, Hourly covers
// hours 0-23 in order.
type Rollup struct {
	ComputedAt         time.Time    `json:"computed_at"`
	TotalConversations int          `json:"total_conversations"`
	UniqueUsers        int          `json:"unique_users"`
	AvgResponseMS      float64      `json:"avg_response_time_ms"`
	SatisfactionRate   *float64     `json:"satisfaction_rate,omitempty"`
	Daily              []DailyStat  `json:"daily_stats"`
	Hourly             []HourlyStat `json:"hourly_stats"`
}

// Store persists conversations, the append-only turn log and the derived
// rollup tables.
type Store interface {
	// GetOrCreateConversation resolves the single conversation for a user
	// identity, creating it on first contact. Safe under concurrent first
	// contact from the same user.
	GetOrCreateConversation(ctx context.Context, userIdentity string) (Conversation, error)

	// AppendTurn inserts a turn keyed by its idempotency id. When the id
	// already exists the stored turn is returned with inserted=false and no
	// second row is created.
	AppendTurn(ctx context.Context, turn Turn) (Turn, bool, error)

	GetTurn(ctx context.Context, id string) (Turn, error)

	// RecentTurns returns up to limit turns of a conversation in
	// chronological order, for use as upstream context.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	// ScanTurns streams committed turns with requested_at in [since, until)
	// ordered ascending. Used only by the aggregation scheduler.
	ScanTurns(ctx context.Context, since, until time.Time, fn func(Turn) error) error

	// SaveRollup atomically replaces the rollup tables.
	SaveRollup(ctx context.Context, rollup Rollup) error

	// LoadRollup returns the last persisted rollup, or ErrNotFound when no
	// scheduler run has completed yet.
	LoadRollup(ctx context.Context) (Rollup, error)

	Close() error
}
