package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations and turns in PostgreSQL. The Supabase
// deployment target is plain Postgres at this layer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_identity TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_text TEXT NOT NULL,
			reply_text TEXT NOT NULL DEFAULT '',
			requested_at TIMESTAMPTZ NOT NULL,
			responded_at TIMESTAMPTZ NOT NULL,
			latency_ms BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			satisfaction SMALLINT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_requested_at ON turns (requested_at);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_requested ON turns (conversation_id, requested_at DESC);`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			date DATE PRIMARY KEY,
			conversation_count INTEGER NOT NULL,
			unique_user_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hourly_stats (
			hour_of_day SMALLINT PRIMARY KEY,
			conversation_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rollup_meta (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			computed_at TIMESTAMPTZ NOT NULL,
			total_conversations INTEGER NOT NULL,
			unique_users INTEGER NOT NULL,
			avg_response_ms DOUBLE PRECISION NOT NULL,
			satisfaction_rate DOUBLE PRECISION NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, userIdentity string) (Conversation, error) {
	now := time.Now().UTC()
	// Single-statement upsert: two simultaneous first contacts race on the
	// user_identity unique constraint, one inserts and the other updates.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, user_identity, created_at, last_active_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_identity) DO UPDATE SET last_active_at = EXCLUDED.last_active_at
		 RETURNING id, user_identity, created_at, last_active_at`,
		uuid.NewString(), userIdentity, now,
	)

	var c Conversation
	if err := row.Scan(&c.ID, &c.UserIdentity, &c.CreatedAt, &c.LastActiveAt); err != nil {
		return Conversation{}, fmt.Errorf("get or create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO turns (id, conversation_id, user_text, reply_text, requested_at, responded_at, latency_ms, outcome, satisfaction)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		turn.ID,
		turn.ConversationID,
		turn.UserText,
		turn.ReplyText,
		turn.RequestedAt,
		turn.RespondedAt,
		turn.LatencyMS,
		string(turn.Outcome),
		turn.Satisfaction,
	)
	if err != nil {
		return Turn{}, false, fmt.Errorf("append turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Redelivered event: the id is already consumed, hand back the
		// original row.
		existing, err := s.GetTurn(ctx, turn.ID)
		if err != nil {
			return Turn{}, false, err
		}
		return existing, false, nil
	}
	return turn, true, nil
}

const turnColumns = `id, conversation_id, user_text, reply_text, requested_at, responded_at, latency_ms, outcome, satisfaction`

func (s *PostgresStore) GetTurn(ctx context.Context, id string) (Turn, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE id = $1`, id)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Turn{}, ErrNotFound
		}
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE conversation_id = $1 ORDER BY requested_at DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, limit)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PostgresStore) ScanTurns(ctx context.Context, since, until time.Time, fn func(Turn) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE requested_at >= $1 AND requested_at < $2
		 ORDER BY requested_at ASC`,
		since, until,
	)
	if err != nil {
		return fmt.Errorf("scan turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return fmt.Errorf("scan turn row: %w", err)
		}
		if err := fn(turn); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate turn rows: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRollup(ctx context.Context, rollup Rollup) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM daily_stats`); err != nil {
		return fmt.Errorf("clear daily stats: %w", err)
	}
	for _, d := range rollup.Daily {
		if _, err := tx.Exec(ctx,
			`INSERT INTO daily_stats (date, conversation_count, unique_user_count) VALUES ($1, $2, $3)`,
			d.Date, d.Conversations, d.UniqueUsers,
		); err != nil {
			return fmt.Errorf("insert daily stat: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM hourly_stats`); err != nil {
		return fmt.Errorf("clear hourly stats: %w", err)
	}
	for _, h := range rollup.Hourly {
		if _, err := tx.Exec(ctx,
			`INSERT INTO hourly_stats (hour_of_day, conversation_count) VALUES ($1, $2)`,
			h.Hour, h.Conversations,
		); err != nil {
			return fmt.Errorf("insert hourly stat: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rollup_meta (id, computed_at, total_conversations, unique_users, avg_response_ms, satisfaction_rate)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			computed_at = EXCLUDED.computed_at,
			total_conversations = EXCLUDED.total_conversations,
			unique_users = EXCLUDED.unique_users,
			avg_response_ms = EXCLUDED.avg_response_ms,
			satisfaction_rate = EXCLUDED.satisfaction_rate`,
		rollup.ComputedAt,
		rollup.TotalConversations,
		rollup.UniqueUsers,
		rollup.AvgResponseMS,
		rollup.SatisfactionRate,
	); err != nil {
		return fmt.Errorf("upsert rollup meta: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadRollup(ctx context.Context) (Rollup, error) {
	var rollup Rollup
	row := s.pool.QueryRow(ctx,
		`SELECT computed_at, total_conversations, unique_users, avg_response_ms, satisfaction_rate
		 FROM rollup_meta WHERE id = 1`)
	if err := row.Scan(
		&rollup.ComputedAt,
		&rollup.TotalConversations,
		&rollup.UniqueUsers,
		&rollup.AvgResponseMS,
		&rollup.SatisfactionRate,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rollup{}, ErrNotFound
		}
		return Rollup{}, fmt.Errorf("load rollup meta: %w", err)
	}

	dailyRows, err := s.pool.Query(ctx,
		`SELECT to_char(date, 'YYYY-MM-DD'), conversation_count, unique_user_count
		 FROM daily_stats ORDER BY date DESC`)
	if err != nil {
		return Rollup{}, fmt.Errorf("load daily stats: %w", err)
	}
	defer dailyRows.Close()
	for dailyRows.Next() {
		var d DailyStat
		if err := dailyRows.Scan(&d.Date, &d.Conversations, &d.UniqueUsers); err != nil {
			return Rollup{}, fmt.Errorf("scan daily stat: %w", err)
		}
		rollup.Daily = append(rollup.Daily, d)
	}
	if err := dailyRows.Err(); err != nil {
		return Rollup{}, fmt.Errorf("iterate daily stats: %w", err)
	}

	hourlyRows, err := s.pool.Query(ctx,
		`SELECT hour_of_day, conversation_count FROM hourly_stats ORDER BY hour_of_day ASC`)
	if err != nil {
		return Rollup{}, fmt.Errorf("load hourly stats: %w", err)
	}
	defer hourlyRows.Close()
	for hourlyRows.Next() {
		var h HourlyStat
		if err := hourlyRows.Scan(&h.Hour, &h.Conversations); err != nil {
			return Rollup{}, fmt.Errorf("scan hourly stat: %w", err)
		}
		rollup.Hourly = append(rollup.Hourly, h)
	}
	if err := hourlyRows.Err(); err != nil {
		return Rollup{}, fmt.Errorf("iterate hourly stats: %w", err)
	}

	return rollup, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTurn(row pgx.Row) (Turn, error) {
	var (
		turn    Turn
		outcome string
	)
	if err := row.Scan(
		&turn.ID,
		&turn.ConversationID,
		&turn.UserText,
		&turn.ReplyText,
		&turn.RequestedAt,
		&turn.RespondedAt,
		&turn.LatencyMS,
		&outcome,
		&turn.Satisfaction,
	); err != nil {
		return Turn{}, err
	}
	turn.Outcome = Outcome(outcome)
	return turn, nil
}
