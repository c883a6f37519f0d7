package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process store for local runs and tests. It enforces
// the same uniqueness semantics as the Postgres store.
type MemoryStore struct {
	mu                 sync.RWMutex
	conversationByUser map[string]Conversation
	turnsByID          map[string]Turn
	turnOrder          []string
	rollup             *Rollup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversationByUser: make(map[string]Conversation),
		turnsByID:          make(map[string]Turn),
	}
}

func (s *MemoryStore) GetOrCreateConversation(_ context.Context, userIdentity string) (Conversation, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversationByUser[userIdentity]; ok {
		c.LastActiveAt = now
		s.conversationByUser[userIdentity] = c
		return c, nil
	}
	c := Conversation{
		ID:           uuid.NewString(),
		UserIdentity: userIdentity,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.conversationByUser[userIdentity] = c
	return c, nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, turn Turn) (Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.turnsByID[turn.ID]; ok {
		return existing, false, nil
	}
	s.turnsByID[turn.ID] = turn
	s.turnOrder = append(s.turnOrder, turn.ID)
	return turn, true, nil
}

func (s *MemoryStore) GetTurn(_ context.Context, id string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turnsByID[id]
	if !ok {
		return Turn{}, ErrNotFound
	}
	return turn, nil
}

func (s *MemoryStore) RecentTurns(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]Turn, 0, limit)
	for _, id := range s.turnOrder {
		turn := s.turnsByID[id]
		if turn.ConversationID == conversationID {
			turns = append(turns, turn)
		}
	}
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].RequestedAt.Before(turns[j].RequestedAt)
	})
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *MemoryStore) ScanTurns(_ context.Context, since, until time.Time, fn func(Turn) error) error {
	s.mu.RLock()
	turns := make([]Turn, 0, len(s.turnOrder))
	for _, id := range s.turnOrder {
		turn := s.turnsByID[id]
		if !turn.RequestedAt.Before(since) && turn.RequestedAt.Before(until) {
			turns = append(turns, turn)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].RequestedAt.Before(turns[j].RequestedAt)
	})
	for _, turn := range turns {
		if err := fn(turn); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) SaveRollup(_ context.Context, rollup Rollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollup = &rollup
	return nil
}

func (s *MemoryStore) LoadRollup(_ context.Context) (Rollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rollup == nil {
		return Rollup{}, ErrNotFound
	}
	return *s.rollup, nil
}

func (s *MemoryStore) Close() error { return nil }
