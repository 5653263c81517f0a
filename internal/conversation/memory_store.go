package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"care-orchestrator/internal/domain"
)

// MemoryStore is a process-local Store for tests and single-instance runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	turns         map[string][]domain.Turn
	active        map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]domain.Conversation{},
		turns:         map[string][]domain.Turn{},
		active:        map[string]string{},
	}
}

func activeKey(userID string, channel domain.Channel) string {
	return userID + "|" + string(channel)
}

func (s *MemoryStore) Create(_ context.Context, c domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[c.ID]; exists {
		return fmt.Errorf("conversation: create %s: id already exists", c.ID)
	}
	key := activeKey(c.UserID, c.Channel)
	if _, exists := s.active[key]; exists {
		return ErrActiveExists
	}
	s.conversations[c.ID] = c
	s.active[key] = c.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindActive(_ context.Context, userID string, channel domain.Channel) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[activeKey(userID, channel)]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return s.conversations[id], nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, u TurnUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[u.Turn.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if c.Ended() {
		return ErrConversationEnded
	}
	if c.TurnSequence != u.Turn.Sequence-1 {
		return ErrStaleSequence
	}
	c.TurnSequence = u.Turn.Sequence
	c.State = u.State
	c.EscalationReason = u.EscalationReason
	c.LastActivity = u.At
	s.conversations[c.ID] = c
	s.turns[c.ID] = append(s.turns[c.ID], u.Turn)
	return nil
}

func (s *MemoryStore) GetTurn(_ context.Context, id string, sequence int) (domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[id]
	if sequence < 1 || sequence > len(turns) {
		return domain.Turn{}, ErrNotFound
	}
	return turns[sequence-1], nil
}

func (s *MemoryStore) History(_ context.Context, id string, limit int) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[id]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) End(_ context.Context, id string, reason domain.CloseReason, at time.Time) (domain.Conversation, error) {
	return s.end(id, reason, at, time.Time{})
}

func (s *MemoryStore) EndIdle(_ context.Context, id string, before, at time.Time) (domain.Conversation, error) {
	return s.end(id, domain.CloseInactivity, at, before)
}

func (s *MemoryStore) end(id string, reason domain.CloseReason, at, idleBefore time.Time) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	if c.Ended() {
		return c, ErrConversationEnded
	}
	if !idleBefore.IsZero() && !c.LastActivity.Before(idleBefore) {
		return c, ErrStillActive
	}
	c.State = domain.StateEnded
	c.EscalationReason = domain.ReasonNone
	c.CloseReason = reason
	c.LastActivity = at
	s.conversations[id] = c
	key := activeKey(c.UserID, c.Channel)
	if s.active[key] == id {
		delete(s.active, key)
	}
	return c, nil
}

func (s *MemoryStore) ListInactive(_ context.Context, before time.Time, limit int) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Conversation
	for _, c := range s.conversations {
		if !c.Ended() && c.LastActivity.Before(before) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.Before(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
