package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/metrics"
)

var errSessionReleased = errors.New("conversation: session released")

// Session holds a conversation's writer slot from read to commit.
type Session struct {
	m       *StateMachine
	conv    domain.Conversation
	release func()

	mu       sync.Mutex
	released bool
}

// Conversation is the state as of Begin, the last Refresh or the last
// Commit.
func (s *Session) Conversation() domain.Conversation {
	return s.conv
}

func (s *Session) History(ctx context.Context, limit int) ([]domain.Turn, error) {
	return s.m.store.History(ctx, s.conv.ID, limit)
}

func (s *Session) Turn(ctx context.Context, sequence int) (domain.Turn, error) {
	return s.m.store.GetTurn(ctx, s.conv.ID, sequence)
}

func (s *Session) Refresh(ctx context.Context) (domain.Conversation, error) {
	c, err := s.m.store.Get(ctx, s.conv.ID)
	if err != nil {
		return s.conv, err
	}
	s.conv = c
	return c, nil
}

// Commit appends turn at sequence. A sequence already committed is a
// duplicate delivery and returns the stored turn unchanged. A sequence past
// the next expected one, or a lost race with another writer, returns
// ErrStaleSequence.
func (s *Session) Commit(ctx context.Context, sequence int, turn domain.Turn) (domain.Turn, error) {
	if s.isReleased() {
		return domain.Turn{}, errSessionReleased
	}
	c := s.conv
	if c.Ended() {
		return domain.Turn{}, ErrConversationEnded
	}
	if sequence >= 1 && sequence <= c.TurnSequence {
		existing, err := s.m.store.GetTurn(ctx, c.ID, sequence)
		if err != nil {
			return domain.Turn{}, fmt.Errorf("conversation: load committed turn %d: %w", sequence, err)
		}
		return existing, nil
	}
	if sequence != c.NextSequence() {
		return domain.Turn{}, ErrStaleSequence
	}

	now := s.m.now()
	turn.ConversationID = c.ID
	turn.Sequence = sequence
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	state, reason := c.State, c.EscalationReason
	if turn.Escalated {
		switch {
		case state == domain.StateActive:
			state = domain.StateEscalated
			reason = turn.Verdict.Reason
		case turn.Verdict.Reason == domain.ReasonEmergency:
			// An emergency outranks whatever escalated the conversation first.
			reason = domain.ReasonEmergency
		}
	}

	err := s.m.store.AppendTurn(ctx, TurnUpdate{Turn: turn, State: state, EscalationReason: reason, At: now})
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleSequence), errors.Is(err, ErrConversationEnded):
		if fresh, rerr := s.Refresh(ctx); rerr == nil && fresh.Ended() {
			return domain.Turn{}, ErrConversationEnded
		}
		return domain.Turn{}, err
	default:
		return domain.Turn{}, fmt.Errorf("conversation: append turn %d: %w", sequence, err)
	}

	s.conv.TurnSequence = sequence
	s.conv.State = state
	s.conv.EscalationReason = reason
	s.conv.LastActivity = now
	metrics.TurnsCommitted.WithLabelValues(string(c.Channel)).Inc()
	if state != c.State || reason != c.EscalationReason {
		s.m.log.Info("conversation escalated", "conversation_id", c.ID, "reason", reason, "sequence", sequence)
	}
	return turn, nil
}

// Release frees the writer slot. It is safe to call more than once.
func (s *Session) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	s.release()
}

func (s *Session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
