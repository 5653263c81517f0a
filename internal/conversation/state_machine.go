package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/metrics"
)

// StateMachine serialises writers per conversation inside the process. The
// store's conditional append is authoritative across processes.
type StateMachine struct {
	store Store
	slots *slots
	log   *logger.Logger
	now   func() time.Time
	newID func() string
}

func NewStateMachine(store Store, log *logger.Logger) (*StateMachine, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	return &StateMachine{
		store: store,
		slots: newSlots(),
		log:   logger.OrNop(log).With("component", "conversation"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

// Open returns the user's non-ended conversation on the channel, creating
// one if there is none.
func (m *StateMachine) Open(ctx context.Context, userID string, channel domain.Channel, language string) (domain.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Conversation{}, errors.New("conversation: user id is required")
	}
	release, err := m.slots.acquire(ctx, "open|"+activeKey(userID, channel))
	if err != nil {
		return domain.Conversation{}, err
	}
	defer release()

	existing, err := m.store.FindActive(ctx, userID, channel)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Conversation{}, fmt.Errorf("conversation: find active: %w", err)
	}

	now := m.now()
	c := domain.Conversation{
		ID:           m.newID(),
		UserID:       userID,
		State:        domain.StateActive,
		Channel:      channel,
		Language:     language,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.store.Create(ctx, c); err != nil {
		if errors.Is(err, ErrActiveExists) {
			// Another process created it first.
			return m.store.FindActive(ctx, userID, channel)
		}
		return domain.Conversation{}, fmt.Errorf("conversation: create: %w", err)
	}
	m.log.Info("conversation opened", "conversation_id", c.ID, "channel", channel, "language", language)
	return c, nil
}

func (m *StateMachine) Get(ctx context.Context, id string) (domain.Conversation, error) {
	return m.store.Get(ctx, id)
}

// Begin acquires the conversation's writer slot and loads its current
// state. The caller must Release the session.
func (m *StateMachine) Begin(ctx context.Context, id string) (*Session, error) {
	release, err := m.slots.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := m.store.Get(ctx, id)
	if err != nil {
		release()
		return nil, err
	}
	return &Session{m: m, conv: c, release: release}, nil
}

// CommitTurn appends a turn outside any open session.
func (m *StateMachine) CommitTurn(ctx context.Context, id string, sequence int, turn domain.Turn) (domain.Turn, error) {
	s, err := m.Begin(ctx, id)
	if err != nil {
		return domain.Turn{}, err
	}
	defer s.Release()
	return s.Commit(ctx, sequence, turn)
}

// Close ends a non-ended conversation and clears its escalation reason.
func (m *StateMachine) Close(ctx context.Context, id string, reason domain.CloseReason) (domain.Conversation, error) {
	release, err := m.slots.acquire(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer release()

	c, err := m.store.End(ctx, id, reason, m.now())
	if err != nil {
		return c, err
	}
	metrics.ConversationsClosed.WithLabelValues(string(reason)).Inc()
	m.log.Info("conversation closed", "conversation_id", id, "reason", reason, "turns", c.TurnSequence)
	return c, nil
}

// CloseIdle ends the conversation for inactivity unless it has seen activity
// since before. A conversation that has is left alone with ErrStillActive.
func (m *StateMachine) CloseIdle(ctx context.Context, id string, before time.Time) (domain.Conversation, error) {
	release, err := m.slots.acquire(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer release()

	c, err := m.store.EndIdle(ctx, id, before, m.now())
	if err != nil {
		return c, err
	}
	metrics.ConversationsClosed.WithLabelValues(string(domain.CloseInactivity)).Inc()
	m.log.Info("idle conversation closed", "conversation_id", id, "cutoff", before, "turns", c.TurnSequence)
	return c, nil
}

func (m *StateMachine) ListInactive(ctx context.Context, before time.Time, limit int) ([]domain.Conversation, error) {
	return m.store.ListInactive(ctx, before, limit)
}
