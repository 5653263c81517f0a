// Package conversation owns conversation lifecycle and turn ordering. It is
// the only writer of a conversation's state and turn sequence.
package conversation

import (
	"context"
	"errors"
	"time"

	"care-orchestrator/internal/domain"
)

var (
	ErrNotFound          = errors.New("conversation: not found")
	ErrStaleSequence     = errors.New("conversation: stale turn sequence")
	ErrConversationEnded = errors.New("conversation: ended")
	// ErrActiveExists is returned by Store.Create when the user already has a
	// non-ended conversation on the channel.
	ErrActiveExists = errors.New("conversation: active conversation exists")
	// ErrStillActive is returned by Store.EndIdle when the conversation saw
	// activity at or after the idle cutoff.
	ErrStillActive = errors.New("conversation: active since idle cutoff")
)

// TurnUpdate is one atomic commit: the turn plus the conversation fields it
// changes. The store applies it only if the stored turn sequence is
// Turn.Sequence-1 and the conversation is not ended.
type TurnUpdate struct {
	Turn             domain.Turn
	State            domain.State
	EscalationReason domain.EscalationReason
	At               time.Time
}

type Store interface {
	Create(ctx context.Context, c domain.Conversation) error
	Get(ctx context.Context, id string) (domain.Conversation, error)
	FindActive(ctx context.Context, userID string, channel domain.Channel) (domain.Conversation, error)
	AppendTurn(ctx context.Context, u TurnUpdate) error
	GetTurn(ctx context.Context, id string, sequence int) (domain.Turn, error)
	// History returns up to limit most recent turns in ascending sequence.
	History(ctx context.Context, id string, limit int) ([]domain.Turn, error)
	End(ctx context.Context, id string, reason domain.CloseReason, at time.Time) (domain.Conversation, error)
	// EndIdle ends the conversation for inactivity only if its last activity
	// is still before the cutoff.
	EndIdle(ctx context.Context, id string, before, at time.Time) (domain.Conversation, error)
	// ListInactive returns non-ended conversations whose last activity is
	// before the cutoff, oldest first.
	ListInactive(ctx context.Context, before time.Time, limit int) ([]domain.Conversation, error)
}
