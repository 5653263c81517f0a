package domain

import (
	"fmt"
	"strings"
	"time"
)

type State string

const (
	StateActive    State = "ACTIVE"
	StateEscalated State = "ESCALATED"
	StateEnded     State = "ENDED"
)

type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// ParseChannel accepts the channel names used by the adapters, case-insensitively.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelWeb:
		return ChannelWeb, nil
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelVoice:
		return ChannelVoice, nil
	}
	return "", fmt.Errorf("domain: unknown channel %q", s)
}

type CloseReason string

const (
	CloseUserRequested  CloseReason = "user_closed"
	CloseAgentRequested CloseReason = "agent_closed"
	CloseResolved       CloseReason = "resolved"
	CloseInactivity     CloseReason = "inactivity"
)

// ParseCloseReason maps adapter input to a CloseReason. Empty input means the
// user closed the conversation.
func ParseCloseReason(s string) (CloseReason, error) {
	switch r := CloseReason(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return CloseUserRequested, nil
	case CloseUserRequested, CloseAgentRequested, CloseResolved, CloseInactivity:
		return r, nil
	}
	return "", fmt.Errorf("domain: unknown close reason %q", s)
}

// Conversation is the per-conversation record owned by the state machine.
// TurnSequence is the sequence of the last committed turn; zero means no
// turn has been committed yet.
type Conversation struct {
	ID               string
	UserID           string
	State            State
	Channel          Channel
	Language         string
	TurnSequence     int
	EscalationReason EscalationReason
	CloseReason      CloseReason
	CreatedAt        time.Time
	LastActivity     time.Time
}

// NextSequence is the only sequence a commit may carry.
func (c Conversation) NextSequence() int {
	return c.TurnSequence + 1
}

func (c Conversation) Ended() bool {
	return c.State == StateEnded
}

// Turn is one committed request/response exchange. Turns are immutable once
// committed.
type Turn struct {
	ConversationID   string
	Sequence         int
	UserMessage      string
	RedactedMessage  string
	RetrievedContext []PassageRef
	Response         Generation
	UrgencyFlag      bool
	MatchedSignal    string
	Escalated        bool
	Verdict          EscalationVerdict
	Reply            string
	Timestamp        time.Time
}
