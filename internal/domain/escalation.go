package domain

type EscalationReason string

const (
	ReasonNone                EscalationReason = ""
	ReasonEmergency           EscalationReason = "EMERGENCY"
	ReasonLowConfidence       EscalationReason = "LOW_CONFIDENCE"
	ReasonUserRequested       EscalationReason = "USER_REQUESTED"
	ReasonConversationTooLong EscalationReason = "CONVERSATION_TOO_LONG"
	ReasonQueueCapacity       EscalationReason = "QUEUE_CAPACITY"
)

type Priority string

const (
	PriorityNone      Priority = ""
	PriorityImmediate Priority = "IMMEDIATE"
	PriorityStandard  Priority = "STANDARD"
)

// EscalationVerdict is produced fresh for every turn and embedded in it.
// Trigger is only set when Reason is ReasonQueueCapacity and names the rule
// that wanted the handoff.
type EscalationVerdict struct {
	Escalate             bool             `json:"escalate"`
	Reason               EscalationReason `json:"reason,omitempty"`
	Priority             Priority         `json:"priority,omitempty"`
	Trigger              EscalationReason `json:"trigger,omitempty"`
	Queued               bool             `json:"queued,omitempty"`
	EstimatedWaitSeconds int              `json:"estimatedWaitSeconds,omitempty"`
}

// Capacity is the human queue's answer to a capacity check.
type Capacity struct {
	Full                 bool
	EstimatedWaitSeconds int
}

// Handoff is what human agents are told about an escalated conversation.
// It never carries message text.
type Handoff struct {
	ConversationID       string
	Channel              Channel
	Language             string
	Priority             Priority
	Reason               EscalationReason
	Sequence             int
	QueuePosition        int
	EstimatedWaitSeconds int
	// Overdue marks a standard handoff promoted after waiting too long.
	Overdue bool
}
