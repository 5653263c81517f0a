package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"care-orchestrator/internal/config"
	"care-orchestrator/internal/conversation"
	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/escalation"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/metrics"
	"care-orchestrator/internal/phi"
	"care-orchestrator/internal/urgency"
)

const (
	defaultMaxMessageLen = 2000
	defaultTopK          = 5
	defaultHistoryTurns  = 10
	defaultHandoffBudget = 5 * time.Second
)

type UrgencyClassifier interface {
	Classify(message, language string) urgency.Result
}

type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query, language string, topK int) []domain.Passage
}

type ResponseGenerator interface {
	Generate(ctx context.Context, history []domain.Turn, query string, passages []domain.Passage, language string) (domain.Generation, error)
}

type EscalationDecider interface {
	Decide(ctx context.Context, tc escalation.TurnContext) domain.EscalationVerdict
}

// Conversations is the state machine surface the orchestrator drives.
type Conversations interface {
	Open(ctx context.Context, userID string, channel domain.Channel, language string) (domain.Conversation, error)
	Begin(ctx context.Context, id string) (*conversation.Session, error)
	Close(ctx context.Context, id string, reason domain.CloseReason) (domain.Conversation, error)
	CloseIdle(ctx context.Context, id string, before time.Time) (domain.Conversation, error)
	Get(ctx context.Context, id string) (domain.Conversation, error)
}

type HumanQueue interface {
	Enqueue(ctx context.Context, h domain.Handoff) (domain.Handoff, error)
	Remove(ctx context.Context, conversationID string) error
	// Overdue lists standard handoffs waiting longer than wait.
	Overdue(ctx context.Context, wait time.Duration, limit int) ([]string, error)
}

type AgentNotifier interface {
	NotifyHandoff(ctx context.Context, h domain.Handoff) error
}

// Dependencies wires the orchestrator's capabilities. Notifier is optional.
type Dependencies struct {
	Classifier    UrgencyClassifier
	Retriever     KnowledgeRetriever
	Generator     ResponseGenerator
	Decider       EscalationDecider
	Conversations Conversations
	Queue         HumanQueue
	Notifier      AgentNotifier
	Signals       config.Signals
}

type Config struct {
	MaxMessageLen int
	TopK          int
	HistoryTurns  int
	HandoffBudget time.Duration
}

type Orchestrator struct {
	deps Dependencies
	cfg  Config
	log  *logger.Logger
}

// Inbound is one user message. ConversationID may be empty for the first
// message of a user on a channel. Sequence zero means "next".
type Inbound struct {
	ConversationID string
	UserID         string
	Message        string
	Channel        domain.Channel
	Language       string
	Sequence       int
}

// OutboundAction is the single result of an accepted inbound message.
type OutboundAction struct {
	ConversationID string
	Sequence       int
	Reply          string
	Escalation     *domain.EscalationVerdict
}

func NewOrchestrator(deps Dependencies, cfg Config, log *logger.Logger) (*Orchestrator, error) {
	switch {
	case deps.Classifier == nil:
		return nil, newError(ErrorFatalConfiguration, "missing_urgency_classifier", nil)
	case deps.Retriever == nil:
		return nil, newError(ErrorFatalConfiguration, "missing_retriever", nil)
	case deps.Generator == nil:
		return nil, newError(ErrorFatalConfiguration, "missing_generator", nil)
	case deps.Decider == nil:
		return nil, newError(ErrorFatalConfiguration, "missing_escalation_decider", nil)
	case deps.Conversations == nil:
		return nil, newError(ErrorFatalConfiguration, "missing_conversations", nil)
	case deps.Queue == nil:
		return nil, newError(ErrorFatalConfiguration, "missing_human_queue", nil)
	case len(deps.Signals.Messages) == 0:
		return nil, newError(ErrorFatalConfiguration, "missing_signal_messages", nil)
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.HandoffBudget <= 0 {
		cfg.HandoffBudget = defaultHandoffBudget
	}
	return &Orchestrator{deps: deps, cfg: cfg, log: logger.OrNop(log).With("component", "orchestrator")}, nil
}

// Handle processes one inbound message and returns exactly one outbound
// action, or an error when the message was not accepted.
func (o *Orchestrator) Handle(ctx context.Context, in Inbound) (OutboundAction, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return OutboundAction{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > o.cfg.MaxMessageLen {
		return OutboundAction{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	channel, err := domain.ParseChannel(string(in.Channel))
	if err != nil {
		return OutboundAction{}, newError(ErrorInvalidInput, "unknown_channel", err)
	}
	if in.Sequence < 0 {
		return OutboundAction{}, newError(ErrorInvalidInput, "negative_sequence", nil)
	}

	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		if strings.TrimSpace(in.UserID) == "" {
			return OutboundAction{}, newError(ErrorInvalidInput, "missing_conversation_or_user", nil)
		}
		conv, err := o.deps.Conversations.Open(ctx, in.UserID, channel, config.NormalizeLanguage(in.Language))
		if err != nil {
			return OutboundAction{}, o.stateError("open_conversation_error", err)
		}
		convID = conv.ID
	}

	session, err := o.deps.Conversations.Begin(ctx, convID)
	if err != nil {
		return OutboundAction{}, o.stateError("begin_conversation_error", err)
	}
	defer session.Release()

	conv := session.Conversation()
	if conv.Ended() {
		return OutboundAction{}, newError(ErrorConversationEnded, "conversation_ended", conversation.ErrConversationEnded)
	}
	seq := in.Sequence
	if seq == 0 {
		seq = conv.NextSequence()
	}
	if seq <= conv.TurnSequence {
		return o.replay(ctx, session, seq)
	}
	if seq > conv.NextSequence() {
		return OutboundAction{}, newError(ErrorConflict, "sequence_ahead", conversation.ErrStaleSequence)
	}

	language := config.NormalizeLanguage(in.Language)
	if language == "" {
		language = conv.Language
	}

	turn, err := o.buildTurn(ctx, session, conv, message, language, seq)
	if err != nil {
		return OutboundAction{}, err
	}
	if err := ctx.Err(); err != nil {
		return OutboundAction{}, newError(ErrorTransientUpstream, "request_canceled", err)
	}

	escalatedBefore := conv.State == domain.StateEscalated
	committed, err := o.commit(ctx, session, in.Sequence != 0, seq, turn)
	if err != nil {
		return OutboundAction{}, err
	}

	if committed.Escalated {
		metrics.Escalations.WithLabelValues(string(committed.Verdict.Reason), string(committed.Verdict.Priority)).Inc()
		if !escalatedBefore || committed.UrgencyFlag {
			o.handoff(ctx, session.Conversation(), committed)
		}
	}

	o.log.Info("turn handled",
		"conversation_id", convID,
		"sequence", committed.Sequence,
		"language", language,
		"emergency", committed.UrgencyFlag,
		"escalated", committed.Escalated,
		"reason", committed.Verdict.Reason,
		"confidence", committed.Response.Confidence,
		"passages", len(committed.RetrievedContext),
		"degraded", committed.Response.Degraded,
	)
	return actionFor(committed), nil
}

// buildTurn runs the pipeline for one message without committing anything.
func (o *Orchestrator) buildTurn(ctx context.Context, session *conversation.Session, conv domain.Conversation, message, language string, seq int) (domain.Turn, error) {
	redacted := phi.Redact(message)
	if redacted.Found() {
		o.log.Info("phi redacted from message", "conversation_id", conv.ID, "sequence", seq, "kinds", redacted.Kinds)
	}
	msgs := o.deps.Signals.MessagesFor(language)
	turn := domain.Turn{
		UserMessage:     message,
		RedactedMessage: redacted.Text,
	}

	urg := o.deps.Classifier.Classify(message, language)
	turn.UrgencyFlag = urg.IsEmergency
	turn.MatchedSignal = urg.MatchedSignal

	switch {
	case urg.IsEmergency:
		turn.Verdict = o.deps.Decider.Decide(ctx, escalation.TurnContext{
			Message:      redacted.Text,
			Language:     language,
			IsEmergency:  true,
			TurnSequence: seq,
		})
		turn.Escalated = turn.Verdict.Escalate
		turn.Reply = msgs.SafetyScript
		o.log.Warn("emergency signal matched", "conversation_id", conv.ID, "signal", urg.MatchedSignal, "sequence", seq)
		return turn, nil

	case conv.State == domain.StateEscalated:
		turn.Reply = msgs.Holding
		return turn, nil
	}

	passages := o.deps.Retriever.Retrieve(ctx, redacted.Text, language, o.cfg.TopK)
	history, err := session.History(ctx, o.cfg.HistoryTurns)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Turn{}, newError(ErrorTransientUpstream, "request_canceled", ctxErr)
		}
		return domain.Turn{}, newError(ErrorInternal, "history_error", err)
	}
	gen, err := o.deps.Generator.Generate(ctx, history, redacted.Text, passages, language)
	if err != nil {
		return domain.Turn{}, newError(ErrorTransientUpstream, "request_canceled", err)
	}
	turn.RetrievedContext = domain.Refs(passages)
	turn.Response = gen

	turn.Verdict = o.deps.Decider.Decide(ctx, escalation.TurnContext{
		Message:      redacted.Text,
		Language:     language,
		Confidence:   gen.Confidence,
		TurnSequence: seq,
	})
	turn.Escalated = turn.Verdict.Escalate

	reply := gen.Text
	if gen.Degraded {
		reply = msgs.Unavailable
	}
	if turn.Verdict.Escalate {
		notice := msgs.EscalationNotice
		if turn.Verdict.Queued {
			notice = msgs.QueuedText(turn.Verdict.EstimatedWaitSeconds)
		}
		reply = strings.TrimSpace(reply + "\n\n" + notice)
	}
	turn.Reply = reply
	return turn, nil
}

// commit writes the turn, retrying once at the refreshed sequence when
// another writer got there first. A caller-supplied sequence that turns out
// to be committed already is answered from the stored turn.
func (o *Orchestrator) commit(ctx context.Context, session *conversation.Session, pinned bool, seq int, turn domain.Turn) (domain.Turn, error) {
	committed, err := session.Commit(ctx, seq, turn)
	if err == nil {
		return committed, nil
	}
	if !errors.Is(err, conversation.ErrStaleSequence) {
		return domain.Turn{}, o.stateError("commit_error", err)
	}

	fresh, rerr := session.Refresh(ctx)
	if rerr != nil {
		return domain.Turn{}, o.stateError("refresh_error", rerr)
	}
	if fresh.Ended() {
		return domain.Turn{}, newError(ErrorConversationEnded, "conversation_ended", conversation.ErrConversationEnded)
	}
	if pinned && seq <= fresh.TurnSequence {
		// A duplicate delivery committed the same sequence elsewhere.
		metrics.CommitConflicts.WithLabelValues("duplicate").Inc()
		existing, terr := session.Turn(ctx, seq)
		if terr != nil {
			return domain.Turn{}, o.stateError("load_turn_error", terr)
		}
		return existing, nil
	}

	metrics.CommitConflicts.WithLabelValues("retried").Inc()
	o.log.Warn("commit conflict, retrying at refreshed sequence",
		"conversation_id", fresh.ID, "sequence", seq, "next", fresh.NextSequence())
	committed, err = session.Commit(ctx, fresh.NextSequence(), turn)
	if err == nil {
		return committed, nil
	}
	if errors.Is(err, conversation.ErrStaleSequence) {
		metrics.CommitConflicts.WithLabelValues("surfaced").Inc()
		return domain.Turn{}, newError(ErrorConflict, "stale_sequence", err)
	}
	return domain.Turn{}, o.stateError("commit_error", err)
}

func (o *Orchestrator) replay(ctx context.Context, session *conversation.Session, seq int) (OutboundAction, error) {
	turn, err := session.Turn(ctx, seq)
	if err != nil {
		return OutboundAction{}, o.stateError("load_turn_error", err)
	}
	o.log.Info("duplicate delivery answered from committed turn", "conversation_id", turn.ConversationID, "sequence", seq)
	return actionFor(turn), nil
}

// handoff queues the conversation for a human and tells the agents. It runs
// after the commit, so failures are only logged.
func (o *Orchestrator) handoff(ctx context.Context, conv domain.Conversation, turn domain.Turn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.HandoffBudget)
	defer cancel()

	h := domain.Handoff{
		ConversationID:       conv.ID,
		Channel:              conv.Channel,
		Language:             conv.Language,
		Priority:             turn.Verdict.Priority,
		Reason:               turn.Verdict.Reason,
		Sequence:             turn.Sequence,
		EstimatedWaitSeconds: turn.Verdict.EstimatedWaitSeconds,
	}
	queued, err := o.deps.Queue.Enqueue(ctx, h)
	if err != nil {
		o.log.Error("human queue enqueue failed", "conversation_id", conv.ID,
			"error", newError(ErrorCapacity, "enqueue_failed", err))
	} else {
		h = queued
	}

	if o.deps.Notifier == nil {
		return
	}
	if err := o.deps.Notifier.NotifyHandoff(ctx, h); err != nil {
		o.log.Error("agent notification failed", "conversation_id", conv.ID, "error", err)
	}
}

// Close ends a conversation on behalf of the user, an agent or the sweeper
// and drops it from the human queue.
func (o *Orchestrator) Close(ctx context.Context, conversationID string, reason domain.CloseReason) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	conv, err := o.deps.Conversations.Close(ctx, conversationID, reason)
	if err != nil {
		return domain.Conversation{}, o.stateError("close_error", err)
	}
	o.dequeue(ctx, conversationID)
	return conv, nil
}

// CloseIdle ends a conversation for inactivity only if it has stayed idle
// since before. Activity after the cutoff yields a CONFLICT wrapping
// conversation.ErrStillActive.
func (o *Orchestrator) CloseIdle(ctx context.Context, conversationID string, before time.Time) (domain.Conversation, error) {
	conv, err := o.deps.Conversations.CloseIdle(ctx, conversationID, before)
	if err != nil {
		return domain.Conversation{}, o.stateError("close_error", err)
	}
	o.dequeue(ctx, conversationID)
	return conv, nil
}

// PromoteOverdue raises standard handoffs that have waited longer than wait
// to Immediate and pages the agents again. Queue entries whose conversation
// is no longer escalated are dropped. It returns how many were promoted.
func (o *Orchestrator) PromoteOverdue(ctx context.Context, wait time.Duration, limit int) (int, error) {
	ids, err := o.deps.Queue.Overdue(ctx, wait, limit)
	if err != nil {
		return 0, newError(ErrorTransientUpstream, "queue_unavailable", err)
	}

	promoted := 0
	for _, id := range ids {
		conv, err := o.deps.Conversations.Get(ctx, id)
		if err != nil && !errors.Is(err, conversation.ErrNotFound) {
			o.log.Warn("overdue handoff lookup failed", "conversation_id", id, "error", err)
			continue
		}
		if err != nil || conv.State != domain.StateEscalated {
			o.dequeue(ctx, id)
			continue
		}

		h, err := o.deps.Queue.Enqueue(ctx, domain.Handoff{
			ConversationID: conv.ID,
			Channel:        conv.Channel,
			Language:       conv.Language,
			Priority:       domain.PriorityImmediate,
			Reason:         conv.EscalationReason,
			Sequence:       conv.TurnSequence,
			Overdue:        true,
		})
		if err != nil {
			o.log.Error("overdue handoff promotion failed", "conversation_id", id,
				"error", newError(ErrorCapacity, "enqueue_failed", err))
			continue
		}
		promoted++
		metrics.HandoffsPromoted.Inc()
		o.log.Warn("overdue handoff promoted", "conversation_id", id, "reason", conv.EscalationReason, "queue_position", h.QueuePosition)

		if o.deps.Notifier != nil {
			if err := o.deps.Notifier.NotifyHandoff(ctx, h); err != nil {
				o.log.Error("agent notification failed", "conversation_id", id, "error", err)
			}
		}
	}
	return promoted, nil
}

func (o *Orchestrator) dequeue(ctx context.Context, conversationID string) {
	if err := o.deps.Queue.Remove(ctx, conversationID); err != nil {
		o.log.Warn("human queue removal failed", "conversation_id", conversationID, "error", err)
	}
}

func (o *Orchestrator) stateError(reason string, err error) error {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return newError(ErrorNotFound, "conversation_not_found", err)
	case errors.Is(err, conversation.ErrConversationEnded):
		return newError(ErrorConversationEnded, "conversation_ended", err)
	case errors.Is(err, conversation.ErrStaleSequence):
		return newError(ErrorConflict, "stale_sequence", err)
	case errors.Is(err, conversation.ErrStillActive):
		return newError(ErrorConflict, "conversation_active", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTransientUpstream, "request_canceled", err)
	}
	return newError(ErrorInternal, reason, err)
}

func actionFor(turn domain.Turn) OutboundAction {
	out := OutboundAction{
		ConversationID: turn.ConversationID,
		Sequence:       turn.Sequence,
		Reply:          turn.Reply,
	}
	if turn.Verdict.Escalate {
		v := turn.Verdict
		out.Escalation = &v
	}
	return out
}
