// Package escalation decides whether a turn hands the conversation to a
// human. Decisions depend only on their input and the queue's capacity.
package escalation

import (
	"context"
	"errors"

	"care-orchestrator/internal/config"
	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/textmatch"
)

type CapacityChecker interface {
	CheckCapacity(ctx context.Context) (domain.Capacity, error)
}

// TurnContext is everything a decision is made from. TurnSequence is the
// sequence of the turn being decided.
type TurnContext struct {
	Message      string
	Language     string
	Confidence   float64
	IsEmergency  bool
	TurnSequence int
}

type Config struct {
	ConfidenceThreshold float64
	MaxTurns            int
}

func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.7, MaxTurns: 20}
}

type Engine struct {
	capacity        CapacityChecker
	humanRequest    map[string][]string
	defaultLanguage string
	cfg             Config
	log             *logger.Logger
}

func New(signals config.Signals, capacity CapacityChecker, cfg Config, log *logger.Logger) (*Engine, error) {
	if capacity == nil {
		return nil, errors.New("escalation: capacity checker must not be nil")
	}
	def := DefaultConfig()
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	e := &Engine{
		capacity:        capacity,
		humanRequest:    make(map[string][]string, len(signals.HumanRequest)),
		defaultLanguage: config.NormalizeLanguage(signals.DefaultLanguage),
		cfg:             cfg,
		log:             logger.OrNop(log).With("component", "escalation"),
	}
	for lang, kws := range signals.HumanRequest {
		e.humanRequest[config.NormalizeLanguage(lang)] = textmatch.Phrases(kws)
	}
	return e, nil
}

// Decide applies the rules in order, first match wins: emergency, explicit
// human request, low confidence, conversation length. Standard escalations
// then consult queue capacity.
func (e *Engine) Decide(ctx context.Context, tc TurnContext) domain.EscalationVerdict {
	if tc.IsEmergency {
		return domain.EscalationVerdict{
			Escalate: true,
			Reason:   domain.ReasonEmergency,
			Priority: domain.PriorityImmediate,
		}
	}

	reason := domain.ReasonNone
	switch {
	case e.requestsHuman(tc.Message, tc.Language):
		reason = domain.ReasonUserRequested
	case tc.Confidence < e.cfg.ConfidenceThreshold:
		reason = domain.ReasonLowConfidence
	case tc.TurnSequence > e.cfg.MaxTurns:
		reason = domain.ReasonConversationTooLong
	default:
		return domain.EscalationVerdict{}
	}

	verdict := domain.EscalationVerdict{
		Escalate: true,
		Reason:   reason,
		Priority: domain.PriorityStandard,
	}
	capacity, err := e.capacity.CheckCapacity(ctx)
	if err != nil {
		e.log.Warn("queue capacity check failed, assuming capacity", "error", err, "reason", reason)
		return verdict
	}
	if capacity.Full {
		verdict.Reason = domain.ReasonQueueCapacity
		verdict.Trigger = reason
		verdict.Queued = true
		verdict.EstimatedWaitSeconds = capacity.EstimatedWaitSeconds
	}
	return verdict
}

func (e *Engine) requestsHuman(message, language string) bool {
	lang := config.NormalizeLanguage(language)
	if _, ok := textmatch.FirstPhrase(message, e.humanRequest[lang]); ok {
		return true
	}
	if lang == e.defaultLanguage {
		return false
	}
	_, ok := textmatch.FirstPhrase(message, e.humanRequest[e.defaultLanguage])
	return ok
}
