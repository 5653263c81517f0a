package escalation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"care-orchestrator/internal/config"
	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
)

type fakeCapacity struct {
	capacity domain.Capacity
	err      error
	calls    int
}

func (f *fakeCapacity) CheckCapacity(_ context.Context) (domain.Capacity, error) {
	f.calls++
	return f.capacity, f.err
}

func newTestEngine(t *testing.T, capacity *fakeCapacity) *Engine {
	t.Helper()
	s, err := config.DefaultSignals()
	require.NoError(t, err)
	e, err := New(s, capacity, DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	return e
}

func TestDecide_EmergencyWinsRegardlessOfConfidence(t *testing.T) {
	capacity := &fakeCapacity{capacity: domain.Capacity{Full: true}}
	e := newTestEngine(t, capacity)

	for _, conf := range []float64{0, 0.5, 0.99, 1} {
		v := e.Decide(context.Background(), TurnContext{IsEmergency: true, Confidence: conf, TurnSequence: 30})
		require.Equal(t, domain.EscalationVerdict{
			Escalate: true,
			Reason:   domain.ReasonEmergency,
			Priority: domain.PriorityImmediate,
		}, v)
	}
	require.Zero(t, capacity.calls, "immediate escalations skip the capacity check")
}

func TestDecide_UserRequested(t *testing.T) {
	e := newTestEngine(t, &fakeCapacity{})

	v := e.Decide(context.Background(), TurnContext{Message: "I want to talk to a human please", Language: "en", Confidence: 0.95, TurnSequence: 2})
	require.True(t, v.Escalate)
	require.Equal(t, domain.ReasonUserRequested, v.Reason)
	require.Equal(t, domain.PriorityStandard, v.Priority)

	es := e.Decide(context.Background(), TurnContext{Message: "Quiero hablar con una persona", Language: "es", Confidence: 0.95, TurnSequence: 2})
	require.Equal(t, domain.ReasonUserRequested, es.Reason)

	zh := e.Decide(context.Background(), TurnContext{Message: "请帮我转人工，谢谢", Language: "zh-CN", Confidence: 0.95, TurnSequence: 2})
	require.Equal(t, domain.ReasonUserRequested, zh.Reason)
}

func TestDecide_LowConfidence(t *testing.T) {
	e := newTestEngine(t, &fakeCapacity{})

	v := e.Decide(context.Background(), TurnContext{Message: "what about my labs", Language: "en", Confidence: 0.69, TurnSequence: 1})
	require.Equal(t, domain.EscalationVerdict{Escalate: true, Reason: domain.ReasonLowConfidence, Priority: domain.PriorityStandard}, v)

	atThreshold := e.Decide(context.Background(), TurnContext{Message: "x", Language: "en", Confidence: 0.7, TurnSequence: 1})
	require.False(t, atThreshold.Escalate)
}

func TestDecide_ConversationTooLong(t *testing.T) {
	e := newTestEngine(t, &fakeCapacity{})

	v20 := e.Decide(context.Background(), TurnContext{Message: "x", Language: "en", Confidence: 0.9, TurnSequence: 20})
	require.False(t, v20.Escalate)

	v21 := e.Decide(context.Background(), TurnContext{Message: "x", Language: "en", Confidence: 0.9, TurnSequence: 21})
	require.True(t, v21.Escalate)
	require.Equal(t, domain.ReasonConversationTooLong, v21.Reason)
	require.Equal(t, domain.PriorityStandard, v21.Priority)
}

func TestDecide_RuleOrder(t *testing.T) {
	e := newTestEngine(t, &fakeCapacity{})
	v := e.Decide(context.Background(), TurnContext{Message: "representative", Language: "en", Confidence: 0.1, TurnSequence: 40})
	require.Equal(t, domain.ReasonUserRequested, v.Reason)

	v = e.Decide(context.Background(), TurnContext{Message: "x", Language: "en", Confidence: 0.1, TurnSequence: 40})
	require.Equal(t, domain.ReasonLowConfidence, v.Reason)
}

func TestDecide_QueueCapacity(t *testing.T) {
	e := newTestEngine(t, &fakeCapacity{capacity: domain.Capacity{Full: true, EstimatedWaitSeconds: 2700}})

	v := e.Decide(context.Background(), TurnContext{Message: "x", Language: "en", Confidence: 0.2, TurnSequence: 3})
	require.Equal(t, domain.EscalationVerdict{
		Escalate:             true,
		Reason:               domain.ReasonQueueCapacity,
		Priority:             domain.PriorityStandard,
		Trigger:              domain.ReasonLowConfidence,
		Queued:               true,
		EstimatedWaitSeconds: 2700,
	}, v)
}

func TestDecide_CapacityErrorIsNotFatal(t *testing.T) {
	e := newTestEngine(t, &fakeCapacity{err: errors.New("redis down")})

	v := e.Decide(context.Background(), TurnContext{Message: "x", Language: "en", Confidence: 0.2, TurnSequence: 3})
	require.Equal(t, domain.EscalationVerdict{Escalate: true, Reason: domain.ReasonLowConfidence, Priority: domain.PriorityStandard}, v)
}

func TestDecide_NoEscalation(t *testing.T) {
	capacity := &fakeCapacity{capacity: domain.Capacity{Full: true}}
	e := newTestEngine(t, capacity)

	v := e.Decide(context.Background(), TurnContext{Message: "Can I take ibuprofen?", Language: "en", Confidence: 0.9, TurnSequence: 5})
	require.Equal(t, domain.EscalationVerdict{}, v)
	require.Zero(t, capacity.calls)
}

func TestNew_RequiresCapacity(t *testing.T) {
	_, err := New(config.Signals{}, nil, DefaultConfig(), nil)
	require.Error(t, err)
}
