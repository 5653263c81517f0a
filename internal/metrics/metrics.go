package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_orchestrator_turns_committed_total",
			Help: "Total number of committed conversation turns",
		},
		[]string{"channel"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_orchestrator_escalations_total",
			Help: "Total number of escalation verdicts that handed off to a human",
		},
		[]string{"reason", "priority"},
	)

	CommitConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_orchestrator_commit_conflicts_total",
			Help: "Stale-sequence commits by outcome (retried, surfaced)",
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "care_orchestrator_generation_duration_seconds",
			Help:    "Response generation latency per provider and outcome",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 6, 8, 10, 15},
		},
		[]string{"provider", "outcome"},
	)

	RetrievalPassages = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "care_orchestrator_retrieval_passages",
			Help:    "Number of passages returned per retrieval",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	RetrievalDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "care_orchestrator_retrieval_degraded_total",
			Help: "Retrievals that returned no passages because the index was unavailable",
		},
	)

	UrgencyFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "care_orchestrator_urgency_fallbacks_total",
			Help: "Urgency classifications that failed open",
		},
	)

	HandoffsPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "care_orchestrator_handoffs_promoted_total",
			Help: "Standard handoffs raised to immediate after waiting too long",
		},
	)

	ConversationsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "care_orchestrator_conversations_closed_total",
			Help: "Conversations moved to ENDED by close reason",
		},
		[]string{"reason"},
	)
)
