package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"care-orchestrator/internal/domain"
)

// priorityBand keeps every Immediate entry ahead of every Standard one in
// the sorted set; within a band entries are ordered by enqueue time.
const priorityBand = 1e13

type QueueConfig struct {
	QueueKey  string
	AgentsKey string
	// PerAgent is how many waiting conversations each available agent can
	// absorb before the queue counts as full.
	PerAgent int
	// FallbackCapacity applies when no agents are registered as available.
	FallbackCapacity int
	WaitPerPosition  time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		QueueKey:         "care:handoff:queue",
		AgentsKey:        "care:agents:available",
		PerAgent:         3,
		FallbackCapacity: 10,
		WaitPerPosition:  15 * time.Minute,
	}
}

// Queue is the human handoff queue: a sorted set of conversation ids
// ordered by priority then arrival.
type Queue struct {
	rdb commands
	cfg QueueConfig
	now func() time.Time
}

func NewQueue(rdb commands, cfg QueueConfig) (*Queue, error) {
	if rdb == nil {
		return nil, errors.New("redisstore: client must not be nil")
	}
	def := DefaultQueueConfig()
	if cfg.QueueKey == "" {
		cfg.QueueKey = def.QueueKey
	}
	if cfg.AgentsKey == "" {
		cfg.AgentsKey = def.AgentsKey
	}
	if cfg.PerAgent <= 0 {
		cfg.PerAgent = def.PerAgent
	}
	if cfg.FallbackCapacity <= 0 {
		cfg.FallbackCapacity = def.FallbackCapacity
	}
	if cfg.WaitPerPosition <= 0 {
		cfg.WaitPerPosition = def.WaitPerPosition
	}
	return &Queue{rdb: rdb, cfg: cfg, now: time.Now}, nil
}

// CheckCapacity reports whether another standard handoff would exceed what
// the available agents can take, and the wait a new entry would face.
func (q *Queue) CheckCapacity(ctx context.Context) (domain.Capacity, error) {
	depth, err := q.rdb.ZCard(ctx, q.cfg.QueueKey).Result()
	if err != nil {
		return domain.Capacity{}, fmt.Errorf("redisstore: queue depth: %w", err)
	}
	agents, err := q.rdb.SCard(ctx, q.cfg.AgentsKey).Result()
	if err != nil {
		return domain.Capacity{}, fmt.Errorf("redisstore: available agents: %w", err)
	}
	capacity := int64(q.cfg.FallbackCapacity)
	if agents > 0 {
		capacity = agents * int64(q.cfg.PerAgent)
	}
	return domain.Capacity{
		Full:                 depth >= capacity,
		EstimatedWaitSeconds: q.waitSeconds(depth + 1),
	}, nil
}

// Enqueue adds the conversation, or moves it forward if it is already
// queued at a lower priority, and fills in its position and wait.
func (q *Queue) Enqueue(ctx context.Context, h domain.Handoff) (domain.Handoff, error) {
	if h.ConversationID == "" {
		return h, errors.New("redisstore: handoff conversation id is required")
	}
	score := float64(q.now().UnixMilli())
	if h.Priority != domain.PriorityImmediate {
		score += priorityBand
	}
	err := q.rdb.ZAddArgs(ctx, q.cfg.QueueKey, redis.ZAddArgs{
		LT:      true,
		Members: []redis.Z{{Score: score, Member: h.ConversationID}},
	}).Err()
	if err != nil {
		return h, fmt.Errorf("redisstore: enqueue %s: %w", h.ConversationID, err)
	}
	rank, err := q.rdb.ZRank(ctx, q.cfg.QueueKey, h.ConversationID).Result()
	if err != nil {
		return h, fmt.Errorf("redisstore: queue rank %s: %w", h.ConversationID, err)
	}
	h.QueuePosition = int(rank) + 1
	h.EstimatedWaitSeconds = q.waitSeconds(rank + 1)
	return h, nil
}

// Remove drops a conversation from the queue. Removing an absent id is not
// an error.
func (q *Queue) Remove(ctx context.Context, conversationID string) error {
	if err := q.rdb.ZRem(ctx, q.cfg.QueueKey, conversationID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: dequeue %s: %w", conversationID, err)
	}
	return nil
}

// Overdue returns standard-priority conversations that have waited longer
// than wait, longest waiting first.
func (q *Queue) Overdue(ctx context.Context, wait time.Duration, limit int) ([]string, error) {
	cutoff := float64(q.now().Add(-wait).UnixMilli()) + priorityBand
	ids, err := q.rdb.ZRangeByScore(ctx, q.cfg.QueueKey, &redis.ZRangeBy{
		Min:   formatScore(priorityBand),
		Max:   "(" + formatScore(cutoff),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: overdue handoffs: %w", err)
	}
	return ids, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 0, 64)
}

func (q *Queue) waitSeconds(position int64) int {
	return int(position) * int(q.cfg.WaitPerPosition/time.Second)
}
