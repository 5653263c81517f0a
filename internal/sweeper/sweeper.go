// Package sweeper closes conversations that have been idle too long and
// raises handoffs that have waited too long for an agent.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"care-orchestrator/internal/conversation"
	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
)

type Lister interface {
	ListInactive(ctx context.Context, before time.Time, limit int) ([]domain.Conversation, error)
}

// Closer ends one conversation for inactivity, provided nothing happened in
// it since before. The orchestrator's CloseIdle also drops it from the human
// queue.
type Closer interface {
	CloseIdle(ctx context.Context, conversationID string, before time.Time) (domain.Conversation, error)
}

// Promoter raises standard handoffs waiting longer than wait.
type Promoter interface {
	PromoteOverdue(ctx context.Context, wait time.Duration, limit int) (int, error)
}

type Config struct {
	IdleAfter time.Duration
	// EscalationTimeout is how long a standard handoff may wait before it
	// is raised to immediate.
	EscalationTimeout time.Duration
	BatchSize         int
	Concurrency       int
	RunTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleAfter:         24 * time.Hour,
		EscalationTimeout: 15 * time.Minute,
		BatchSize:         100,
		Concurrency:       4,
		RunTimeout:        5 * time.Minute,
	}
}

type Result struct {
	Scanned  int
	Closed   int
	Skipped  int
	Failed   int
	Promoted int
}

type Sweeper struct {
	lister   Lister
	closer   Closer
	promoter Promoter
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

type Option func(*Sweeper)

// WithPromoter enables overdue handoff promotion on every run.
func WithPromoter(p Promoter) Option {
	return func(s *Sweeper) {
		s.promoter = p
	}
}

func New(lister Lister, closer Closer, cfg Config, log *logger.Logger, opts ...Option) (*Sweeper, error) {
	if lister == nil {
		return nil, errors.New("sweeper: lister must not be nil")
	}
	if closer == nil {
		return nil, errors.New("sweeper: closer must not be nil")
	}
	def := DefaultConfig()
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = def.EscalationTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	s := &Sweeper{
		lister: lister,
		closer: closer,
		cfg:    cfg,
		log:    logger.OrNop(log).With("component", "sweeper"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunOnce closes up to one batch of conversations idle for longer than
// IdleAfter, then promotes overdue handoffs when a Promoter is set.
// Individual close failures are counted, not returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	res, err := s.closeIdle(ctx)
	if err != nil {
		return res, err
	}
	if s.promoter == nil {
		return res, nil
	}
	res.Promoted, err = s.promoter.PromoteOverdue(ctx, s.cfg.EscalationTimeout, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("sweeper: promote overdue: %w", err)
	}
	if res.Promoted > 0 {
		s.log.Info("overdue handoffs promoted", "count", res.Promoted, "timeout", s.cfg.EscalationTimeout)
	}
	return res, nil
}

func (s *Sweeper) closeIdle(ctx context.Context) (Result, error) {
	cutoff := s.now().Add(-s.cfg.IdleAfter)
	idle, err := s.lister.ListInactive(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("sweeper: list inactive: %w", err)
	}

	var closed, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range idle {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			_, err := s.closer.CloseIdle(gctx, c.ID, cutoff)
			switch {
			case err == nil:
				closed.Add(1)
			case errors.Is(err, conversation.ErrConversationEnded),
				errors.Is(err, conversation.ErrStillActive):
				// Closed or resumed since the listing.
				skipped.Add(1)
			default:
				failed.Add(1)
				s.log.Warn("inactive conversation close failed", "conversation_id", c.ID, "error", err)
			}
			return nil
		})
	}
	err = g.Wait()

	res := Result{
		Scanned: len(idle),
		Closed:  int(closed.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	s.log.Info("inactivity sweep finished",
		"cutoff", cutoff, "scanned", res.Scanned, "closed", res.Closed, "skipped", res.Skipped, "failed", res.Failed)
	if err != nil {
		return res, fmt.Errorf("sweeper: %w", err)
	}
	return res, nil
}

// Schedule registers RunOnce on c under a cron spec such as "@every 15m".
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduled sweep failed", "error", err)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("sweeper: schedule %q: %w", spec, err)
	}
	return id, nil
}
