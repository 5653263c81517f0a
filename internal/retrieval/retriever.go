// Package retrieval finds knowledge-base passages that ground a reply.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/metrics"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	SemanticSearch(ctx context.Context, vector []float32, language string, limit int) ([]domain.Passage, error)
	KeywordSearch(ctx context.Context, query, language string, limit int) ([]domain.Passage, error)
}

// Config holds the hybrid merge policy. A passage's combined score is
// max(semantic, keyword*KeywordWeight), plus HybridBoost when both searches
// found it, capped at 1.
type Config struct {
	MinScore      float64
	KeywordWeight float64
	HybridBoost   float64
	Timeout       time.Duration
	// CandidateFactor widens each search so filtering still leaves topK.
	CandidateFactor int
}

func DefaultConfig() Config {
	return Config{
		MinScore:        0.7,
		KeywordWeight:   0.8,
		HybridBoost:     0.1,
		Timeout:         2 * time.Second,
		CandidateFactor: 3,
	}
}

type Retriever struct {
	embedder Embedder
	index    Index
	cfg      Config
	log      *logger.Logger
}

func New(embedder Embedder, index Index, cfg Config, log *logger.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("retrieval: embedder must not be nil")
	}
	if index == nil {
		return nil, errors.New("retrieval: index must not be nil")
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CandidateFactor <= 0 {
		cfg.CandidateFactor = def.CandidateFactor
	}
	if cfg.KeywordWeight <= 0 {
		cfg.KeywordWeight = def.KeywordWeight
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		log:      logger.OrNop(log).With("component", "retrieval"),
	}, nil
}

// Retrieve returns at most topK passages ordered by descending score. It
// never fails: an unavailable embedder or index yields no passages.
func (r *Retriever) Retrieve(ctx context.Context, query, language string, topK int) []domain.Passage {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	limit := topK * r.cfg.CandidateFactor
	var semantic, keyword []domain.Passage

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := r.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		semantic, err = r.index.SemanticSearch(gctx, vec, language, limit)
		if err != nil {
			return fmt.Errorf("semantic search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		keyword, err = r.index.KeywordSearch(gctx, query, language, limit)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		metrics.RetrievalDegraded.Inc()
		r.log.Warn("retrieval unavailable, continuing without passages",
			"error", err, "timeout", errors.Is(ctx.Err(), context.DeadlineExceeded), "language", language)
		return nil
	}

	out := Merge(semantic, keyword, r.cfg, topK)
	metrics.RetrievalPassages.Observe(float64(len(out)))
	return out
}

// Merge combines semantic and keyword hits under cfg's policy, drops those
// below MinScore, and orders by score, then newer UpdatedAt, then id.
func Merge(semantic, keyword []domain.Passage, cfg Config, topK int) []domain.Passage {
	type hit struct {
		p       domain.Passage
		sem, kw float64
		fromSem bool
		fromKw  bool
	}
	byID := make(map[string]*hit, len(semantic)+len(keyword))
	order := make([]string, 0, len(semantic)+len(keyword))
	get := func(p domain.Passage) *hit {
		h, ok := byID[p.ID]
		if !ok {
			h = &hit{p: p}
			byID[p.ID] = h
			order = append(order, p.ID)
		} else if p.UpdatedAt.After(h.p.UpdatedAt) {
			score := h.p.Score
			h.p = p
			h.p.Score = score
		}
		return h
	}
	for _, p := range semantic {
		if p.ID == "" {
			continue
		}
		h := get(p)
		h.fromSem = true
		h.sem = max(h.sem, p.Score)
	}
	for _, p := range keyword {
		if p.ID == "" {
			continue
		}
		h := get(p)
		h.fromKw = true
		h.kw = max(h.kw, p.Score)
	}

	out := make([]domain.Passage, 0, len(order))
	for _, id := range order {
		h := byID[id]
		score := max(h.sem, h.kw*cfg.KeywordWeight)
		if h.fromSem && h.fromKw {
			score += cfg.HybridBoost
		}
		score = min(score, 1)
		if score < cfg.MinScore {
			continue
		}
		p := h.p
		p.Score = score
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
