// Package generation produces grounded replies through a prioritised chain
// of LLM providers.
package generation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"care-orchestrator/internal/config"
	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/metrics"
	"care-orchestrator/internal/textmatch"
)

type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []domain.ChatMessage) (domain.Completion, error)
}

// Cache is a best-effort result cache. Errors are logged and ignored.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Config struct {
	Timeout        time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CacheTTL       time.Duration
	MaxHistory     int
}

func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CacheTTL:       10 * time.Minute,
		MaxHistory:     10,
	}
}

type Generator struct {
	providers []Provider
	scorer    Scorer
	cache     Cache
	signals   config.Signals
	advice    map[string][]string
	cfg       Config
	log       *logger.Logger
	group     singleflight.Group
}

type Option func(*Generator)

func WithCache(c Cache) Option {
	return func(g *Generator) {
		g.cache = c
	}
}

func WithScorer(s Scorer) Option {
	return func(g *Generator) {
		if s != nil {
			g.scorer = s
		}
	}
}

func New(providers []Provider, signals config.Signals, cfg Config, log *logger.Logger, opts ...Option) (*Generator, error) {
	if len(providers) == 0 {
		return nil, errors.New("generation: at least one provider is required")
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("generation: provider %d is nil", i)
		}
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	g := &Generator{
		providers: providers,
		scorer:    DefaultScorer(),
		signals:   signals,
		advice:    make(map[string][]string, len(signals.AdviceKeywords)),
		cfg:       cfg,
		log:       logger.OrNop(log).With("component", "generation"),
	}
	for lang, kws := range signals.AdviceKeywords {
		g.advice[config.NormalizeLanguage(lang)] = textmatch.Phrases(kws)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate answers query from the passages and history. When every provider
// fails it returns a degraded result with zero confidence; it returns an
// error only when ctx is done.
func (g *Generator) Generate(ctx context.Context, history []domain.Turn, query string, passages []domain.Passage, language string) (domain.Generation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Generation{}, err
	}
	language = config.NormalizeLanguage(language)
	key := cacheKey(completedTurns(history), query, passages, language)

	if gen, ok := g.cached(ctx, key); ok {
		return gen, nil
	}

	// Collapsed calls share one upstream request that outlives any single
	// caller, bounded by the generation timeout.
	ch := g.group.DoChan(key, func() (any, error) {
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()
		gen := g.generate(gctx, history, query, passages, language)
		if !gen.Degraded {
			g.store(gctx, key, gen)
		}
		return gen, nil
	})

	select {
	case <-ctx.Done():
		return domain.Generation{}, ctx.Err()
	case res := <-ch:
		return res.Val.(domain.Generation), nil
	}
}

func (g *Generator) generate(ctx context.Context, history []domain.Turn, query string, passages []domain.Passage, language string) domain.Generation {
	messages := buildPromptMessages(query, history, passages, language, g.cfg.MaxHistory)
	msgs := g.signals.MessagesFor(language)

	for _, p := range g.providers {
		start := time.Now()
		comp, err := g.complete(ctx, p, messages)
		if err != nil {
			metrics.GenerationDuration.WithLabelValues(p.Name(), "error").Observe(time.Since(start).Seconds())
			g.log.Warn("generation provider failed", "provider", p.Name(), "error", err)
			continue
		}
		ans, err := parseGroundedAnswer(comp.Content)
		if err != nil {
			metrics.GenerationDuration.WithLabelValues(p.Name(), "malformed").Observe(time.Since(start).Seconds())
			g.log.Warn("generation provider returned malformed answer", "provider", p.Name(), "error", err)
			continue
		}
		metrics.GenerationDuration.WithLabelValues(p.Name(), "ok").Observe(time.Since(start).Seconds())

		return domain.Generation{
			Text:       g.withDisclaimer(strings.TrimSpace(ans.Answer), language, msgs.Disclaimer),
			Confidence: g.scorer.Score(ans, comp.TokenLogprobs, len(passages) > 0),
			Sources:    citedSources(ans.Sources, passages),
			Provider:   p.Name(),
		}
	}

	g.log.Error("all generation providers failed", "providers", len(g.providers))
	return domain.Generation{
		Text:       msgs.Fallback,
		Confidence: 0,
		Degraded:   true,
	}
}

// complete retries transient failures of one provider with exponential
// backoff. Permanent failures stop immediately.
func (g *Generator) complete(ctx context.Context, p Provider, messages []domain.ChatMessage) (domain.Completion, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialBackoff
	eb.MaxInterval = g.cfg.MaxBackoff

	return backoff.Retry(ctx, func() (domain.Completion, error) {
		comp, err := p.Complete(ctx, messages)
		if err == nil {
			return comp, nil
		}
		if !isTransient(err) {
			return comp, backoff.Permanent(err)
		}
		return comp, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(g.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Debug("retrying generation provider", "provider", p.Name(), "error", err, "backoff", next)
		}),
	)
}

// isTransient reports rate limiting, server errors and timeouts.
func isTransient(err error) bool {
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		return code == 408 || code == 429 || code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (g *Generator) withDisclaimer(answer, language, disclaimer string) string {
	if disclaimer == "" || strings.Contains(answer, disclaimer) {
		return answer
	}
	lang := config.NormalizeLanguage(language)
	if _, ok := textmatch.FirstPhrase(answer, g.advice[lang]); ok {
		return answer + "\n\n" + disclaimer
	}
	def := config.NormalizeLanguage(g.signals.DefaultLanguage)
	if lang != def {
		if _, ok := textmatch.FirstPhrase(answer, g.advice[def]); ok {
			return answer + "\n\n" + disclaimer
		}
	}
	return answer
}

// citedSources keeps only ids of passages that were actually provided.
func citedSources(cited []string, passages []domain.Passage) []string {
	known := make(map[string]struct{}, len(passages))
	for _, p := range passages {
		known[p.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(cited))
	var out []string
	for _, id := range cited {
		id = strings.TrimSpace(strings.Trim(id, "[]"))
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (g *Generator) cached(ctx context.Context, key string) (domain.Generation, bool) {
	if g.cache == nil {
		return domain.Generation{}, false
	}
	raw, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.log.Warn("generation cache get failed", "error", err)
		return domain.Generation{}, false
	}
	if !ok {
		return domain.Generation{}, false
	}
	var gen domain.Generation
	if err := json.Unmarshal(raw, &gen); err != nil {
		g.log.Warn("generation cache entry unreadable", "error", err)
		return domain.Generation{}, false
	}
	return gen, true
}

func (g *Generator) store(ctx context.Context, key string, gen domain.Generation) {
	if g.cache == nil || g.cfg.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(gen)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, key, raw, g.cfg.CacheTTL); err != nil {
		g.log.Warn("generation cache set failed", "error", err)
	}
}

type cacheKeyInput struct {
	History  [][2]string `json:"h"`
	Query    string      `json:"q"`
	Passages [][2]string `json:"p"`
	Language string      `json:"l"`
}

func cacheKey(history []domain.Turn, query string, passages []domain.Passage, language string) string {
	in := cacheKeyInput{Query: strings.TrimSpace(query), Language: language}
	for _, t := range history {
		in.History = append(in.History, [2]string{t.RedactedMessage, t.Response.Text})
	}
	for _, p := range passages {
		in.Passages = append(in.Passages, [2]string{p.ID, p.Text})
	}
	raw, _ := json.Marshal(in)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
