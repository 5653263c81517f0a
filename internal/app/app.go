package app

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"care-orchestrator/handler"
	"care-orchestrator/internal/config"
	"care-orchestrator/internal/conversation"
	"care-orchestrator/internal/escalation"
	"care-orchestrator/internal/generation"
	"care-orchestrator/internal/integrations/anthropic"
	"care-orchestrator/internal/integrations/mattermost"
	"care-orchestrator/internal/integrations/openai"
	"care-orchestrator/internal/integrations/paramstore"
	"care-orchestrator/internal/integrations/qdrant"
	"care-orchestrator/internal/integrations/redisstore"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/repository"
	"care-orchestrator/internal/retrieval"
	"care-orchestrator/internal/sweeper"
	"care-orchestrator/internal/urgency"
	"care-orchestrator/internal/usecase"
)

// App is the wired engine. Close releases the Redis connection.
type App struct {
	Orchestrator *usecase.Orchestrator
	Handler      *handler.Handler
	Sweeper      *sweeper.Sweeper

	rdb *redis.Client
}

func (a *App) Close() error {
	if a == nil || a.rdb == nil {
		return nil
	}
	return a.rdb.Close()
}

// Build constructs every collaborator from cfg. Secrets are read from the
// parameter store under cfg.ParamPrefix.
func Build(ctx context.Context, cfg Config, log *logger.Logger) (*App, error) {
	log = logger.OrNop(log)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load aws config: %w", err)
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: paramstore: %w", err)
	}

	signals, err := config.LoadSignals(ctx, params, cfg.param("config/signals"))
	if err != nil {
		return nil, err
	}

	// ---- Model providers ----
	openaiToken, err := paramstore.NewToken(params, cfg.param("openai/api-key"))
	if err != nil {
		return nil, err
	}
	openaiClient, err := openai.NewClient(openaiToken, openai.WithModel(cfg.OpenAIModel))
	if err != nil {
		return nil, err
	}
	anthropicToken, err := paramstore.NewToken(params, cfg.param("anthropic/api-key"))
	if err != nil {
		return nil, err
	}
	anthropicClient, err := anthropic.NewClient(anthropicToken, anthropic.WithModel(cfg.AnthropicModel))
	if err != nil {
		return nil, err
	}

	// ---- Knowledge base ----
	qdrantKey, err := optionalParam(ctx, params, cfg.param("qdrant/api-key"))
	if err != nil {
		return nil, err
	}
	index, err := qdrant.New(qdrant.Config{URL: cfg.QdrantURL, Collection: cfg.QdrantCollection, APIKey: qdrantKey})
	if err != nil {
		return nil, err
	}
	retriever, err := retrieval.New(openaiClient, index, retrieval.DefaultConfig(), log)
	if err != nil {
		return nil, err
	}

	// ---- Redis: generation cache and handoff queue ----
	redisPassword, err := optionalParam(ctx, params, cfg.param("redis/password"))
	if err != nil {
		return nil, err
	}
	rdb, err := redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: redisPassword, DB: cfg.RedisDB})
	if err != nil {
		return nil, err
	}
	a := &App{rdb: rdb}
	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	cache, err := redisstore.NewCache(rdb, "care:gen:")
	if err != nil {
		return fail(err)
	}
	queue, err := redisstore.NewQueue(rdb, redisstore.DefaultQueueConfig())
	if err != nil {
		return fail(err)
	}

	// ---- Decision pipeline ----
	generator, err := generation.New(
		[]generation.Provider{openaiClient, anthropicClient},
		signals, generation.DefaultConfig(), log,
		generation.WithCache(cache),
	)
	if err != nil {
		return fail(err)
	}
	decider, err := escalation.New(signals, queue, escalation.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxTurns:            cfg.MaxTurns,
	}, log)
	if err != nil {
		return fail(err)
	}
	classifier, err := urgency.New(signals, log)
	if err != nil {
		return fail(err)
	}

	// ---- Conversation state ----
	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, repository.WithLogger(log))
	if err != nil {
		return fail(err)
	}
	machine, err := conversation.NewStateMachine(repo, log)
	if err != nil {
		return fail(err)
	}

	deps := usecase.Dependencies{
		Classifier:    classifier,
		Retriever:     retriever,
		Generator:     generator,
		Decider:       decider,
		Conversations: machine,
		Queue:         queue,
		Signals:       signals,
	}
	if cfg.MattermostURL != "" {
		mmToken, err := paramstore.NewToken(params, cfg.param("mattermost/token"))
		if err != nil {
			return fail(err)
		}
		mm, err := mattermost.NewClient(cfg.MattermostURL, cfg.MattermostChannel, mmToken)
		if err != nil {
			return fail(err)
		}
		deps.Notifier = mm
	}

	orch, err := usecase.NewOrchestrator(deps, usecase.Config{
		MaxMessageLen: cfg.MaxMessageLen,
		TopK:          cfg.TopK,
		HistoryTurns:  cfg.HistoryTurns,
	}, log)
	if err != nil {
		return fail(err)
	}
	h, err := handler.NewHandler(orch, handler.WithLogger(log))
	if err != nil {
		return fail(err)
	}
	sw, err := sweeper.New(machine, orch, sweeper.Config{
		IdleAfter:         cfg.IdleAfter,
		EscalationTimeout: cfg.EscalationTimeout,
	}, log, sweeper.WithPromoter(orch))
	if err != nil {
		return fail(err)
	}

	a.Orchestrator = orch
	a.Handler = h
	a.Sweeper = sw
	return a, nil
}

func optionalParam(ctx context.Context, getter paramstore.Getter, name string) (string, error) {
	v, err := getter.GetParameter(ctx, name)
	if errors.Is(err, paramstore.ErrNotFound) {
		return "", nil
	}
	return v, err
}
