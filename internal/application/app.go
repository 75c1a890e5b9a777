package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
	"github.com/vicw/vicw/internal/domain/service"
	"github.com/vicw/vicw/internal/infrastructure/config"
	"github.com/vicw/vicw/internal/infrastructure/embedding"
	"github.com/vicw/vicw/internal/infrastructure/llm"
	"github.com/vicw/vicw/internal/infrastructure/store"
	httpServer "github.com/vicw/vicw/internal/interfaces/http"
)

// App is the dependency container. NewApp wires the stores, the cold
// path, and the hot path; Start brings up the background loops and the
// HTTP listener; Stop unwinds in reverse order.
type App struct {
	config *config.Config
	logger *zap.Logger

	// infrastructure
	redis  *store.RedisStore
	qdrant *store.QdrantIndex
	neo4j  *store.Neo4jGraph

	// domain services
	queue        *service.OffloadQueue
	extractor    *service.Extractor
	states       *service.StateExtractor
	worker       *service.IngestionWorker
	consolidator *service.Consolidator
	retriever    *service.HybridRetriever
	boredom      *service.BoredomTracker
	contexts     *service.ContextManager
	guard        *service.EchoGuard

	// application + interfaces
	chat       *ChatService
	httpServer *httpServer.Server

	cancelBackground context.CancelFunc
}

func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	if err := app.initStores(ctx); err != nil {
		return nil, fmt.Errorf("init stores: %w", err)
	}
	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("init domain services: %w", err)
	}
	app.initInterfaces()
	return app, nil
}

func (a *App) initStores(ctx context.Context) error {
	cfg := a.config

	redis, err := store.NewRedisStore(ctx, store.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		ChunkTTL: cfg.Redis.ChunkTTL,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = redis

	qdrant, err := store.NewQdrantIndex(ctx, store.QdrantOptions{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
		Dimension:  cfg.Embedding.Dimension,
	}, a.logger)
	if err != nil {
		return err
	}
	a.qdrant = qdrant

	neo4j, err := store.NewNeo4jGraph(ctx, store.Neo4jOptions{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
	}, a.logger)
	if err != nil {
		return err
	}
	a.neo4j = neo4j
	return nil
}

func (a *App) initDomainServices() error {
	cfg := a.config

	embedder, err := embedding.NewOllamaEmbedder(
		cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimension, a.logger)
	if err != nil {
		return err
	}

	chatModel := llm.NewOpenAIClient(llm.ClientConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, a.logger)

	a.queue = service.NewOffloadQueue(cfg.Memory.MaxQueueSize, a.logger)
	a.extractor = service.NewExtractor(chatModel, cfg.LLM.Temperature, cfg.LLM.MaxTokens, a.logger)

	a.states = service.NewStateExtractor(a.logger)
	if cfg.State.PatternFile != "" {
		if err := a.states.LoadFile(cfg.State.PatternFile); err != nil {
			a.logger.Warn("State pattern file not loaded, using defaults", zap.Error(err))
		}
	}

	a.worker = service.NewIngestionWorker(
		a.queue, a.extractor, a.redis, a.qdrant, a.neo4j, embedder,
		service.WorkerConfig{
			Workers:   cfg.ColdPath.Workers,
			BatchSize: cfg.ColdPath.BatchSize,
		}, a.logger,
	).WithStateExtractor(a.states)

	a.consolidator = service.NewConsolidator(a.neo4j, a.extractor, embedder, a.qdrant,
		service.ConsolidatorConfig{
			Interval:     cfg.Sleep.Interval,
			AgeThreshold: cfg.Sleep.AgeThreshold,
			GroupSize:    cfg.Sleep.GroupSize,
		}, a.logger)

	a.retriever = service.NewHybridRetriever(a.extractor, embedder, a.qdrant, a.neo4j, a.redis,
		service.RetrieverConfig{
			TopKSemantic:   cfg.RAG.TopKSemantic,
			TopKRelational: cfg.RAG.TopKRelational,
			ScoreFloor:     float32(cfg.RAG.ScoreThreshold),
		}, a.logger)

	limits := map[memory.StateType]int{}
	for name, n := range cfg.State.InjectionLimits {
		limits[memory.StateType(name)] = n
	}
	a.boredom = service.NewBoredomTracker(a.neo4j, limits, cfg.State.BoredomThreshold, a.logger)

	a.contexts = service.NewContextManager(service.ContextConfig{
		MaxContextTokens:    cfg.Memory.MaxContextTokens,
		OffloadThreshold:    cfg.Memory.OffloadRatio,
		TargetAfterRelief:   cfg.Memory.TargetRatio,
		HysteresisThreshold: cfg.Memory.HysteresisRatio,
	}, a.queue, a.retriever, a.boredom, memory.WordEstimator{}, a.logger)

	a.guard = service.NewEchoGuard(chatModel, embedder, a.redis, service.EchoGuardConfig{
		Enabled:               cfg.Echo.Enabled,
		SimilarityThreshold:   float32(cfg.Echo.SimilarityThreshold),
		MaxAttempts:           cfg.Echo.MaxAttempts,
		StripContextOnAttempt: cfg.Echo.StripOnAttempt,
		HistorySize:           cfg.Echo.HistorySize,
		Temperature:           cfg.LLM.Temperature,
		MaxTokens:             cfg.LLM.MaxTokens,
	}, a.logger)

	a.chat = NewChatService(a.contexts, a.guard, a.worker, a.queue, a.logger).
		WithVectorIndex(a.qdrant)
	return nil
}

func (a *App) initInterfaces() {
	a.httpServer = httpServer.NewServer(httpServer.Config{
		Host:  a.config.Server.Host,
		Port:  a.config.Server.Port,
		Mode:  a.config.Server.Mode,
		Model: a.config.LLM.Model,
	}, a.chat, a, a.logger)
}

// Chat exposes the chat service for the CLI.
func (a *App) Chat() *ChatService { return a.chat }

// Health pings every backing store. Implements the HTTP layer's
// health source.
func (a *App) Health(ctx context.Context) map[string]string {
	out := map[string]string{}
	check := func(name string, err error) {
		if err != nil {
			out[name] = "down: " + err.Error()
		} else {
			out[name] = "ok"
		}
	}
	check("redis", a.redis.Ping(ctx))
	_, qerr := a.qdrant.CollectionInfo(ctx)
	check("qdrant", qerr)
	check("neo4j", a.neo4j.Ping(ctx))
	return out
}

// Start brings up the cold path, the sleep cycle, and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.Background())
	a.cancelBackground = cancel

	a.worker.Start(bg)
	a.consolidator.Start(bg)
	if a.config.State.PatternFile != "" {
		if err := a.states.Watch(bg, a.config.State.PatternFile); err != nil {
			a.logger.Warn("State pattern watch failed", zap.Error(err))
		}
	}
	if err := a.httpServer.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("Application started",
		zap.String("addr", fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)),
		zap.Int("max_context_tokens", a.config.Memory.MaxContextTokens),
	)
	return nil
}

// Stop shuts everything down in reverse order of startup.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if err := a.httpServer.Stop(ctx); err != nil {
		firstErr = err
	}
	a.consolidator.Stop()
	a.worker.Stop()
	if a.cancelBackground != nil {
		a.cancelBackground()
	}

	if err := a.neo4j.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.qdrant.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	// Give in-flight ingestion goroutines a moment before process exit.
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}
	a.logger.Info("Application stopped")
	return firstErr
}
