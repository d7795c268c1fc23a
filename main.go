package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/auth"
	"github.com/fathomlab/fathom/internal/budget"
	"github.com/fathomlab/fathom/internal/circuitbreaker"
	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/embeddings"
	"github.com/fathomlab/fathom/internal/health"
	"github.com/fathomlab/fathom/internal/httpapi"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/metadata"
	"github.com/fathomlab/fathom/internal/policy"
	"github.com/fathomlab/fathom/internal/pricing"
	"github.com/fathomlab/fathom/internal/ratecontrol"
	"github.com/fathomlab/fathom/internal/search"
	"github.com/fathomlab/fathom/internal/session"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/templates"
	"github.com/fathomlab/fathom/internal/tracing"
	"github.com/fathomlab/fathom/internal/vectordb"
	"github.com/fathomlab/fathom/internal/workflows"
)

// promptsDir overrides built-in prompt templates when present.
const promptsDir = "config/prompts"

func main() {
	cfgPath := config.Resolve("")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger, logLevel, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()
	// Packages without an injected logger (pricing, ratecontrol) log through
	// the zap global.
	zap.ReplaceGlobals(logger)
	logger.Info("starting fathom",
		zap.String("environment", cfg.Environment),
		zap.String("config", cfgPath))

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	store, err := db.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer store.Close()

	// One breaker-wrapped Redis handle serves the session mirror, the health
	// probe, and the rate limiter. Everything stays in-process when Redis is
	// off.
	var redisWrap *circuitbreaker.RedisWrapper
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		redisWrap = circuitbreaker.NewRedisWrapper(redisClient, logger)
	}

	events := streaming.NewManager(cfg.Streaming.Capacity)
	if cfg.Streaming.Mirror && cfg.Redis.Enabled {
		// The stream mirror speaks go-redis v9; everything behind the
		// breaker wrapper stays on the v8 client above.
		mirrorClient := redisv9.NewClient(&redisv9.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer mirrorClient.Close()
		mirror := streaming.NewRedisMirror(mirrorClient, streaming.MirrorConfig{
			MaxLen: cfg.Streaming.MirrorMaxLen,
			TTL:    cfg.Streaming.MirrorTTL,
		}, logger)
		defer mirror.Close()
		events.AttachMirror(mirror)
	}

	var sessionMirror *session.Mirror
	if redisWrap != nil {
		sessionMirror = session.NewMirrorWithClient(redisWrap, cfg.Session.SummaryTTL, logger)
	}
	sessions := session.NewRegistry(session.Options{
		MaxResident: cfg.Session.MaxResident,
		Mirror:      sessionMirror,
	}, logger)
	defer sessions.Close()

	client, providers, err := buildClients(cfg.LLM, logger)
	if err != nil {
		logger.Fatal("configure llm providers", zap.Error(err))
	}

	registry := templates.NewRegistry()
	if _, err := os.Stat(promptsDir); err == nil {
		if err := registry.LoadDirectory(promptsDir); err != nil {
			logger.Warn("prompt overrides not loaded", zap.Error(err))
		}
	}

	coordinator := agents.NewCoordinator(client, registry, logger)
	planner := agents.NewPlanner(client, registry, logger)
	evaluator := agents.NewEvaluator(client, registry, logger)
	rapporteur := agents.NewRapporteur(client, registry, logger)

	gateway, vectorClient := buildGateway(cfg, logger)
	if vectorClient != nil {
		// An unreachable store only warns; a schema with the wrong vector
		// size would corrupt every upsert, so that one stops startup.
		vctx, vcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := vectorClient.ValidateDimensions(vctx); err != nil {
			vcancel()
			logger.Fatal("vector collection schema mismatch", zap.Error(err))
		}
		vcancel()
	}

	budgets := budget.NewManager(logger, budget.Options{
		TaskBudget:             cfg.Budget.TaskBudget,
		BackpressureThreshold:  cfg.Budget.BackpressureThreshold,
		MaxBackpressureDelayMs: cfg.Budget.MaxBackpressureDelayMs,
	})

	policies, err := policy.New(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("load policies", zap.Error(err))
	}

	engine := workflows.New(cfg.Engine, workflows.Deps{
		Planner:    planner,
		Evaluator:  evaluator,
		Rapporteur: rapporteur,
		Gateway:    gateway,
		Sessions:   sessions,
		Events:     events,
		Budget:     budgets,
		Policy:     policies,
		Recorder:   store,
	}, logger)

	checks := health.NewManager(logger)
	_ = checks.Register(health.NewDependency("database", true, store.Ping))
	if redisWrap != nil {
		_ = checks.Register(health.NewDependency("redis", false, func(ctx context.Context) error {
			// An open breaker already means Redis is down; skip the ping.
			if redisWrap.IsOpen() {
				return errors.New("redis circuit breaker open")
			}
			return redisWrap.Ping(ctx).Err()
		}))
	}
	if vectorClient != nil {
		_ = checks.Register(health.NewDependency("vectordb", false, vectorClient.Ping))
	}
	_ = checks.Register(health.NewCheckFunc("policy", false, func(context.Context) health.CheckResult {
		if cfg.Policy.Enabled && !policies.Enabled() {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "policy engine disabled after load failure",
			}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: "policy healthy"}
	}))

	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.Enabled && redisWrap != nil {
		limiter = httpapi.NewRateLimiter(redisWrap, cfg.RateLimit.PerMinute, logger)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Orchestrator: engine,
		Sessions:     sessions,
		Events:       events,
		Gateway:      gateway,
		Store:        store,
		Classifier:   coordinator,
		Policy:       policies,
		Auth:         auth.New(cfg.Auth, logger),
		Limiter:      limiter,
		Health:       health.NewHandler(checks, logger),
		Providers:    providers,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Info("api server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, cfg, logger)
		if err != nil {
			logger.Warn("config hot-reload unavailable", zap.Error(err))
		} else {
			watcher.OnChange(func(old, next *config.Config) {
				if old.Logging.Level != next.Logging.Level {
					if lvl, err := zap.ParseAtomicLevel(next.Logging.Level); err == nil {
						logLevel.SetLevel(lvl.Level())
						logger.Info("log level changed", zap.String("level", next.Logging.Level))
					}
				}
			})
			watcher.OnPolicyChange(func(path string) error {
				logger.Info("reloading policies", zap.String("file", path))
				return policies.Load()
			})
			watcher.OnFile("models.yaml", func() error {
				ratecontrol.Reload()
				pricing.Reload()
				return nil
			})
			watcher.OnFile("citation_credibility.yaml", func() error {
				metadata.ReloadCredibilityConfig()
				return nil
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("config hot-reload unavailable", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipelines did not drain", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.Encoding = cfg.Encoding
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, level, nil
}

// buildClients assembles the primary provider plus any fallbacks into one
// client, and the provider list the discovery endpoint reports.
func buildClients(cfg config.LLMConfig, logger *zap.Logger) (llm.Client, []httpapi.ProviderInfo, error) {
	primary, err := llm.New(cfg.ClientConfig(), logger)
	if err != nil {
		return nil, nil, err
	}
	clients := []llm.Client{primary}
	for _, fb := range cfg.Fallbacks {
		c, err := llm.New(fb.ClientConfig(), logger)
		if err != nil {
			logger.Warn("fallback provider skipped",
				zap.String("provider", fb.Provider),
				zap.Error(err))
			continue
		}
		clients = append(clients, c)
	}

	providers := make([]httpapi.ProviderInfo, 0, len(clients))
	for i, c := range clients {
		providers = append(providers, httpapi.ProviderInfo{
			Name:    c.Provider(),
			Model:   c.Model(),
			Default: i == 0,
		})
	}

	if len(clients) == 1 {
		return primary, providers, nil
	}
	chain, err := llm.NewFallback(logger, clients...)
	if err != nil {
		return nil, nil, err
	}
	return chain, providers, nil
}

// buildGateway registers every enabled evidence source. The vector client is
// returned separately so a health check can watch it.
func buildGateway(cfg *config.Config, logger *zap.Logger) (*search.Gateway, *vectordb.Client) {
	gw := search.NewGateway(logger)
	if cfg.Search.Tavily.Enabled {
		if cfg.Search.Tavily.APIKey == "" {
			logger.Warn("tavily source disabled, no api key")
		} else {
			gw.Register(search.NewTavily(cfg.Search.Tavily.SourceConfig(), logger))
		}
	}
	if cfg.Search.Arxiv.Enabled {
		gw.Register(search.NewArxiv(cfg.Search.Arxiv.SourceConfig(), logger))
	}
	if cfg.Search.MCP.Enabled {
		gw.Register(search.NewMCP(cfg.Search.MCP.SourceConfig(), logger))
	}

	var vectorClient *vectordb.Client
	if cfg.Vector.Enabled {
		vectorClient = vectordb.NewClient(cfg.Vector.ClientConfig(), logger)
	}
	if cfg.Search.Knowledge.Enabled && vectorClient != nil {
		var cache embeddings.EmbeddingCache
		if cfg.Embeddings.UseRedis && cfg.Redis.Enabled {
			if c, err := embeddings.NewRedisCache(cfg.Redis.Addr, logger); err == nil {
				cache = c
			} else {
				logger.Warn("embedding redis cache unavailable", zap.Error(err))
			}
		}
		embedder := embeddings.NewService(cfg.Embeddings.ClientConfig(cfg.Redis.Addr), cache, logger)
		gw.Register(search.NewKnowledge(
			cfg.Search.Knowledge.SourceConfig(cfg.Embeddings.Chunking()),
			embedder, vectorClient, logger))
	}
	return gw, vectorClient
}
