// Sentinel orchestrator server - brokers completion requests through a pool
// of supervised agents and maintains the three-tier conversational memory.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/metacogna/sentinel/pkg/actor"
	"github.com/metacogna/sentinel/pkg/api"
	"github.com/metacogna/sentinel/pkg/auth"
	"github.com/metacogna/sentinel/pkg/config"
	"github.com/metacogna/sentinel/pkg/events"
	"github.com/metacogna/sentinel/pkg/llm/anthropic"
	"github.com/metacogna/sentinel/pkg/llm/openai"
	"github.com/metacogna/sentinel/pkg/memory"
	"github.com/metacogna/sentinel/pkg/orchestrator"
	"github.com/metacogna/sentinel/pkg/ports"
	"github.com/metacogna/sentinel/pkg/storage"
	"github.com/metacogna/sentinel/pkg/supervisor"
	"github.com/metacogna/sentinel/pkg/vector"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("SENTINEL_CONFIG", ""), "Path to configuration file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	keys, err := auth.LoadFromEnv(os.Environ(), !cfg.Auth.Require)
	if err != nil {
		slog.Error("Failed to load api keys", "error", err)
		os.Exit(1)
	}
	slog.Info("Api key store initialized", "keys", keys.Count())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := ports.SystemClock{}

	store, err := storage.Open(ctx, cfg.Storage.SummaryPath)
	if err != nil {
		slog.Error("Failed to open summary store", "error", err, "path", cfg.Storage.SummaryPath)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing summary store", "error", err)
		}
	}()
	slog.Info("Summary store ready", "path", cfg.Storage.SummaryPath)

	var index ports.VectorIndex
	if cfg.Vector.DSN != "" {
		qdrantIndex, err := vector.NewQdrantIndex(cfg.Vector.DSN, cfg.Vector.Collection)
		if err != nil {
			slog.Error("Failed to connect to vector index", "error", err)
			os.Exit(1)
		}
		defer qdrantIndex.Close()
		index = qdrantIndex
		slog.Info("Vector index ready", "backend", "qdrant", "collection", cfg.Vector.Collection)
	} else {
		index = vector.NewMemoryIndex()
		slog.Warn("No vector DSN configured, using in-process index (summaries will not survive restarts in long-term memory)")
	}
	if err := index.EnsureCollection(ctx, cfg.Vector.EmbeddingDim, cfg.Vector.Metric); err != nil {
		slog.Error("Failed to bootstrap vector collection", "error", err)
		os.Exit(1)
	}

	provider := anthropic.New(anthropic.Config{
		APIKey: os.Getenv("ANTHROPIC_API_KEY"),
	}, clock)
	embedder := openai.New(openai.Config{
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		BaseURL:    os.Getenv("OPENAI_BASE_URL"),
		Model:      os.Getenv("SENTINEL_EMBEDDING_MODEL"),
		Dimensions: cfg.Vector.EmbeddingDim,
	})

	bus := events.NewBus(events.DefaultBusCapacity)
	manager := memory.NewManager(store, index, embedder, clock,
		cfg.ShortTerm.MaxMessages, cfg.ShortTerm.MaxTokens, cfg.Consolidation.ThresholdTokens)
	consolidator := memory.NewConsolidator(manager, provider, store, index, embedder, clock, bus,
		memory.ConsolidatorConfig{
			Interval:         cfg.Consolidation.Interval,
			StepTimeout:      cfg.Consolidation.StepTimeout,
			MaxSummaryTokens: cfg.Consolidation.MaxSummaryTokens,
			Retention:        cfg.Consolidation.Retention,
		})

	sup := supervisor.New(provider, manager, clock, bus, consolidator, supervisor.Config{
		PoolTarget:         cfg.Agent.PoolTarget,
		PoolCap:            cfg.Agent.PoolCap,
		HealthInterval:     cfg.Supervisor.HealthInterval,
		ZombieThreshold:    cfg.Supervisor.ZombieThreshold,
		GracePeriod:        cfg.Supervisor.GracefulShutdown,
		MailboxCapacity:    cfg.Mailbox.Capacity,
		MailboxSendTimeout: cfg.Mailbox.SendTimeout,
		Actor: actorConfig(cfg),
	})
	if err := sup.Start(ctx); err != nil {
		slog.Error("Failed to start supervisor", "error", err)
		os.Exit(1)
	}

	// Drain the observability bus into the structured log.
	go logEvents(ctx, bus)

	// SIGHUP rotates the api key set without a restart.
	go reloadKeysOnSignal(ctx, keys)

	orch := orchestrator.New(sup, manager, consolidator, clock, cfg.Agent.RequestTimeout,
		func(ctx context.Context) bool {
			_, err := store.Health(ctx)
			return err == nil
		})

	server := &http.Server{
		Addr:    ":" + getEnv("SENTINEL_HTTP_PORT", "8080"),
		Handler: api.NewServer(orch, keys).Router(),
	}
	go func() {
		slog.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.GracefulShutdown+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	sup.Shutdown()
	slog.Info("Sentinel stopped")
}

func actorConfig(cfg *config.Config) actor.Config {
	return actor.Config{
		StepTimeout: cfg.Agent.StepTimeout,
		ContextBudget: memory.ContextBudget{
			RecentMessages: cfg.Agent.ContextRecent,
			LongTermHits:   cfg.Agent.ContextHits,
		},
	}
}

// logEvents writes every runtime event to the structured log.
func logEvents(ctx context.Context, bus *events.Bus) {
	for {
		ev, err := bus.Recv(ctx)
		if err != nil {
			return
		}
		slog.Info("Runtime event",
			"type", ev.Type, "agent_id", ev.Agent, "state", ev.State,
			"reason", ev.Reason, "at", ev.At)
	}
}

// reloadKeysOnSignal rotates api keys on SIGHUP.
func reloadKeysOnSignal(ctx context.Context, keys *auth.Store) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := keys.Reload(os.Environ()); err != nil {
				slog.Error("Api key reload failed, keeping previous set", "error", err)
			}
		}
	}
}
