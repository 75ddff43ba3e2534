package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/db"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/database"
	"github.com/quarrylabs/quarry/internal/graph"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/llm"
	"github.com/quarrylabs/quarry/internal/message"
	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/router"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	client, err := llm.New(llm.Config{
		Genkit:    g,
		ModelName: cfg.FullModelName(),
		Logger:    logger.With("component", "llm"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}

	deps := pipeline.Deps{
		LLM:      client,
		Vector:   knowledge.New(pool, embedder, cfg.Pipeline.RetrievalTopK, logger.With("component", "knowledge")),
		Graph:    graph.New(pool, logger.With("component", "graph")),
		Messages: message.New(pool, logger.With("component", "message")),
		Logger:   logger.With("component", "pipeline"),
	}

	if cfg.Pipeline.DatabaseRouting {
		deps.Router = provideRouter(cfg, client, logger)
		deps.SQLGen = llm.NewSQLGenerator(client)

		connectors, connPools, err := provideConnectors(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		deps.Connectors = connectors
		a.connPools = connPools
	}

	pipe, err := pipeline.New(pipeline.Config{
		RefineQuestion:     cfg.Pipeline.RefineQuestion,
		ClarifyCheck:       cfg.Pipeline.ClarifyCheck,
		DatabaseRouting:    cfg.Pipeline.DatabaseRouting,
		GenerateTitle:      cfg.Pipeline.GenerateTitle,
		Descriptors:        cfg.Connections,
		CapabilityTimeout:  time.Duration(cfg.Pipeline.CapabilityTimeout) * time.Second,
		SynthesisTimeout:   time.Duration(cfg.Pipeline.SynthesisTimeout) * time.Second,
		MaxQueryRows:       cfg.Pipeline.MaxQueryRows,
		HistoryTokenBudget: cfg.Pipeline.HistoryTokenBudget,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	a.Pipeline = pipe

	return a, nil
}

// provideGenkit initializes Genkit with the configured AI provider plugin.
// Supports gemini (default), ollama, and openai providers.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, error) {
	promptDir := cfg.PromptDir
	if promptDir == "" {
		promptDir = "prompts"
	}

	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx,
			genkit.WithPlugins(ollamaPlugin),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery)
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		// Register embedder for retrieval
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		slog.Info("initialized Genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx,
			genkit.WithPlugins(&openai.OpenAI{}),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		slog.Info("initialized Genkit with openai provider", "model", cfg.ModelName)

	default: // "gemini"
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithPromptDir(promptDir),
		)
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		slog.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the AI provider plugin.
// Each provider registers embedders differently:
//   - gemini: GoogleAIEmbedder(g, modelName)
//   - ollama: registered in provideGenkit, keyed by server address
//   - openai: auto-registered in Init(), looked up by model name
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default: // "gemini"
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideDBPool creates the primary PostgreSQL pool and runs migrations.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	return pool, nil
}

// provideRouter builds the router from routing configuration, optionally
// with the LLM-assisted scorer.
func provideRouter(cfg *config.Config, client *llm.Client, logger *slog.Logger) *router.Router {
	var scorer router.Scorer
	if cfg.Routing.LLMAssist {
		scorer = llm.NewRouterScorer(client)
	}
	return router.New(router.Config{
		Strategy:  router.Strategy(cfg.Routing.Strategy),
		Fallback:  router.Fallback(cfg.Routing.Fallback),
		Threshold: cfg.Routing.Threshold,
		TopN:      cfg.Routing.TopN,
	}, scorer, logger.With("component", "router"))
}

// provideConnectors opens one pool per enabled connection descriptor with a
// DSN. Descriptors without a DSN are routable but not executable; queries
// against them fail at execution time with a clear error.
func provideConnectors(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]pipeline.DatabaseConnector, map[string]*pgxpool.Pool, error) {
	connectors := make(map[string]pipeline.DatabaseConnector, len(cfg.Connections))
	pools := make(map[string]*pgxpool.Pool, len(cfg.Connections))

	for _, d := range cfg.Connections {
		if !d.Enabled || d.DSN == "" {
			continue
		}
		pool, err := database.NewPool(ctx, d.DSN)
		if err != nil {
			for _, p := range pools {
				p.Close()
			}
			return nil, nil, fmt.Errorf("connecting %q: %w", d.ID, err)
		}
		pools[d.ID] = pool
		connectors[d.ID] = database.NewConnector(d.ID, pool, logger.With("connection_id", d.ID))
	}

	return connectors, pools, nil
}
