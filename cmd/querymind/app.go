package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/adapter"
	"github.com/IM-26-AI/QueryMind/pkg/completion"
	"github.com/IM-26-AI/QueryMind/pkg/config"
	"github.com/IM-26-AI/QueryMind/pkg/embedding"
	"github.com/IM-26-AI/QueryMind/pkg/evidence"
	"github.com/IM-26-AI/QueryMind/pkg/executor"
	"github.com/IM-26-AI/QueryMind/pkg/pipeline"
	"github.com/IM-26-AI/QueryMind/pkg/schemaindex"
)

// app holds the wired collaborators for one command invocation.
type app struct {
	cfg          *config.Config
	store        *schemaindex.Store
	db           *executor.DB
	orchestrator *pipeline.Orchestrator
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if adapterFlag != "" {
		cfg.Routing.Generate = config.RouteTarget{Adapter: adapterFlag, Model: modelFlag}
	} else if modelFlag != "" {
		cfg.Routing.Generate.Model = modelFlag
	}
	return cfg, nil
}

func createAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}

func openStore(cfg *config.Config) (*schemaindex.Store, error) {
	engine, err := embedding.NewEngine(cfg.Embedding, cfg.GoogleAPIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}
	opts := []schemaindex.Option{
		schemaindex.WithLogger(logger),
		schemaindex.WithConcurrency(cfg.Index.Concurrency),
	}
	if engine != nil {
		opts = append(opts, schemaindex.WithEngine(engine))
	}
	return schemaindex.Open(cfg.Index.Path, opts...)
}

func openDB(cfg *config.Config) (*executor.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is not configured (set DATABASE_URL)")
	}
	return executor.NewPostgres(cfg.DatabaseURL,
		executor.WithStatementTimeout(cfg.Timeouts.Statement),
		executor.WithLogger(logger)), nil
}

func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, verr := range cfg.Aliases.ValidateRoutingConfig(cfg.Routing) {
		logger.Warn("routing config", zap.Error(verr))
	}

	adapters, err := createAdapters(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}

	clientOpts := []completion.Option{
		completion.WithAliases(cfg.Aliases),
		completion.WithMaxTokens(cfg.Routing.MaxTokens),
		completion.WithLogger(logger),
	}
	generator, err := completion.New(adapters, cfg.Routing.Generate, cfg.Routing, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("generate route: %w", err)
	}
	narrator, err := completion.New(adapters, cfg.Routing.Narrate, cfg.Routing, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("narrate route: %w", err)
	}

	a := &app{cfg: cfg}
	a.store, err = openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.db, err = openDB(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithDialect(cfg.Dialect),
		pipeline.WithTimeouts(cfg.Timeouts),
		pipeline.WithEvidenceDir(cfg.EvidenceDir),
		pipeline.WithBudget(cfg.MaxBudgetUSD),
	}
	if cfg.EvidenceDir != "" && cfg.EvidenceKey != "" {
		signer, err := evidence.NewSigner(cfg.KeyDir(), cfg.EvidenceKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("evidence signer: %w", err)
		}
		opts = append(opts, pipeline.WithSigner(signer))
	}

	a.orchestrator, err = pipeline.New(pipeline.Dependencies{
		Index:     a.store,
		Generator: generator,
		Narrator:  narrator,
		Executor:  a.db,
	}, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Debug("pipeline ready",
		zap.String("generate", generator.Target().Adapter+"/"+generator.Target().Model),
		zap.String("narrate", narrator.Target().Adapter+"/"+narrator.Target().Model))
	return a, nil
}
