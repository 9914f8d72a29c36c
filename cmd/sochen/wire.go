package main

import (
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aretw0/sochen"
	"github.com/aretw0/sochen/internal/config"
	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/internal/metrics"
	memstore "github.com/aretw0/sochen/pkg/adapters/memory"
	"github.com/aretw0/sochen/pkg/adapters/process"
	"github.com/aretw0/sochen/pkg/adapters/redis"
	"github.com/aretw0/sochen/pkg/llm"
	anthropicllm "github.com/aretw0/sochen/pkg/llm/anthropic"
	openaillm "github.com/aretw0/sochen/pkg/llm/openai"
	"github.com/aretw0/sochen/pkg/memory"
	"github.com/aretw0/sochen/pkg/persistence/middleware"
	"github.com/aretw0/sochen/pkg/providers"
	"github.com/spf13/cobra"
)

// loadConfig applies the persistent flags on top of the config file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Storage.Dir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newEngine builds the engine described by cfg. The logger is returned so
// commands can report through it.
func newEngine(cmd *cobra.Command, cfg *config.Config, extra ...sochen.Option) (*sochen.Engine, *slog.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	workspace, _ := cmd.Flags().GetString("workspace")
	opts := []sochen.Option{
		sochen.WithLogger(logger),
		sochen.WithWorkspace(workspace),
		sochen.WithProject(cfg.Memory.Project),
		sochen.WithMaxIterations(cfg.Router.MaxIterations),
		sochen.WithFeedbackLimit(cfg.Router.MaxFeedbackBytes),
		sochen.WithRateLimit(cfg.Hub.RatePerSecond, cfg.Hub.Burst),
		sochen.WithModel(newModel(cfg.LLM)),
		sochen.WithMetrics(metrics.New()),
	}

	switch cfg.Storage.Backend {
	case "memory":
		// Graph and memories still persist under storage.dir.
		opts = append(opts, sochen.WithDir(cfg.Storage.Dir), sochen.WithStore(memstore.NewStore()))
	case "redis":
		rs := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redis.WithPrefix(cfg.Redis.Prefix), redis.WithTTL(cfg.Redis.TTL))
		if err := rs.Ping(cmd.Context()); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts, sochen.WithDir(cfg.Storage.Dir), sochen.WithStore(rs))
		if cfg.Redis.Locking {
			opts = append(opts, sochen.WithLocker(redis.NewLocker(rs.Client(), cfg.Redis.Prefix+"lock:")))
		}
	default:
		opts = append(opts, sochen.WithDir(cfg.Storage.Dir))
	}

	mws, err := storeMiddleware(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, sochen.WithStoreMiddleware(mws...))

	embedder, err := memory.NewEmbedder(memory.EmbedderConfig{
		BaseURL: cfg.Embedding.BaseURL,
		Model:   cfg.Embedding.Model,
		APIKey:  cfg.Embedding.APIKey,
	})
	if err != nil {
		logger.Warn("Memory store disabled", "error", err)
	} else {
		opts = append(opts, sochen.WithEmbedder(embedder, cfg.Memory.Dimension))
	}

	if cfg.Providers.CatalogPath != "" {
		catalog, err := providers.LoadCatalog(cfg.Providers.CatalogPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sochen.WithCatalog(catalog))
	}

	if cfg.Providers.ChecksPath != "" {
		checks, err := process.LoadChecks(cfg.Providers.ChecksPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sochen.WithChecks(checks...))
	}

	engine, err := sochen.New(append(opts, extra...)...)
	if err != nil {
		return nil, nil, err
	}
	return engine, logger, nil
}

// storeMiddleware redacts before it encrypts.
func storeMiddleware(cfg config.StorageConfig) ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if cfg.Redact {
		patterns := cfg.RedactPatterns
		if len(patterns) == 0 {
			patterns = middleware.DefaultSecretPatterns
		}
		mw, err := middleware.NewRedactionMiddleware(patterns)
		if err != nil {
			return nil, err
		}
		mws = append(mws, mw)
	}
	if cfg.EncryptionKey != "" {
		key, err := middleware.ParseKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		mw, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key})
		if err != nil {
			return nil, err
		}
		mws = append(mws, mw)
	}
	return mws, nil
}

func newModel(cfg config.LLMConfig) llm.Model {
	if cfg.Provider == "openai" {
		return openaillm.NewModel(func(o *openaillm.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.MaxCompletionTokens = cfg.MaxTokens
			o.Temperature = cfg.Temperature
		})
	}
	return anthropicllm.NewModel(func(o *anthropicllm.Options) {
		if cfg.Model != "" {
			o.Model = anthropic.Model(cfg.Model)
		}
		o.APIKey = cfg.APIKey
		o.BaseURL = cfg.BaseURL
		o.MaxTokens = cfg.MaxTokens
		o.Temperature = cfg.Temperature
	})
}
