package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kilupskalvis/revec/internal/config"
	"github.com/kilupskalvis/revec/internal/embed"
	"github.com/kilupskalvis/revec/internal/engine"
	"github.com/kilupskalvis/revec/internal/index"
	"github.com/kilupskalvis/revec/internal/store"
	"github.com/kilupskalvis/revec/internal/weaviate"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Engine *engine.Engine
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Engine != nil {
		if err := c.Engine.Close(); err != nil {
			c.Logger.Warn("failed to close engine", slog.Any("error", err))
		}
	}
}

// initContext loads the config and opens the engine over the configured
// record store and index.
func initContext(ctx context.Context) *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		exitError("%v", err)
	}

	e, err := openEngine(ctx, cfg, logger)
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Engine: e, Logger: logger}
}

// newLogger builds the slog handler selected by the log settings.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

func openStore(cfg *config.Config) (store.RecordStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return store.NewSQLiteStore(cfg.DatabasePath(), cfg.Dimension)
	default:
		return store.NewBboltStore(cfg.DatabasePath(), cfg.Dimension)
	}
}

func openIndex(ctx context.Context, cfg *config.Config) (index.Index, error) {
	if cfg.Index.Kind != config.IndexWeaviate {
		return index.NewFlat(cfg.Dimension), nil
	}
	client, err := weaviate.NewClient(cfg.Index.WeaviateURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Weaviate: %w", err)
	}
	return weaviate.NewIndex(ctx, client, cfg.Index.WeaviateClass, cfg.Dimension)
}

func engineOptions(cfg *config.Config, logger *slog.Logger) engine.Options {
	base, maxDelay := cfg.RetryDelays()
	return engine.Options{
		Logger: logger,
		Retry: engine.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      base,
			MaxDelay:       maxDelay,
			JitterFraction: 0.2,
		},
		PurgeByDefault: !cfg.KeepHistory,
		QueryTimeout:   cfg.QueryTimeout(),
	}
}

// openEngine wires config to backend, index and engine. The flat index lives
// in process memory, so it is rebuilt from the store on every open; a
// Weaviate index persists and is used as is.
func openEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	idx, err := openIndex(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	opts := engineOptions(cfg, logger)
	if cfg.Index.Kind == config.IndexWeaviate {
		return engine.New(st, idx, opts), nil
	}
	e, err := engine.Open(ctx, st, idx, opts)
	if err != nil {
		idx.Close()
		st.Close()
		return nil, fmt.Errorf("failed to build index: %w", err)
	}
	return e, nil
}

// newEmbedder creates the text embedding provider. The API key comes from
// OPENAI_API_KEY, typically set in .env.
func newEmbedder(cfg *config.Config) (embed.Provider, error) {
	if cfg.Embedding.Provider != "" && cfg.Embedding.Provider != "openai" {
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	return embed.NewOpenAI(embed.OpenAIConfig{
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Dimension,
	})
}

// queryVector returns the vector given on the command line, or embeds text.
func queryVector(ctx context.Context, cfg *config.Config, vector, text string) ([]float32, error) {
	switch {
	case vector != "" && text != "":
		return nil, fmt.Errorf("use either --vector or --text, not both")
	case vector != "":
		return parseVector(vector)
	case text != "":
		p, err := newEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		return p.Embed(ctx, text)
	default:
		return nil, fmt.Errorf("one of --vector or --text is required")
	}
}
