// Recalld is the recall daemon: it keeps a semantic index of chat history
// in step with the message store and answers retrieval queries over HTTP.
//
// Configuration is read from a YAML file (default ~/.config/recall/config.yaml)
// with RECALL_* environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start with the default config file
//	recalld
//
//	# Use another file and override the port
//	RECALL_SERVER_PORT=9292 recalld -config ./recall.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/checkpoint"
	"github.com/fyrsmithlabs/recall/internal/config"
	"github.com/fyrsmithlabs/recall/internal/embeddings"
	recallhttp "github.com/fyrsmithlabs/recall/internal/http"
	"github.com/fyrsmithlabs/recall/internal/indexer"
	"github.com/fyrsmithlabs/recall/internal/logging"
	"github.com/fyrsmithlabs/recall/internal/reranker"
	"github.com/fyrsmithlabs/recall/internal/retriever"
	"github.com/fyrsmithlabs/recall/internal/router"
	"github.com/fyrsmithlabs/recall/internal/secrets"
	"github.com/fyrsmithlabs/recall/internal/source/natsfeed"
	"github.com/fyrsmithlabs/recall/internal/source/postgres"
	"github.com/fyrsmithlabs/recall/internal/telemetry"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/recall/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  recalld [-config path]   Start the recall daemon\n")
			fmt.Fprintf(os.Stderr, "  recalld version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("recalld: %v", err)
	}
}

func printVersion() {
	fmt.Printf("recalld by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled or the HTTP
// server fails.
func run(ctx context.Context, configPath string) error {
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, logger, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	}()

	logger.Info("starting recalld",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("vectorstore", cfg.VectorStore.Provider))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	server, err := recallhttp.NewServer(deps.httpDeps(tel), logger, &recallhttp.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if deps.indexer != nil {
		deps.indexer.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	logger.Info("recalld stopped")
	return nil
}

// initObservability builds telemetry and the logger. Telemetry logs through
// a stdout-only logger; when logging.otel is set the final logger also
// exports through the telemetry log provider.
func initObservability(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, *zap.Logger, error) {
	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	bootstrap, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version), bootstrap.Underlying())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	provider := tel.LoggerProvider()
	if !logCfg.Output.OTEL || provider == nil {
		return tel, bootstrap.Underlying(), nil
	}
	logger, err := logging.NewLogger(logCfg, provider)
	if err != nil {
		return nil, nil, fmt.Errorf("creating otel logger: %w", err)
	}
	return tel, logger.Underlying(), nil
}

// dependencies holds everything the daemon opens. Close releases them in
// reverse dependency order.
type dependencies struct {
	logger      *zap.Logger
	embedder    *embeddings.Embedder
	store       vectorstore.Store
	checkpoints *checkpoint.SQLiteStore
	source      *postgres.Source
	feed        *natsfeed.Feed
	indexer     *indexer.Indexer
	reranker    reranker.Reranker
	retriever   *retriever.Retriever
	strategy    *router.PatternStrategy
	enricher    *router.Enricher
	scrubber    secrets.Scrubber
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:       cfg.Embeddings.Provider,
		Model:          cfg.Embeddings.Model,
		Dimension:      cfg.Embeddings.Dimension,
		BaseURL:        cfg.Embeddings.BaseURL,
		APIKey:         cfg.Embeddings.APIKey.Value(),
		CacheDir:       cfg.Embeddings.CacheDir,
		QueryPrefix:    cfg.Embeddings.QueryPrefix,
		DocumentPrefix: cfg.Embeddings.DocumentPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	d.embedder, err = embeddings.New(provider, embeddings.Config{
		MinLength:       cfg.Embeddings.MinLength,
		MaxBatchSize:    cfg.Embeddings.MaxBatchSize,
		InterBatchDelay: cfg.Embeddings.InterBatchDelay.Duration(),
	}, logger.Named("embeddings"))
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	d.store, err = vectorstore.NewStore(ctx, cfg, d.embedder.Dimension(), logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	d.scrubber, err = initScrubber(cfg.Indexer)
	if err != nil {
		return nil, err
	}

	if cfg.Indexer.Enabled {
		if err := d.initIndexer(ctx, cfg); err != nil {
			return nil, err
		}
	} else {
		logger.Info("indexer disabled, serving the existing index read-only")
	}

	d.reranker, err = reranker.New(reranker.Config{
		Provider:          cfg.Retrieval.Rerank.Provider,
		Backend:           cfg.Retrieval.Rerank.Backend,
		Model:             cfg.Retrieval.Rerank.Model,
		BaseURL:           cfg.Retrieval.Rerank.BaseURL,
		APIKey:            cfg.Retrieval.Rerank.APIKey.Value(),
		RequestsPerSecond: cfg.Retrieval.Rerank.RequestsPerSecond,
		Timeout:           cfg.Retrieval.Rerank.Timeout.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating reranker: %w", err)
	}

	d.retriever, err = retriever.New(d.embedder, d.store, d.reranker, retriever.Config{
		MaxResults:       cfg.Retrieval.MaxResults,
		MinScore:         float32(cfg.Retrieval.MinScore),
		ContextWindow:    cfg.Retrieval.ContextWindow,
		FallbackUnscoped: cfg.Retrieval.FallbackUnscoped,
	}, logger.Named("retriever"))
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	d.strategy = router.NewPatternStrategy(cfg.Router.CacheSize,
		router.WithResolver(router.StaticResolver(cfg.Router.Aliases)))
	d.enricher = router.NewEnricher(d.strategy, d.retriever, logger.Named("router"),
		router.WithEnabled(cfg.Retrieval.Enabled))
	return d, nil
}

func initScrubber(cfg config.IndexerConfig) (secrets.Scrubber, error) {
	if !cfg.ScrubSecrets {
		return secrets.Noop{}, nil
	}
	scfg := secrets.DefaultConfig()
	scfg.Gitleaks = cfg.ScrubGitleaks
	if cfg.AllowListFile != "" {
		allow, err := secrets.LoadAllowList(cfg.AllowListFile)
		if err != nil {
			return nil, err
		}
		scfg.AllowList = allow
	}
	s, err := secrets.New(scfg)
	if err != nil {
		return nil, fmt.Errorf("creating secret scrubber: %w", err)
	}
	return s, nil
}

func (d *dependencies) initIndexer(ctx context.Context, cfg *config.Config) error {
	dsn := cfg.Source.Postgres.DSN.Value()
	if dsn == "" {
		return errors.New("indexer enabled but source.postgres.dsn is not set")
	}

	var err error
	d.checkpoints, err = checkpoint.NewSQLiteStore(cfg.StatePath(), d.logger.Named("checkpoint"))
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	d.source, err = postgres.New(ctx, postgres.Config{
		DSN:       dsn,
		Table:     cfg.Source.Postgres.Table,
		PageLimit: cfg.Source.Postgres.PageLimit,
	}, d.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("connecting to message store: %w", err)
	}

	opts := []indexer.Option{
		indexer.WithInterval(cfg.Indexer.Interval.Duration()),
		indexer.WithScopes(cfg.Indexer.Scopes...),
		indexer.WithScrubber(d.scrubber),
	}
	if cfg.Source.NATS.URL != "" {
		d.feed, err = natsfeed.New(natsfeed.Config{
			URL:     cfg.Source.NATS.URL,
			Subject: cfg.Source.NATS.Subject,
			Buffer:  cfg.Source.NATS.Buffer,
		}, d.logger.Named("natsfeed"))
		if err != nil {
			return fmt.Errorf("connecting deletion feed: %w", err)
		}
		opts = append(opts, indexer.WithDeletionFeed(d.feed))
	}

	d.indexer, err = indexer.New(d.source, d.embedder, d.store, d.checkpoints, d.logger.Named("indexer"), opts...)
	if err != nil {
		return fmt.Errorf("creating indexer: %w", err)
	}
	return nil
}

func (d *dependencies) httpDeps(tel *telemetry.Telemetry) recallhttp.Deps {
	deps := recallhttp.Deps{
		Retriever: d.retriever,
		Strategy:  d.strategy,
		Enricher:  d.enricher,
		Store:     d.store,
		Scrubber:  d.scrubber,
		Meter:     tel.Meter("github.com/fyrsmithlabs/recall/internal/http"),
	}
	// A nil *indexer.Indexer must not become a non-nil interface.
	if d.indexer != nil {
		deps.Indexer = d.indexer
	}
	return deps
}

// Close stops the indexer and releases every opened resource.
func (d *dependencies) Close() {
	if d.indexer != nil {
		d.indexer.Stop()
	}
	if d.reranker != nil {
		if err := d.reranker.Close(); err != nil {
			d.logger.Warn("closing reranker", zap.Error(err))
		}
	}
	if d.feed != nil {
		if err := d.feed.Close(); err != nil {
			d.logger.Warn("closing deletion feed", zap.Error(err))
		}
	}
	if d.source != nil {
		d.source.Close()
	}
	if d.checkpoints != nil {
		if err := d.checkpoints.Close(); err != nil {
			d.logger.Warn("closing checkpoint store", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing vector store", zap.Error(err))
		}
	}
	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			d.logger.Warn("closing embedder", zap.Error(err))
		}
	}
}
