package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/holmes89/harbor-seal/lib/blob"
	"github.com/holmes89/harbor-seal/lib/config"
	"github.com/holmes89/harbor-seal/lib/docproc"
	"github.com/holmes89/harbor-seal/lib/document"
	"github.com/holmes89/harbor-seal/lib/embedding"
	"github.com/holmes89/harbor-seal/lib/handlers/rest"
	"github.com/holmes89/harbor-seal/lib/index"
	"github.com/holmes89/harbor-seal/lib/metrics"
	"github.com/holmes89/harbor-seal/lib/rag"
	"github.com/holmes89/harbor-seal/lib/repo"
	"github.com/holmes89/harbor-seal/lib/repo/vector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := repo.NewDatabase(cfg.DatabaseURL, logger, true)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	bucket, err := blob.OpenBucket(ctx, cfg.BlobBucketURL)
	if err != nil {
		return fmt.Errorf("open blob bucket: %w", err)
	}
	defer bucket.Close()

	embedder, err := embedding.NewOllama(cfg.OllamaHost, cfg.EmbeddingModel, cfg.EmbedTimeout)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}

	llm, err := ollama.New(
		ollama.WithModel(cfg.LLMModel),
		ollama.WithServerURL(cfg.OllamaHost),
	)
	if err != nil {
		return fmt.Errorf("init llm: %w", err)
	}

	var cache rag.Cache = rag.NoopCache{}
	if cfg.RedisURL != "" {
		redisCache, err := rag.NewRedisCache(cfg.RedisURL, cfg.AnswerCacheTTL, logger)
		if err != nil {
			return fmt.Errorf("init answer cache: %w", err)
		}
		cache = redisCache
		logger.Info("answer cache enabled")
	}

	documents := &repo.DocumentRepo{Conn: store}
	chunks := vector.NewChunkRepo(store)
	locks := index.NewLocks()
	chunker := docproc.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)

	documentService := document.NewService(documents, chunks, bucket, locks, cache, cfg.MaxUploadBytes, cfg.IndexingStaleAfter, logger)
	indexService := index.NewService(documents, chunks, bucket, embedder, chunker, locks, cache, cfg.UpsertBatchSize, cfg.IndexingStaleAfter, logger)
	askService := rag.NewService(documents, chunks, embedder, llm, cache, cfg.TopKDefault, cfg.TopKMax, cfg.GenerateTimeout, logger)

	mux := rest.NewHandler(documentService, indexService, askService, logger).SetupRoutes()

	var handler http.Handler = mux
	handler = metrics.Middleware(handler)
	handler = otelhttp.NewHandler(handler, "harbor-seal")
	handler = rest.LoggingMiddleware(logger, handler)
	handler = rest.RecoverMiddleware(logger, handler)
	handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	}).Handler(handler)

	errs := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("port", cfg.Port))
		errs <- http.ListenAndServe(
			":"+cfg.Port,
			// h2c serves HTTP/2 without TLS.
			h2c.NewHandler(handler, &http2.Server{}),
		)
	}()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errs <- fmt.Errorf("%s", <-c)
	}()

	logger.Info("terminated", zap.Error(<-errs))
	return nil
}
