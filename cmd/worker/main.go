package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"cvtailor/internal/ai"
	"cvtailor/internal/config"
	"cvtailor/internal/queue"
	"cvtailor/internal/storage"
	"cvtailor/internal/store"
	"cvtailor/internal/telemetry"
	"cvtailor/internal/worker"
	"cvtailor/pkg/log"
)

func main() {
	cfg := config.Load()
	logger := log.Init(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	q := queue.New(cfg)
	if err := q.Ping(ctx); err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}

	blobs := newBlobStore(ctx, cfg, logger)

	optimizer := worker.NewOptimizer(worker.OptimizerParams{
		Store:         st,
		Analyzer:      ai.NewOpenAIAnalyzer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.AnalyzeTimeout),
		Generator:     ai.NewMistralGenerator(cfg.MistralAPIKey, cfg.MistralBaseURL, cfg.MistralModel, cfg.GenerateTimeout),
		Limiter:       ai.NewLimiter(cfg.AIMaxConcurrent),
		Blobs:         blobs,
		Logger:        logger,
		CVChunkSize:   cfg.CVChunkSize,
		DescChunkSize: cfg.JobDescChunkSize,
	})
	processor := worker.NewProcessor(cfg, q, st, optimizer, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout))
	if err := processor.Run(ctx); err != nil {
		logger.Warn("worker stopped", zap.Error(err))
	}
}

func newBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) storage.BlobStore {
	if cfg.S3Bucket != "" {
		s3, err := storage.NewS3Store(ctx, cfg)
		if err != nil {
			logger.Fatal("init s3 storage", zap.Error(err))
		}
		return s3
	}
	logger.Warn("s3 not configured, using local storage", zap.String("dir", cfg.LocalStorageDir))
	return storage.NewLocalStore(cfg.LocalStorageDir)
}
