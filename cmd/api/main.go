package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cvtailor/internal/api"
	"cvtailor/internal/config"
	"cvtailor/internal/queue"
	"cvtailor/internal/ratelimit"
	"cvtailor/internal/storage"
	"cvtailor/internal/store"
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
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	blobs := newBlobStore(ctx, cfg, logger)
	auth := api.NewTokenAuthenticator(cfg.APITokens)

	server := api.New(cfg, st, q, limiter, blobs, auth, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
