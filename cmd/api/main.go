package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"manuscript/api/internal/app"
	"manuscript/api/internal/authpw"
	"manuscript/api/internal/booklock"
	"manuscript/api/internal/config"
	"manuscript/api/internal/dispatch"
	"manuscript/api/internal/email"
	"manuscript/api/internal/export"
	"manuscript/api/internal/extraction"
	"manuscript/api/internal/history"
	"manuscript/api/internal/jobs"
	"manuscript/api/internal/logging"
	"manuscript/api/internal/objectstore"
	"manuscript/api/internal/patterndetect"
	"manuscript/api/internal/search"
	"manuscript/api/internal/session"
	"manuscript/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)

	objects, err := openObjectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer redisStore.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	go searchService.ReindexAllFromPG(ctx)

	pool := jobs.New(jobs.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.WorkerQueue,
		Timeout:   cfg.JobTimeout,
	}, logger)

	deps := app.Deps{
		Store:    dataStore,
		Sessions: redisStore,
		Objects:  objects,
		Locks:    booklock.New(redisStore.Client(), cfg.LockTTL),
		History:  history.New(cfg.ReposDir),
		Jobs:     pool,
		Queue:    dispatch.NewQueue(redisStore.Client(), ""),
		Search:   searchService,
		Exporter: export.NewService(logger, cfg.ExportTimeout),
		Mailer:   email.NewService(cfg.SMTP, logger),
		Auth:     authpw.NewService(dataStore, logger),
		Logger:   logger,
	}

	if strings.TrimSpace(cfg.MinerU.APIKey) != "" {
		deps.Extractor = extraction.NewExtractor(
			extraction.NewClient(cfg.MinerU.BaseURL, cfg.MinerU.APIKey),
			objects, dataStore, logger,
			extraction.Options{
				PollInterval: cfg.MinerU.PollInterval,
				MaxWait:      cfg.MinerU.MaxWait,
				PresignTTL:   cfg.Storage.PresignTTL,
			},
		)
	} else {
		logger.Warn("MINERU_API_KEY not set, PDF extraction disabled")
	}

	if strings.TrimSpace(cfg.Gemini.APIKey) != "" {
		generator, err := patterndetect.NewGeminiGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return err
		}
		deps.Detector = patterndetect.New(generator)
	} else {
		logger.Warn("GEMINI_API_KEY not set, pattern detection disabled")
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("manuscript API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("job pool shutdown", zap.Error(err))
	}
	return nil
}

func openObjectStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (objectstore.Store, error) {
	if cfg.StorageDriver == "memory" {
		logger.Warn("using in-memory object storage, uploads are lost on restart")
		return objectstore.NewMemoryStore(), nil
	}
	minioStore, err := objectstore.NewMinioStore(objectstore.MinioConfig{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("object storage unavailable: %w", err)
	}
	return minioStore, nil
}
