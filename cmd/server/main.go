package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/config"
	"github.com/example/ride-hailing/internal/docstore"
	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/httpapi"
	"github.com/example/ride-hailing/internal/logging"
	"github.com/example/ride-hailing/internal/payments"
	"github.com/example/ride-hailing/internal/ride"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.StoreBackend == config.BackendPostgres && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		logger.Error("store init failed", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var publisher ride.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer
	}

	var processor payments.Processor
	if cfg.StripeAPIKey != "" {
		processor = payments.NewStripeProcessor(cfg.StripeAPIKey)
	}

	fb, err := auth.NewFirebaseVerifier(context.Background())
	if err != nil {
		logger.Warn("firebase verifier unavailable", "error", err)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Store:    store,
		Auth:     auth.NewService(store, []byte(cfg.JWTSecret), cfg.TokenTTL),
		Firebase: fb,
		Events:   publisher,
		Payments: processor,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("ride-hailing api listening", "addr", cfg.HTTPAddr, "backend", cfg.StoreBackend)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func buildStore(cfg config.ServerConfig) (docstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		s := docstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		return s, func() { _ = s.Close() }, nil
	case config.BackendPostgres:
		s, err := docstore.NewPostgresStore(cfg.PGDSN, cfg.PGPollInterval)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s := docstore.NewMemoryStore()
		return s, func() { _ = s.Close() }, nil
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_documents.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_documents.sql")
}
