package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/dispatch-core/internal/config"
	"github.com/example/dispatch-core/internal/dispatch"
	"github.com/example/dispatch-core/internal/geo"
	httpapi "github.com/example/dispatch-core/internal/http"
	"github.com/example/dispatch-core/internal/ingest"
	"github.com/example/dispatch-core/internal/logging"
	"github.com/example/dispatch-core/internal/params"
	"github.com/example/dispatch-core/internal/payments"
	"github.com/example/dispatch-core/internal/registry"
	"github.com/example/dispatch-core/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var gi geo.Index
	if cfg.RedisAddr != "" {
		gi = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.LocationFreshness)
	} else {
		gi = geo.NewMemoryIndex(cfg.LocationFreshness)
	}

	var trips storage.TripStore
	var pool registry.DriverPool = registry.NewPool()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := applyMigrations(ps); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		trips = ps
		// shared deployments claim drivers through the database so every
		// engine instance sees the same reservations
		pool = registry.NewPostgresRegistryFromDB(ps.DB())
	} else {
		trips = storage.NewMemoryStore()
	}

	paramStore, err := params.NewStore(cfg.Matching)
	if err != nil {
		logger.Error("invalid matching parameters", "error", err)
		os.Exit(1)
	}

	hub := dispatch.NewWSNotifier(cfg.PushEndpoint)
	engine := dispatch.New(gi, pool, trips, paramStore, hub, logger, dispatch.Options{
		CandidateListTTL: cfg.CandidateListTTL,
	})
	if cfg.StripeAPIKey != "" {
		engine.WithPayments(payments.NewStripeClient(cfg.StripeAPIKey))
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, gi, pool, trips, paramStore, producer, hub, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch-core listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func applyMigrations(ps *storage.PostgresStore) error {
	entries, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := ps.DB().Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}
