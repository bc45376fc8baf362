package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/config"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/httpserver"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/notification"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/payment"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/ratelimit"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/workers"
)

const shutdownTimeout = 20 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel)

	plans, err := hotspot.LoadPlanTable(cfg.Provision.PlansFile)
	if err != nil {
		slog.Error("Failed to load plan table", slog.String("path", cfg.Provision.PlansFile), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Plan table loaded", slog.Any("plans", plans.Names()))

	svc := hotspot.NewService(routeros.NewOpener(cfg.Router), plans, hotspot.WithRetry(cfg.Provision.Attempts, cfg.Provision.RetryDelay))

	store, health, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open transaction store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	processor := payment.NewProcessor(store, svc, payment.WithAmountTolerance(cfg.Payment.AmountTolerance))
	limiter := ratelimit.New(1, cfg.Payment.StatusPollEvery)

	srv := httpserver.NewServer(cfg.HttpConfig, cfg.Payment, processor, store, limiter)
	srv.SetHealthCheck(health)

	mgr := workers.NewManager(store, svc, notification.NewLogNotifier(), limiter, workers.Config{
		ReconcileInterval:  cfg.WorkerConfig.ReconcileInterval,
		ReconcileAfter:     cfg.WorkerConfig.ReconcileAfter,
		ReconcileBatchSize: cfg.WorkerConfig.ReconcileBatchSize,
		OpsRecipient:       cfg.WorkerConfig.OpsRecipient,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe()
		if err != nil {
			return err
		}
		// A clean return before a signal still ends the process.
		stop()
		return nil
	})
	g.Go(func() error {
		err := mgr.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, draining gateway...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Gateway HTTP server forced to shutdown", slog.Any("error", err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Gateway stopped with error", slog.Any("error", err))
		closeStore()
		os.Exit(1)
	}
	slog.Info("Gateway stopped.")
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (transaction.Store, func(context.Context) error, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory transaction store; data is lost on restart")
		return transaction.NewMemoryStore(cfg.DBLockTimeout), nil, func() {}, nil
	}

	slog.Info("Connecting to database...")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	slog.Info("Database connection pool established")
	return transaction.NewPostgresStore(pool, cfg.DBLockTimeout), pool.Ping, pool.Close, nil
}
