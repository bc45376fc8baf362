package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RAYMONDNJOROGE/uptime-final/internal/config"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/hotspot"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/httpserver"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/logging"
	apihandlers "github.com/RAYMONDNJOROGE/uptime-final/internal/managerapi/handlers"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/payment"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/routeros"
	"github.com/RAYMONDNJOROGE/uptime-final/internal/transaction"
)

func main() {
	appCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config load error: %v", err)
	}
	logging.Setup(cfg.LogLevel)

	if cfg.ManagerAPI.APIKeyHash == "" {
		slog.Warn("ADMIN_API_KEY_HASH not set; every API request will be refused")
	}

	plans, err := hotspot.LoadPlanTable(cfg.Provision.PlansFile)
	if err != nil {
		slog.Error("Plan table load error", slog.Any("error", err))
		os.Exit(1)
	}
	svc := hotspot.NewService(routeros.NewOpener(cfg.Router), plans)

	// Registration needs the shared database; the in-memory store would be
	// invisible to the gateway process.
	var (
		store  transaction.Store
		dbpool *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		slog.Info("Connecting to database...")
		dbpool, err = pgxpool.New(appCtx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("DB connect error", slog.Any("error", err))
			os.Exit(1)
		}
		defer dbpool.Close()
		if err := dbpool.Ping(appCtx); err != nil {
			slog.Error("DB ping error", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("Database connection established")
		store = transaction.NewPostgresStore(dbpool, cfg.DBLockTimeout)
	} else {
		slog.Warn("DATABASE_URL not set, registered transactions stay local to this process")
		store = transaction.NewMemoryStore(cfg.DBLockTimeout)
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := httpserver.NewEngine(cfg.HttpConfig.TrustedProxies)
	if err != nil {
		slog.Error("Invalid trusted proxy list", slog.Any("error", err))
		os.Exit(1)
	}

	router.GET("/health", func(c *gin.Context) {
		if dbpool != nil {
			if err := dbpool.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "db": "error"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	apiV1 := router.Group("/api/v1")
	apihandlers.SetupRoutes(apiV1, svc, payment.NewRegistrar(store, plans), cfg.ManagerAPI.APIKeyHash)

	srv := &http.Server{
		Addr:         cfg.ManagerAPI.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ManagerAPI.ReadTimeout,
		WriteTimeout: cfg.ManagerAPI.WriteTimeout,
		IdleTimeout:  cfg.ManagerAPI.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	go func() {
		slog.Info("Starting Management API Server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Management API ListenAndServe error", slog.Any("error", err))
			rootCancel()
		}
	}()

	<-appCtx.Done()
	slog.Info("Shutdown signal received for Management API server.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Management API server forced to shutdown", slog.Any("error", err))
	}
	slog.Info("Management API server stopped.")
}
