package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"commercepay/internal/checkout"
	checkoutapi "commercepay/internal/checkout/api"
	"commercepay/internal/common/database"
	"commercepay/internal/common/middleware"
	"commercepay/internal/common/nats"
	"commercepay/internal/gateway"
	"commercepay/internal/payments"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	// CORSOrigins is a comma-separated list of storefront origins.
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"*"`

	Database database.Config
	NATS     nats.Config
	Payments payments.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Run migrations before opening the pool
	if err := database.Migrate(database.MigrationsFS, "migrations", cfg.Database.URL, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS; the service degrades to log-only events without it
	var publisher payments.Publisher
	nc, err := nats.New(cfg.NATS, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "error", err)
	} else {
		defer nc.Close()
		publisher = nc
	}

	// Create stores
	txnStore := payments.NewPostgresStore(db.Pool())
	configStore := gateway.NewPostgresConfigStore(db.Pool())
	sessionStore := checkout.NewPostgresSessionStore(db.Pool())
	cartStore := checkout.NewPostgresCartStore(db.Pool())
	orderStore := checkout.NewPostgresOrderStore(db.Pool())
	leadStore := checkout.NewPostgresLeadStore(db.Pool())

	// Create services
	registry := gateway.NewRegistry(configStore, nil, logger)
	paymentService := payments.NewService(txnStore, registry, publisher, cfg.Payments, logger)

	checkoutCfg, err := checkout.LoadConfig()
	if err != nil {
		logger.Error("failed to load checkout config", "error", err)
		os.Exit(1)
	}
	var checkoutPub checkout.Publisher
	if nc != nil && publisher != nil {
		checkoutPub = nc
	}
	checkoutService := checkout.NewService(
		sessionStore, cartStore, orderStore, leadStore,
		paymentService, checkoutPub, logger, checkoutCfg,
	)

	// Create handlers
	handler := checkoutapi.NewHandler(checkoutService, paymentService, registry, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.CORS(strings.Split(cfg.CORSOrigins, ",")))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireTenant)
		handler.Routes(r)
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
