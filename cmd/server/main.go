/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reconciliation engine server. Handles
  configuration, dependency injection, the background sweep and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional, parse errors logged) and the environment into config.Config
  2. Parse command-line flags (they override PORT and DB_PATH)
  3. Configure the global logger
  4. Initialize SQLite store and the ledger engine
  5. Start the reconciliation scheduler when enabled
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: PORT or 8080)
  -db      SQLite database path (default: DB_PATH or reconcile.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/reconcile.db"
  LOG_FORMAT=json SCHEDULER_INTERVAL=15m ./server -port=3000

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweep
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warp/reconcile-engine/api"
	"github.com/warp/reconcile-engine/config"
	"github.com/warp/reconcile-engine/ledger"
	"github.com/warp/reconcile-engine/logger"
	"github.com/warp/reconcile-engine/store/sqlite"
)

func main() {
	envErr := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logFile, err := logger.Setup(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	if envErr != nil {
		log.Warn().Err(envErr).Msg("ignoring .env file")
	}

	if err := run(cfg, *port, *dbPath); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, port int, dbPath string) error {
	mainLog := logger.WithComponent("main")

	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	engine := ledger.NewEngine(store, cfg.EngineConfig(), logger.WithComponent("ledger"))
	handler := api.NewHandler(engine, store, logger.WithComponent("api"))

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger.WithComponent("http"),
	})

	var scheduler *api.ReconciliationScheduler
	if cfg.SchedulerEnabled {
		scheduler = api.NewReconciliationScheduler(engine, handler.Runs, cfg.SchedulerInterval, logger.WithComponent("scheduler"))
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		mainLog.Info().Int("port", port).Str("db", dbPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if scheduler != nil {
			scheduler.Stop()
		}
		return fmt.Errorf("listen: %w", err)
	case sig := <-quit:
		mainLog.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	mainLog.Info().Msg("server stopped")
	return nil
}
