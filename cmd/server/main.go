package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/handlers"
	"telemetry-pipeline/internal/services"
	"telemetry-pipeline/internal/store"
	"telemetry-pipeline/pkg/database"
	"telemetry-pipeline/pkg/logging"
	"telemetry-pipeline/pkg/metrics"
)

func main() {
	groupsPath := flag.String("groups", "groups.yaml", "path to the group configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	groupsCfg, err := config.LoadGroups(*groupsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load group configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewStructuredLogger("telemetry-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting telemetry API server", logging.Fields{
		"version":       "1.0.0",
		"server_port":   cfg.Server.Port,
		"store_backend": cfg.Store.Backend,
		"groups":        len(groupsCfg.Groups),
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("telemetry_pipeline")

	// Initialize the persistence reader for the configured backend
	var (
		reader store.Reader
		db     *database.DB
	)
	switch cfg.Store.Backend {
	case "sql":
		db, err = database.New(&database.Config{
			Driver:          cfg.Database.Driver,
			Path:            cfg.Database.Path,
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()
		reader = store.NewSQLBackend(db)
	case "file":
		fileBackend, err := store.NewFileBackend(cfg.Store.FileRoot)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to open file store", logging.Fields{
				"root": cfg.Store.FileRoot,
			}, err)
		}
		reader = fileBackend
	}

	// Initialize service and handler
	queryService := services.NewQueryService(reader, groupsCfg.Groups, logger, metricsCollector)
	handler := handlers.NewObservationHandler(queryService, db, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
