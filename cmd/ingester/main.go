package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"telemetry-pipeline/internal/chronology"
	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/rules"
	"telemetry-pipeline/internal/services"
	"telemetry-pipeline/internal/store"
	"telemetry-pipeline/internal/temporal"
	"telemetry-pipeline/pkg/database"
	"telemetry-pipeline/pkg/logging"
	"telemetry-pipeline/pkg/metrics"
)

func main() {
	// Parse command-line flags
	dataDir := flag.String("data-dir", "./data", "Directory containing station data files")
	groupsPath := flag.String("groups", "groups.yaml", "Path to the group configuration file")
	modeFlag := flag.String("mode", "fill", "Merge mode: fill keeps existing cells, overwrite replaces them")
	workers := flag.Int("workers", 0, "Decode worker count (0 uses INGEST_WORKERS)")
	noCache := flag.Bool("no-cache", false, "Reprocess files even when unchanged since the last run")
	flag.Parse()

	// Load configuration. Configuration errors are the only fatal
	// condition: bad data files are skipped and reported, not fatal.
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

	var mode store.Mode
	switch *modeFlag {
	case "fill":
		mode = store.ModeFill
	case "overwrite":
		mode = store.ModeOverwrite
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode %q, expected fill or overwrite\n", *modeFlag)
		os.Exit(1)
	}

	if *workers <= 0 {
		*workers = cfg.Ingest.Workers
	}

	// Initialize logger
	logger := logging.NewStructuredLogger("telemetry-ingester", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[INGESTER_START] Starting telemetry ingestion", logging.Fields{
		"version":       "1.0.0",
		"data_dir":      *dataDir,
		"groups":        len(groupsCfg.Groups),
		"mode":          mode.String(),
		"workers":       *workers,
		"store_backend": cfg.Store.Backend,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("telemetry_ingester")

	// Initialize the persistence backend
	var backend store.Backend
	switch cfg.Store.Backend {
	case "sql":
		db, err := database.New(&database.Config{
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
			logger.Fatal(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()
		backend = store.NewSQLBackend(db)
	case "file":
		backend, err = store.NewFileBackend(cfg.Store.FileRoot)
		if err != nil {
			logger.Fatal(ctx, "[INGESTER_ERROR] Failed to open file store", logging.Fields{
				"root": cfg.Store.FileRoot,
			}, err)
		}
	}

	// Repair audit log
	var audit *chronology.AuditWriter
	if cfg.Ingest.AuditLog != "" {
		audit, err = chronology.NewAuditWriter(cfg.Ingest.AuditLog)
		if err != nil {
			logger.Fatal(ctx, "[INGESTER_ERROR] Failed to open repair audit log", logging.Fields{
				"path": cfg.Ingest.AuditLog,
			}, err)
		}
		defer audit.Close()
	}

	// Processed-file cache
	var cache services.ProcessedCache = services.NopCache{}
	if !*noCache && cfg.Ingest.CachePath != "" {
		fileCache, err := services.NewFileCache(cfg.Ingest.CachePath)
		if err != nil {
			logger.Warn(ctx, "[INGESTER_WARN] Cache unavailable, reprocessing everything", logging.Fields{
				"path":   cfg.Ingest.CachePath,
				"reason": err.Error(),
			})
		} else {
			cache = fileCache
		}
	}

	// Assemble the pipeline
	persister := store.NewPersister(backend, logger, metricsCollector)
	engine := rules.NewEngine(logger, metricsCollector, groupsCfg.Ranges)
	normalizer := temporal.NewNormalizer(logger)
	ingestion := services.NewIngestionService(
		persister, engine, normalizer, audit, cache, logger, metricsCollector, *workers)

	result, err := ingestion.Run(ctx, services.RunOptions{
		DataDir: *dataDir,
		Groups:  groupsCfg.Groups,
		Mode:    mode,
	})
	if err != nil {
		logger.Fatal(ctx, "[INGESTION_ERROR] Ingestion failed", logging.Fields{}, err)
	}

	// Print results
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INGESTION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:         %s\n", result.RunID)
	fmt.Printf("Files Read:     %d\n", result.FilesRead)
	fmt.Printf("Rows Decoded:   %d\n", result.RowsDecoded)
	fmt.Printf("Repair Blocks:  %d\n", result.RepairBlocks)
	fmt.Printf("Repaired Rows:  %d\n", result.RepairedRows)
	fmt.Printf("Dropped Rows:   %d\n", result.DroppedRows)
	fmt.Printf("Flagged Cells:  %d\n", result.FlaggedCells)
	fmt.Printf("Rows Written:   %d\n", result.RowsWritten)
	fmt.Printf("Groups Failed:  %d\n", result.GroupsFailed)
	fmt.Printf("Duration:       %v\n", result.Duration)

	if len(result.Skipped) > 0 {
		fmt.Printf("\nSkipped (%d):\n", len(result.Skipped))
		for i, msg := range result.Skipped {
			if i < 10 {
				fmt.Printf("  - %s\n", msg)
			}
		}
		if len(result.Skipped) > 10 {
			fmt.Printf("  ... and %d more\n", len(result.Skipped)-10)
		}
	}

	logger.Info(ctx, "[INGESTER_COMPLETE] Ingestion completed", logging.Fields{
		"run_id":           result.RunID,
		"files_read":       result.FilesRead,
		"rows_written":     result.RowsWritten,
		"groups_failed":    result.GroupsFailed,
		"duration_seconds": result.Duration.Seconds(),
	})
}
