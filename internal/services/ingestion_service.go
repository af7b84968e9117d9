package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"telemetry-pipeline/internal/chronology"
	"telemetry-pipeline/internal/decoder"
	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/internal/rules"
	"telemetry-pipeline/internal/store"
	"telemetry-pipeline/internal/temporal"
	"telemetry-pipeline/pkg/logging"
	"telemetry-pipeline/pkg/metrics"
)

// IngestionService drives the full pipeline: discovery, parallel
// decode, chronology repair, temporal normalization, rule evaluation
// and persistence, per group.
type IngestionService struct {
	persister  *store.Persister
	engine     *rules.Engine
	normalizer *temporal.Normalizer
	audit      *chronology.AuditWriter
	cache      ProcessedCache
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
	workers    int
}

// NewIngestionService wires the pipeline stages together. audit may be
// nil to disable the persistent repair log; pass a NopCache to force
// reprocessing of unchanged files.
func NewIngestionService(
	persister *store.Persister,
	engine *rules.Engine,
	normalizer *temporal.Normalizer,
	audit *chronology.AuditWriter,
	cache ProcessedCache,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
	workers int,
) *IngestionService {
	if workers < 1 {
		workers = 1
	}
	return &IngestionService{
		persister:  persister,
		engine:     engine,
		normalizer: normalizer,
		audit:      audit,
		cache:      cache,
		logger:     logger,
		metrics:    metricsCollector,
		workers:    workers,
	}
}

// RunOptions parameterizes one ingestion run.
type RunOptions struct {
	DataDir string
	Groups  []*models.Group
	Mode    store.Mode
}

// RunResult contains per-stage statistics for one run.
type RunResult struct {
	RunID        string
	FilesRead    int
	RowsDecoded  int
	RepairBlocks int
	RepairedRows int
	DroppedRows  int
	FlaggedCells int
	SkippedRules int
	RowsWritten  int
	GroupsFailed int
	Skipped      []string
	Duration     time.Duration
}

// Run executes the pipeline over a finite file set, to completion.
// Groups fail independently: a failed group is reported in the result
// and never stops its siblings. The returned error is non-nil only
// when the run as a whole produced nothing.
func (s *IngestionService) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	startTime := time.Now()
	result := &RunResult{RunID: uuid.NewString()}
	ctx = logging.WithRunID(ctx, result.RunID)

	if len(opts.Groups) == 0 {
		return nil, fmt.Errorf("no groups configured")
	}

	s.logger.Info(ctx, "[RUN_START] Starting ingestion run", logging.Fields{
		"data_dir": opts.DataDir,
		"groups":   len(opts.Groups),
		"mode":     opts.Mode.String(),
		"workers":  s.workers,
		"stage":    "INITIALIZATION",
	})

	claimed, err := s.Discover(ctx, opts.DataDir, opts.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files in %s: %w", opts.DataDir, err)
	}

	groups := append([]*models.Group(nil), opts.Groups...)
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	var runErrs *multierror.Error
	for _, group := range groups {
		files := claimed[group.ID]
		if len(files) == 0 {
			continue
		}
		if err := s.processGroup(ctx, group, files, opts.Mode, result); err != nil {
			result.GroupsFailed++
			result.Skipped = append(result.Skipped,
				fmt.Sprintf("group %s: %v", group.ID, err))
			runErrs = multierror.Append(runErrs, fmt.Errorf("group %s: %w", group.ID, err))
			s.logger.Error(ctx, "[GROUP_ERROR] Group failed, continuing with remaining groups", logging.Fields{
				"group": group.ID,
				"stage": "GROUP_PROCESSING",
			}, err)
		}
	}

	if err := s.cache.Flush(); err != nil {
		s.logger.Warn(ctx, "[CACHE_FLUSH] Processed-file cache not saved", logging.Fields{
			"reason": err.Error(),
		})
	}

	result.Duration = time.Since(startTime)
	s.logger.Info(ctx, "[RUN_COMPLETE] Ingestion run finished", logging.Fields{
		"files_read":       result.FilesRead,
		"rows_decoded":     result.RowsDecoded,
		"repair_blocks":    result.RepairBlocks,
		"repaired_rows":    result.RepairedRows,
		"dropped_rows":     result.DroppedRows,
		"flagged_cells":    result.FlaggedCells,
		"skipped_rules":    result.SkippedRules,
		"rows_written":     result.RowsWritten,
		"groups_failed":    result.GroupsFailed,
		"skipped_count":    len(result.Skipped),
		"duration_seconds": result.Duration.Seconds(),
		"stage":            "COMPLETE",
	})

	if result.GroupsFailed > 0 && result.RowsWritten == 0 {
		return result, runErrs.ErrorOrNil()
	}
	return result, nil
}

type decodeResult struct {
	file  models.SourceFile
	frame *models.Frame
	err   error
}

// processGroup runs the ordered tail of the pipeline over the group's
// concatenated decode output.
func (s *IngestionService) processGroup(ctx context.Context, group *models.Group, files []models.SourceFile, mode store.Mode, result *RunResult) error {
	decoded := s.decodeFiles(ctx, files, result)
	if len(decoded) == 0 {
		return nil
	}

	// Order per-file frames by their first decoded timestamp before
	// concatenating, so repair sees one batch regardless of the walk
	// order the filesystem produced.
	sort.SliceStable(decoded, func(i, j int) bool {
		return decoded[i].frame.Times[0].Before(decoded[j].frame.Times[0])
	})
	batch := models.NewFrame()
	for _, d := range decoded {
		batch.AppendFrame(d.frame)
	}

	repair, err := chronology.Repair(batch, group.Interval, group.Tolerance)
	if err != nil {
		return fmt.Errorf("chronology repair: %w", err)
	}
	result.RepairBlocks += len(repair.Blocks)
	result.RepairedRows += repair.RepairedRows
	s.metrics.RepairedRowsTotal.Add(float64(repair.RepairedRows))
	for _, block := range repair.Blocks {
		s.metrics.RepairBlocksTotal.Inc()
		s.logger.Info(ctx, "[REPAIR_BLOCK] Substituted timestamps for block", logging.Fields{
			"group":           group.ID,
			"rows":            block.Rows,
			"first_file":      block.FirstSource.File,
			"first_line":      block.FirstSource.Line,
			"last_file":       block.LastSource.File,
			"last_line":       block.LastSource.Line,
			"original_start":  block.OriginalStart,
			"original_end":    block.OriginalEnd,
			"corrected_start": block.CorrectedStart,
			"corrected_end":   block.CorrectedEnd,
		})
		if s.audit != nil {
			if err := s.audit.Write(result.RunID, group.ID, block); err != nil {
				s.logger.Warn(ctx, "[AUDIT_ERROR] Repair block not persisted", logging.Fields{
					"group":  group.ID,
					"reason": err.Error(),
				})
			}
		}
	}

	dropped, err := s.normalizer.Normalize(ctx, batch, group.Rules.Cutover, group.Rules.Shifts)
	if err != nil {
		return fmt.Errorf("temporal normalization: %w", err)
	}
	if dropped > 0 {
		result.DroppedRows += dropped
		s.metrics.DroppedRowsTotal.WithLabelValues("normalize").Add(float64(dropped))
	}

	report := s.engine.Apply(ctx, batch, group)
	result.FlaggedCells += report.FlaggedCells
	result.SkippedRules += report.SkippedRules

	written, err := s.persister.Persist(ctx, group, batch, mode)
	result.RowsWritten += written
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}

	// Files become cache hits only after the whole group persisted.
	for _, f := range files {
		s.cache.Mark(f)
	}
	return nil
}

// errCached marks cache hits inside the decode pool.
var errCached = fmt.Errorf("file already processed")

// decodeFiles runs the decode stage on a bounded worker pool. Decoders
// are pure per file so files parallelize freely; everything after
// decode needs the totally-ordered group view and stays sequential.
func (s *IngestionService) decodeFiles(ctx context.Context, files []models.SourceFile, result *RunResult) []decodeResult {
	jobs := make(chan models.SourceFile)
	results := make(chan decodeResult, len(files))

	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				start := time.Now()
				frame, err := decoder.Decode(f.Path)
				s.metrics.DecodeDuration.WithLabelValues(f.Format).Observe(time.Since(start).Seconds())
				results <- decodeResult{file: f, frame: frame, err: err}
			}
		}()
	}

	go func() {
		for _, f := range files {
			if s.cache.Seen(f) {
				results <- decodeResult{file: f, err: errCached}
				continue
			}
			jobs <- f
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	var decoded []decodeResult
	for r := range results {
		switch {
		case r.err == errCached:
			s.logger.Debug(ctx, "[DECODE_CACHED] File unchanged since last run", logging.Fields{
				"path": r.file.Path,
			})
		case r.err != nil:
			result.Skipped = append(result.Skipped,
				fmt.Sprintf("decode %s: %v", r.file.Path, r.err))
			s.metrics.RecordDecodeError("decode_failure")
			s.logger.Warn(ctx, "[DECODE_SKIP] File skipped", logging.Fields{
				"path":   r.file.Path,
				"format": r.file.Format,
				"reason": r.err.Error(),
			})
		case r.frame == nil || r.frame.Len() == 0:
			s.logger.Debug(ctx, "[DECODE_EMPTY] File decoded to no rows", logging.Fields{
				"path": r.file.Path,
			})
		default:
			result.FilesRead++
			result.RowsDecoded += r.frame.Len()
			s.metrics.FilesDecodedTotal.WithLabelValues(r.file.Format).Inc()
			s.metrics.RowsDecodedTotal.Add(float64(r.frame.Len()))
			decoded = append(decoded, r)
		}
	}
	return decoded
}
