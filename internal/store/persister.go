package store

import (
	"context"
	"math"

	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/pkg/logging"
	"telemetry-pipeline/pkg/metrics"
)

// Persister drives the reconcile algorithm against a backend. Frames
// are persisted in per-year slices so the flat-file backend's
// one-file-per-(group, year) layout and the SQL backend's single table
// see the same inputs.
type Persister struct {
	backend Backend
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPersister creates a persister over a backend.
func NewPersister(backend Backend, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Persister {
	return &Persister{
		backend: backend,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Persist reconciles the frame into the group's destination, one year
// slice at a time. A failed slice is logged and discarded without
// touching other slices or groups; the row count covers written slices
// only.
func (p *Persister) Persist(ctx context.Context, group *models.Group, frame *models.Frame, mode Mode) (int, error) {
	timer := p.metrics.NewTimer(p.metrics.ReconcileDuration)
	defer timer.ObserveDuration()

	written := 0
	var firstErr error
	for year, slice := range splitByYear(frame) {
		dest := p.backend.Destination(group.Destination, year)
		if err := p.reconcile(ctx, dest, slice, mode); err != nil {
			p.metrics.RecordReconcileError(p.backend.Name())
			p.logger.Error(ctx, "[PERSIST_ERROR] Destination not updated", logging.Fields{
				"group":   group.ID,
				"dest":    dest,
				"year":    year,
				"backend": p.backend.Name(),
			}, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written += slice.Len()
		p.metrics.RowsWrittenTotal.WithLabelValues(p.backend.Name()).Add(float64(slice.Len()))
	}
	return written, firstErr
}

// reconcile runs the four-step merge for one destination under the
// process-wide store lock.
func (p *Persister) reconcile(ctx context.Context, dest string, frame *models.Frame, mode Mode) error {
	storeMu.Lock()
	defer storeMu.Unlock()

	specs := ColumnSpecs(frame)
	if err := p.backend.EnsureSchema(ctx, dest, specs); err != nil {
		return err
	}

	existing, err := p.backend.ReadExisting(ctx, dest, frame.Times, frame.Columns)
	if err != nil {
		return err
	}
	mergeCells(frame, existing, mode)

	return p.backend.WriteRows(ctx, dest, frame)
}

// mergeCells reconciles the frame in place against existing rows at
// cell level. In fill mode an existing non-missing value wins; in
// overwrite mode the new value wins and existing values only fill
// cells the new row is missing.
func mergeCells(frame *models.Frame, existing map[int64]map[string]float64, mode Mode) {
	if len(existing) == 0 {
		return
	}
	for i, t := range frame.Times {
		row, ok := existing[t.Unix()]
		if !ok {
			continue
		}
		for _, name := range frame.Columns {
			old, ok := row[name]
			if !ok || math.IsNaN(old) {
				continue
			}
			col := frame.Data[name]
			switch mode {
			case ModeFill:
				col[i] = old
			case ModeOverwrite:
				if math.IsNaN(col[i]) {
					col[i] = old
				}
			}
		}
	}
}

// splitByYear partitions a frame into per-year frames, preserving row
// order inside each slice.
func splitByYear(frame *models.Frame) map[int]*models.Frame {
	out := make(map[int]*models.Frame)
	for i, t := range frame.Times {
		y := t.Year()
		slice, ok := out[y]
		if !ok {
			slice = models.NewFrame()
			out[y] = slice
		}
		values := make(map[string]float64, len(frame.Columns))
		for _, name := range frame.Columns {
			values[name] = frame.Data[name][i]
		}
		slice.AppendRow(t, values, frame.Source(i))
	}
	return out
}
