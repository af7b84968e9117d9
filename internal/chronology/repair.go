// Package chronology reconstructs a monotonic, evenly-spaced timestamp
// axis from a source stream containing clock resets or duplicate and
// out-of-order bursts.
package chronology

import (
	"fmt"
	"time"

	"telemetry-pipeline/internal/models"
)

// DefaultTolerance is how early a row may arrive relative to the
// expected cadence and still count as plausible forward progress.
const DefaultTolerance = 2 * time.Second

// RepairBlock describes one maximal run of consecutive repaired rows.
// Blocks are reported once, on close, so a large clock glitch produces
// a single audit record instead of one per row.
type RepairBlock struct {
	FirstSource       models.RowSource `json:"first_source"`
	LastSource        models.RowSource `json:"last_source"`
	OriginalStart     time.Time        `json:"original_start"`
	OriginalEnd       time.Time        `json:"original_end"`
	CorrectedStart    time.Time        `json:"corrected_start"`
	CorrectedEnd      time.Time        `json:"corrected_end"`
	Rows              int              `json:"rows"`
	FirstRow, LastRow int              `json:"-"`
}

// Result is the outcome of one repair pass.
type Result struct {
	Frame        *models.Frame
	Blocks       []RepairBlock
	RepairedRows int
}

// Repair walks the frame in row order and produces a strictly
// increasing timestamp column. A row at or after the expected cadence
// (minus tolerance) is accepted as-is and reseeds the cadence; an
// implausibly early row is replaced with the expected synthetic
// timestamp. Tables with fewer than two rows are returned unchanged.
// Repair is idempotent: a second pass over its own output changes
// nothing.
func Repair(frame *models.Frame, interval, tolerance time.Duration) (*Result, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid sampling interval %v", interval)
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("invalid tolerance %v", tolerance)
	}

	res := &Result{Frame: frame}
	if frame == nil || frame.Len() < 2 {
		return res, nil
	}

	lastGood := frame.Times[0]
	var open *RepairBlock

	closeBlock := func() {
		if open != nil {
			res.Blocks = append(res.Blocks, *open)
			open = nil
		}
	}

	for i := 1; i < frame.Len(); i++ {
		t := frame.Times[i]
		expected := lastGood.Add(interval)

		if !t.Before(expected.Add(-tolerance)) {
			// plausible forward progress
			closeBlock()
			lastGood = t
			continue
		}

		// clock reset / duplicate burst: synthesize a perfectly cadenced
		// replacement
		src := frame.Source(i)
		if open == nil {
			open = &RepairBlock{
				FirstSource:    src,
				OriginalStart:  t,
				CorrectedStart: expected,
				FirstRow:       i,
			}
		}
		open.LastSource = src
		open.OriginalEnd = t
		open.CorrectedEnd = expected
		open.LastRow = i
		open.Rows++

		frame.Times[i] = expected
		lastGood = expected
		res.RepairedRows++
	}
	closeBlock()

	return res, nil
}
