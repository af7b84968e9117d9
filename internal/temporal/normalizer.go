// Package temporal maps a naive timestamp column through a historical
// timezone-cutover rule and a set of manual offset-correction windows
// into one target civil time.
package temporal

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata" // zone lookups must not depend on the host's database

	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/pkg/logging"
)

// Normalizer applies the two temporal corrections of a group, in order:
// timezone cutover first, then manual shift windows.
type Normalizer struct {
	logger *logging.StructuredLogger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *logging.StructuredLogger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize rewrites the frame's timestamps in place and returns the
// number of rows dropped because their local time was invalid at a DST
// transition. A nil cutover passes timestamps through unchanged.
func (n *Normalizer) Normalize(ctx context.Context, frame *models.Frame, cutover *models.TimezoneCutover, shifts []models.ShiftWindow) (int, error) {
	dropped := 0
	if cutover != nil {
		var err error
		dropped, err = n.applyCutover(frame, cutover)
		if err != nil {
			return 0, err
		}
	}
	n.applyShifts(ctx, frame, shifts)
	return dropped, nil
}

// applyCutover splits the series at CutoverEnd (inclusive on the before
// side), localizes each half against its source zone and re-expresses
// both in the target zone as naive local timestamps.
func (n *Normalizer) applyCutover(frame *models.Frame, cfg *models.TimezoneCutover) (int, error) {
	srcZone, err := time.LoadLocation(cfg.SourceTZ)
	if err != nil {
		return 0, fmt.Errorf("source zone %q: %w", cfg.SourceTZ, err)
	}
	postZone, err := time.LoadLocation(cfg.PostTZ)
	if err != nil {
		return 0, fmt.Errorf("post-correction zone %q: %w", cfg.PostTZ, err)
	}
	targetZone, err := time.LoadLocation(cfg.TargetTZ)
	if err != nil {
		return 0, fmt.Errorf("target zone %q: %w", cfg.TargetTZ, err)
	}

	keep := make([]bool, frame.Len())
	dropped := 0
	for i, t := range frame.Times {
		zone := srcZone
		if t.After(cfg.CutoverEnd) {
			zone = postZone
		}
		local, ok := localize(t, zone)
		if !ok {
			dropped++
			continue
		}
		keep[i] = true
		// express in the target zone, then strip the zone again
		tt := local.In(targetZone)
		frame.Times[i] = time.Date(tt.Year(), tt.Month(), tt.Day(),
			tt.Hour(), tt.Minute(), tt.Second(), tt.Nanosecond(), time.UTC)
	}
	if dropped > 0 {
		frame.DropRows(keep)
	}
	return dropped, nil
}

// localize interprets a naive wall clock in zone, rejecting wall times
// that do not exist (spring-forward gap) or that occur twice (fall-back
// overlap). Both resolve to "drop the row" rather than a guess.
func localize(naive time.Time, zone *time.Location) (time.Time, bool) {
	t := time.Date(naive.Year(), naive.Month(), naive.Day(),
		naive.Hour(), naive.Minute(), naive.Second(), naive.Nanosecond(), zone)

	// Nonexistent wall times are silently normalized by time.Date, so
	// they fail the round-trip check.
	if t.Year() != naive.Year() || t.Month() != naive.Month() || t.Day() != naive.Day() ||
		t.Hour() != naive.Hour() || t.Minute() != naive.Minute() || t.Second() != naive.Second() {
		return time.Time{}, false
	}

	// Ambiguous wall times also map from the instant one hour away on
	// the other side of the overlap.
	for _, other := range []time.Time{t.Add(-time.Hour), t.Add(time.Hour)} {
		if other.Hour() == naive.Hour() && other.Minute() == naive.Minute() &&
			other.Day() == naive.Day() {
			return time.Time{}, false
		}
	}
	return t, true
}

// applyShifts adds each window's hour offset to the rows inside it.
// Windows are evaluated in list order and each sees the column as the
// previous window left it. Malformed windows are logged and skipped.
func (n *Normalizer) applyShifts(ctx context.Context, frame *models.Frame, shifts []models.ShiftWindow) {
	for wi, win := range shifts {
		if win.End.Before(win.Start) {
			n.logger.Warn(ctx, "[SHIFT_SKIP] Malformed shift window, skipping", logging.Fields{
				"window": wi,
				"start":  win.Start,
				"end":    win.End,
			})
			continue
		}
		offset := time.Duration(win.OffsetHours * float64(time.Hour))
		for i, t := range frame.Times {
			if !t.Before(win.Start) && !t.After(win.End) {
				frame.Times[i] = t.Add(offset)
			}
		}
	}
}
