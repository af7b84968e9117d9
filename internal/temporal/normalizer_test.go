package temporal

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/pkg/logging"
)

func testNormalizer() *Normalizer {
	logger := logging.NewStructuredLogger("test", "test", logging.ErrorLevel)
	logger.SetOutput(io.Discard)
	return NewNormalizer(logger)
}

func frameAt(times ...time.Time) *models.Frame {
	f := models.NewFrame()
	for i, t := range times {
		f.AppendRow(t, map[string]float64{"v": float64(i)}, models.RowSource{})
	}
	return f
}

func TestNormalizeNilCutoverPassesThrough(t *testing.T) {
	base := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	f := frameAt(base, base.Add(time.Hour))

	dropped, err := testNormalizer().Normalize(context.Background(), f, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, base, f.Times[0])
}

func TestCutoverSplitsAtBoundary(t *testing.T) {
	cutoverEnd := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := &models.TimezoneCutover{
		SourceTZ:   "Etc/GMT+5", // fixed UTC-5
		CutoverEnd: cutoverEnd,
		PostTZ:     "UTC",
		TargetTZ:   "UTC",
	}

	before := time.Date(2014, 6, 1, 12, 0, 0, 0, time.UTC)
	after := time.Date(2015, 6, 1, 12, 0, 0, 0, time.UTC)
	f := frameAt(before, cutoverEnd, after)

	dropped, err := testNormalizer().Normalize(context.Background(), f, cfg, nil)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	// pre-cutover wall clocks were recorded at UTC-5: five hours later in UTC
	assert.Equal(t, before.Add(5*time.Hour), f.Times[0])
	// the boundary instant itself belongs to the before side
	assert.Equal(t, cutoverEnd.Add(5*time.Hour), f.Times[1])
	// post-cutover wall clocks were already UTC
	assert.Equal(t, after, f.Times[2])
}

func TestCutoverDropsInvalidLocalTimes(t *testing.T) {
	cfg := &models.TimezoneCutover{
		SourceTZ:   "America/New_York",
		CutoverEnd: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		PostTZ:     "UTC",
		TargetTZ:   "UTC",
	}

	valid := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	nonexistent := time.Date(2020, 3, 8, 2, 30, 0, 0, time.UTC)  // spring-forward gap
	ambiguous := time.Date(2020, 11, 1, 1, 30, 0, 0, time.UTC)   // fall-back overlap
	f := frameAt(valid, nonexistent, ambiguous)

	dropped, err := testNormalizer().Normalize(context.Background(), f, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	require.Equal(t, 1, f.Len())

	// 12:00 EDT is 16:00 UTC
	assert.Equal(t, valid.Add(4*time.Hour), f.Times[0])
	assert.Equal(t, 0.0, f.Column("v")[0])
}

func TestCutoverUnknownZone(t *testing.T) {
	cfg := &models.TimezoneCutover{
		SourceTZ:   "Not/AZone",
		CutoverEnd: time.Now(),
		PostTZ:     "UTC",
		TargetTZ:   "UTC",
	}
	f := frameAt(time.Now())
	_, err := testNormalizer().Normalize(context.Background(), f, cfg, nil)
	assert.Error(t, err)
}

func TestNormalizeIsIdempotentOnOwnOutput(t *testing.T) {
	cfg := &models.TimezoneCutover{
		SourceTZ:   "Etc/GMT+5",
		CutoverEnd: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		PostTZ:     "UTC",
		TargetTZ:   "UTC",
	}
	base := time.Date(2014, 6, 1, 0, 0, 0, 0, time.UTC)
	f := frameAt(base, base.Add(time.Hour), base.Add(2*time.Hour))
	shifts := []models.ShiftWindow{
		{Start: base.Add(5 * time.Hour), End: base.Add(5 * time.Hour), OffsetHours: -1},
	}

	_, err := testNormalizer().Normalize(context.Background(), f, cfg, shifts)
	require.NoError(t, err)
	want := append([]time.Time(nil), f.Times...)

	// a normalized series carries no further corrections: the second
	// pass runs without them and must not move anything
	dropped, err := testNormalizer().Normalize(context.Background(), f, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, want, f.Times)

	// reinterpreting an already-target-zone series in the target zone is
	// also a no-op
	same := &models.TimezoneCutover{
		SourceTZ:   "UTC",
		CutoverEnd: cfg.CutoverEnd,
		PostTZ:     "UTC",
		TargetTZ:   "UTC",
	}
	dropped, err = testNormalizer().Normalize(context.Background(), f, same, nil)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, want, f.Times)
}

func TestShiftWindows(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f := frameAt(base, base.Add(time.Hour), base.Add(2*time.Hour), base.Add(3*time.Hour))

	shifts := []models.ShiftWindow{
		// closed window covering rows 1 and 2
		{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour), OffsetHours: 1},
		// second window sees the column as the first left it: row 1 is
		// now at +2h and gets shifted again
		{Start: base.Add(2 * time.Hour), End: base.Add(2 * time.Hour), OffsetHours: 0.5},
		// malformed window, skipped
		{Start: base.Add(3 * time.Hour), End: base, OffsetHours: 24},
	}

	dropped, err := testNormalizer().Normalize(context.Background(), f, nil, shifts)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	want := []time.Time{
		base,
		base.Add(2*time.Hour + 30*time.Minute),
		base.Add(3 * time.Hour),
		base.Add(3 * time.Hour),
	}
	assert.Equal(t, want, f.Times)
}
