package chronology

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-pipeline/internal/models"
)

func frameAt(times ...time.Time) *models.Frame {
	f := models.NewFrame()
	for i, t := range times {
		f.AppendRow(t, map[string]float64{"v": float64(i)}, models.RowSource{File: "test.dat", Line: i + 1})
	}
	return f
}

func TestRepairArguments(t *testing.T) {
	f := frameAt(time.Now())

	_, err := Repair(f, 0, DefaultTolerance)
	assert.Error(t, err)

	_, err = Repair(f, -time.Minute, DefaultTolerance)
	assert.Error(t, err)

	_, err = Repair(f, time.Minute, -time.Second)
	assert.Error(t, err)
}

func TestRepairShortFrames(t *testing.T) {
	res, err := Repair(nil, time.Minute, DefaultTolerance)
	require.NoError(t, err)
	assert.Empty(t, res.Blocks)

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f := frameAt(base)
	res, err = Repair(f, time.Minute, DefaultTolerance)
	require.NoError(t, err)
	assert.Zero(t, res.RepairedRows)
	assert.Equal(t, base, f.Times[0])
}

func TestRepairBackwardJump(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	// rows 3 and 4 jump back behind the cadence; both get synthesized
	f := frameAt(
		base,
		base.Add(1*time.Minute),
		base.Add(2*time.Minute),
		base.Add(-30*time.Minute),
		base.Add(-29*time.Minute),
	)

	res, err := Repair(f, time.Minute, DefaultTolerance)
	require.NoError(t, err)

	assert.Equal(t, 2, res.RepairedRows)
	require.Len(t, res.Blocks, 1)

	block := res.Blocks[0]
	assert.Equal(t, 2, block.Rows)
	assert.Equal(t, base.Add(-30*time.Minute), block.OriginalStart)
	assert.Equal(t, base.Add(-29*time.Minute), block.OriginalEnd)
	assert.Equal(t, base.Add(3*time.Minute), block.CorrectedStart)
	assert.Equal(t, base.Add(4*time.Minute), block.CorrectedEnd)
	assert.Equal(t, models.RowSource{File: "test.dat", Line: 4}, block.FirstSource)
	assert.Equal(t, models.RowSource{File: "test.dat", Line: 5}, block.LastSource)

	want := []time.Time{
		base,
		base.Add(1 * time.Minute),
		base.Add(2 * time.Minute),
		base.Add(3 * time.Minute),
		base.Add(4 * time.Minute),
	}
	assert.Equal(t, want, f.Times)
}

func TestRepairDuplicateBurst(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f := frameAt(base, base, base, base.Add(3*time.Minute))

	res, err := Repair(f, time.Minute, DefaultTolerance)
	require.NoError(t, err)

	assert.Equal(t, 2, res.RepairedRows)
	require.Len(t, res.Blocks, 1)

	want := []time.Time{
		base,
		base.Add(1 * time.Minute),
		base.Add(2 * time.Minute),
		base.Add(3 * time.Minute),
	}
	assert.Equal(t, want, f.Times)
}

func TestRepairToleratesEarlyArrival(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	// one second early is within the default tolerance: accepted as-is
	early := base.Add(time.Minute - time.Second)
	f := frameAt(base, early, early.Add(time.Minute))

	res, err := Repair(f, time.Minute, DefaultTolerance)
	require.NoError(t, err)
	assert.Zero(t, res.RepairedRows)
	assert.Equal(t, early, f.Times[1])
}

func TestRepairAcceptsGaps(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	// forward gaps are real outages, never repaired
	f := frameAt(base, base.Add(6*time.Hour), base.Add(6*time.Hour+time.Minute))

	res, err := Repair(f, time.Minute, DefaultTolerance)
	require.NoError(t, err)
	assert.Zero(t, res.RepairedRows)
	assert.Empty(t, res.Blocks)
}

func TestRepairIsIdempotent(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f := frameAt(
		base,
		base.Add(-10*time.Minute),
		base.Add(2*time.Minute),
		base.Add(-5*time.Minute),
		base.Add(4*time.Minute),
	)

	first, err := Repair(f, time.Minute, DefaultTolerance)
	require.NoError(t, err)
	require.NotZero(t, first.RepairedRows)

	after := append([]time.Time(nil), f.Times...)
	second, err := Repair(f, time.Minute, DefaultTolerance)
	require.NoError(t, err)
	assert.Zero(t, second.RepairedRows)
	assert.Empty(t, second.Blocks)
	assert.Equal(t, after, f.Times)

	// output is strictly increasing
	for i := 1; i < f.Len(); i++ {
		assert.True(t, f.Times[i].After(f.Times[i-1]),
			"row %d (%v) not after row %d (%v)", i, f.Times[i], i-1, f.Times[i-1])
	}
}

func TestAuditWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := NewAuditWriter(path)
	require.NoError(t, err)

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	block := RepairBlock{
		FirstSource:    models.RowSource{File: "a.dat", Line: 10},
		LastSource:     models.RowSource{File: "a.dat", Line: 12},
		OriginalStart:  base.Add(-time.Hour),
		OriginalEnd:    base.Add(-time.Hour + 2*time.Minute),
		CorrectedStart: base,
		CorrectedEnd:   base.Add(2 * time.Minute),
		Rows:           3,
	}
	require.NoError(t, w.Write("run-1", "station_a", block))
	require.NoError(t, w.Write("run-1", "station_a", block))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var rec AuditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.Equal(t, "run-1", rec.RunID)
		assert.Equal(t, "station_a", rec.Group)
		assert.Equal(t, 3, rec.Block.Rows)
		assert.Equal(t, "a.dat", rec.Block.FirstSource.File)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 2, lines)
}
