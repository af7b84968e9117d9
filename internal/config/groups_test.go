package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-pipeline/internal/models"
)

func writeGroups(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "groups.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleGroups = `
ranges:
  - prefix: temp
    min: -50
    max: 60
  - prefix: rh
    min: 0
    max: 100
    code: 4

shared:
  cutovers:
    standard:
      source_tz: Etc/GMT+5
      cutover_end: "2015-01-01 00:00:00"
      post_tz: UTC
      target_tz: UTC
  calibration:
    cond_fix:
      - column: cond
        start: "2019-01-01"
        end: "2019-12-31"
        multiplier: 0.5
        addend: 1
  quality:
    icing:
      - column: "*"
        start: "2020-02-01"
        end: "2020-02-03"
        code: 8
  renames:
    legacy:
      WTemp: water_temp

groups:
  - id: stn1
    station: north_shore
    interval: 1h
    claims: [stn1]
    cutover: standard
    calibration: cond_fix
    quality: icing
    renames: legacy
    shifts:
      - start: "2019-06-01"
        end: "2019-06-02"
        offset_hours: -5
    overrides:
      - column: level
        start: "2019-03-01"
        end: "2019-03-02"
        value: 0

  - id: stn2
    station: south_shore
    interval: 30m
    tolerance: 5s
    destination: south
    claims: [stn2, south]
    calibration:
      - column: temp
        start: "2018-01-01"
        end: "2018-06-30"
        formula: "x * k"
        constants:
          k: 1.02
      - start: "2018-01-01"
        end: "2018-01-31"
        swap_exprs:
          tmp: chan_b
        swap_assign:
          chan_a: tmp
`

func TestLoadGroups(t *testing.T) {
	cfg, err := LoadGroups(writeGroups(t, sampleGroups))
	require.NoError(t, err)

	require.Len(t, cfg.Ranges, 2)
	// an omitted range code defaults to the out-of-range flag
	assert.Equal(t, models.FlagOutOfRange, cfg.Ranges[0].Code)
	assert.Equal(t, 4, cfg.Ranges[1].Code)

	require.Len(t, cfg.Groups, 2)

	stn1, err := cfg.Group("stn1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, stn1.Interval)
	assert.Equal(t, 2*time.Second, stn1.Tolerance) // default
	assert.Equal(t, "stn1", stn1.Destination)      // defaults to ID

	require.NotNil(t, stn1.Rules.Cutover)
	assert.Equal(t, "Etc/GMT+5", stn1.Rules.Cutover.SourceTZ)
	assert.Equal(t, time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), stn1.Rules.Cutover.CutoverEnd)

	require.Len(t, stn1.Rules.Calibration, 1)
	cal := stn1.Rules.Calibration[0]
	assert.Equal(t, models.CalibrationScale, cal.Kind)
	assert.Equal(t, 0.5, cal.Multiplier)
	assert.Equal(t, 1.0, cal.Addend)

	require.Len(t, stn1.Rules.Quality, 1)
	assert.Equal(t, "*", stn1.Rules.Quality[0].Column)
	assert.Equal(t, 8, stn1.Rules.Quality[0].Code)

	require.Len(t, stn1.Rules.Shifts, 1)
	assert.Equal(t, -5.0, stn1.Rules.Shifts[0].OffsetHours)

	require.Len(t, stn1.Rules.Overrides, 1)
	assert.Equal(t, "level", stn1.Rules.Overrides[0].Column)

	assert.Equal(t, map[string]string{"WTemp": "water_temp"}, stn1.Rules.Renames)

	stn2, err := cfg.Group("stn2")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, stn2.Interval)
	assert.Equal(t, 5*time.Second, stn2.Tolerance)
	assert.Equal(t, "south", stn2.Destination)
	assert.Nil(t, stn2.Rules.Cutover)

	require.Len(t, stn2.Rules.Calibration, 2)
	assert.Equal(t, models.CalibrationFormula, stn2.Rules.Calibration[0].Kind)
	assert.Equal(t, map[string]float64{"k": 1.02}, stn2.Rules.Calibration[0].Constants)
	assert.Equal(t, models.CalibrationSwap, stn2.Rules.Calibration[1].Kind)
	assert.Equal(t, map[string]string{"chan_a": "tmp"}, stn2.Rules.Calibration[1].SwapAssign)
}

func TestGroupLookup(t *testing.T) {
	cfg, err := LoadGroups(writeGroups(t, sampleGroups))
	require.NoError(t, err)

	_, err = cfg.Group("nope")
	require.Error(t, err)
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestLoadGroupsErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			"missing id",
			"groups:\n  - interval: 1h\n",
		},
		{
			"bad interval",
			"groups:\n  - id: g\n    interval: often\n",
		},
		{
			"unknown cutover alias",
			"groups:\n  - id: g\n    interval: 1h\n    cutover: nope\n",
		},
		{
			"unknown calibration alias",
			"groups:\n  - id: g\n    interval: 1h\n    calibration: nope\n",
		},
		{
			"quality rule without positive code",
			"groups:\n  - id: g\n    interval: 1h\n    quality:\n      - column: v\n        start: \"2020-01-01\"\n        end: \"2020-01-02\"\n",
		},
		{
			"window end before start",
			"groups:\n  - id: g\n    interval: 1h\n    overrides:\n      - column: v\n        start: \"2020-02-01\"\n        end: \"2020-01-01\"\n        value: 0\n",
		},
		{
			"swap without assign",
			"groups:\n  - id: g\n    interval: 1h\n    calibration:\n      - start: \"2020-01-01\"\n        end: \"2020-01-02\"\n        swap_exprs:\n          t: a\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadGroups(writeGroups(t, tt.content))
			assert.Error(t, err)
		})
	}
}
