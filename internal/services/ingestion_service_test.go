package services

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-pipeline/internal/chronology"
	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/internal/rules"
	"telemetry-pipeline/internal/store"
	"telemetry-pipeline/internal/temporal"
	"telemetry-pipeline/pkg/logging"
	"telemetry-pipeline/pkg/metrics"
)

var testMetrics = metrics.NewCollector("services_test")

func testLogger() *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("test", "test", logging.FatalLevel)
	logger.SetOutput(io.Discard)
	return logger
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// newTestService wires a full pipeline over a flat-file store.
func newTestService(t *testing.T, cache ProcessedCache, audit *chronology.AuditWriter, ranges []models.RangeRule) (*IngestionService, *store.FileBackend) {
	t.Helper()
	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	logger := testLogger()
	svc := NewIngestionService(
		store.NewPersister(backend, logger, testMetrics),
		rules.NewEngine(logger, testMetrics, ranges),
		temporal.NewNormalizer(logger),
		audit,
		cache,
		logger,
		testMetrics,
		2,
	)
	return svc, backend
}

const tabularA = `"TOA5","stn1","CR1000"
"TIMESTAMP","temp"
"TS","Deg C"
"",""
"2020-01-01 00:00:00",10.0
"2020-01-01 01:00:00",11.0
"2020-01-01 02:00:00",12.0
`

// the logger clock reset mid-file: the last two rows jump backwards
const tabularB = `"TOA5","stn1","CR1000"
"TIMESTAMP","temp"
"TS","Deg C"
"",""
"2020-01-01 03:00:00",13.0
"2019-12-31 10:00:00",14.0
"2019-12-31 11:00:00",15.0
`

const deviceCSV = `Timestamp,CH1
2020-02-01 00:00:00,0.5
2020-02-01 00:01:00,0.6
`

func writeDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, writeTestFile(filepath.Join(dir, "stn1_a.dat"), tabularA))
	require.NoError(t, writeTestFile(filepath.Join(dir, "stn1_b.dat"), tabularB))
	require.NoError(t, writeTestFile(filepath.Join(dir, "dev2_log.csv"), deviceCSV))
	return dir
}

func testGroups() []*models.Group {
	return []*models.Group{
		{
			ID:          "stn1",
			Interval:    time.Hour,
			Tolerance:   chronology.DefaultTolerance,
			Claims:      []string{"stn1"},
			Destination: "stn1",
		},
		{
			ID:          "dev2",
			Interval:    time.Minute,
			Tolerance:   chronology.DefaultTolerance,
			Claims:      []string{"dev2"},
			Destination: "dev2",
		},
	}
}

func TestRunFullPipeline(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	audit, err := chronology.NewAuditWriter(auditPath)
	require.NoError(t, err)
	defer audit.Close()

	svc, backend := newTestService(t, NopCache{}, audit, nil)
	dir := writeDataDir(t)

	result, err := svc.Run(context.Background(), RunOptions{
		DataDir: dir,
		Groups:  testGroups(),
		Mode:    store.ModeFill,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesRead)
	assert.Equal(t, 8, result.RowsDecoded)
	assert.Equal(t, 1, result.RepairBlocks)
	assert.Equal(t, 2, result.RepairedRows)
	assert.Equal(t, 8, result.RowsWritten)
	assert.Zero(t, result.GroupsFailed)
	assert.Empty(t, result.Skipped)
	assert.NotEmpty(t, result.RunID)

	// the clock reset collapsed onto the expected cadence
	rows, err := backend.ReadRange(context.Background(), "stn1",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), 100)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i, row := range rows {
		assert.Equal(t, time.Date(2020, 1, 1, i, 0, 0, 0, time.UTC), row.Timestamp)
		assert.Equal(t, 10.0+float64(i), row.Values["temp"])
	}

	devRows, err := backend.ReadRange(context.Background(), "dev2",
		time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 2, 2, 0, 0, 0, 0, time.UTC), 100)
	require.NoError(t, err)
	assert.Len(t, devRows, 2)

	// the repair block landed in the audit log
	f, err := os.Open(auditPath)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 1, lines)
}

func TestRunSkipsCachedFiles(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	cache, err := NewFileCache(cachePath)
	require.NoError(t, err)

	svc, _ := newTestService(t, cache, nil, nil)
	dir := writeDataDir(t)
	opts := RunOptions{DataDir: dir, Groups: testGroups(), Mode: store.ModeFill}

	first, err := svc.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, first.FilesRead)

	second, err := svc.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, second.FilesRead)
	assert.Zero(t, second.RowsWritten)
}

func TestRunIsolatesDecodeFailures(t *testing.T) {
	svc, backend := newTestService(t, NopCache{}, nil, nil)
	dir := writeDataDir(t)

	// claimed by stn1, detected as tabular, but the column header is broken
	corrupt := "\"TOA5\",\"stn1\"\n\"RECORD\",\"temp\"\n\"\",\"\"\n\"\",\"\"\n"
	require.NoError(t, writeTestFile(filepath.Join(dir, "stn1_corrupt.dat"), corrupt))

	result, err := svc.Run(context.Background(), RunOptions{
		DataDir: dir,
		Groups:  testGroups(),
		Mode:    store.ModeFill,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesRead)
	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0], "stn1_corrupt.dat")

	// the healthy files of the same group still persisted
	rows, err := backend.ReadRange(context.Background(), "stn1",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), 100)
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestRunNoGroups(t *testing.T) {
	svc, _ := newTestService(t, NopCache{}, nil, nil)
	_, err := svc.Run(context.Background(), RunOptions{DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestDiscoverClaimsAndClassifies(t *testing.T) {
	svc, _ := newTestService(t, NopCache{}, nil, nil)
	dir := writeDataDir(t)
	// unclaimed file is ignored without error
	require.NoError(t, writeTestFile(filepath.Join(dir, "readme.txt"), "notes\n"))

	claimed, err := svc.Discover(context.Background(), dir, testGroups())
	require.NoError(t, err)

	require.Len(t, claimed["stn1"], 2)
	assert.Equal(t, "tabular", claimed["stn1"][0].Format)
	require.Len(t, claimed["dev2"], 1)
	assert.Equal(t, "csv", claimed["dev2"][0].Format)
}
