package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"telemetry-pipeline/internal/models"
)

// FileBackend persists one CSV file per (group, year), sorted by
// timestamp with the TIMESTAMP column first. Merging rewrites the whole
// file through a temp file and an atomic rename.
type FileBackend struct {
	root string
}

// NewFileBackend creates a flat-file persistence backend rooted at a
// directory.
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", root, err)
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) Name() string { return "file" }

// Destination names the per-(group, year) file.
func (b *FileBackend) Destination(stem string, year int) string {
	return filepath.Join(b.root, fmt.Sprintf("%s_%d.csv", stem, year))
}

// EnsureSchema is a no-op for files: the header is recomputed as the
// union of existing and new columns on every write.
func (b *FileBackend) EnsureSchema(ctx context.Context, dest string, cols []ColumnSpec) error {
	return nil
}

// ReadExisting loads the destination file and returns the cells that
// share a timestamp with the requested rows.
func (b *FileBackend) ReadExisting(ctx context.Context, dest string, times []time.Time, cols []string) (map[int64]map[string]float64, error) {
	out := make(map[int64]map[string]float64)
	header, rows, err := b.readFile(dest)
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return out, nil
	}

	want := make(map[int64]bool, len(times))
	for _, t := range times {
		want[t.Unix()] = true
	}
	keep := make(map[string]bool, len(cols))
	for _, c := range cols {
		keep[c] = true
	}

	for ts, cells := range rows {
		if !want[ts] {
			continue
		}
		row := make(map[string]float64)
		for name, v := range cells {
			if keep[name] {
				row[name] = v
			}
		}
		out[ts] = row
	}
	return out, nil
}

// WriteRows merges the frame into the destination file: same-timestamp
// rows are replaced by the frame's (already reconciled) rows, the
// column set grows to the union, and the result is rewritten sorted by
// timestamp.
func (b *FileBackend) WriteRows(ctx context.Context, dest string, frame *models.Frame) error {
	header, rows, err := b.readFile(dest)
	if err != nil {
		return err
	}

	columns := append([]string(nil), header...)
	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	for _, c := range frame.Columns {
		if !known[c] {
			columns = append(columns, c)
			known[c] = true
		}
	}
	sort.Strings(columns)

	for i, t := range frame.Times {
		cells := make(map[string]float64, len(frame.Columns))
		for _, c := range frame.Columns {
			v := frame.Data[c][i]
			if !math.IsNaN(v) {
				cells[c] = v
			}
			// frame columns always replace the old row's cells, even
			// when the merged value is missing
		}
		old := rows[t.Unix()]
		for name, v := range old {
			if _, replaced := frame.Data[name]; !replaced {
				cells[name] = v
			}
		}
		rows[t.Unix()] = cells
	}

	keys := make([]int64, 0, len(rows))
	for ts := range rows {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dest, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(append([]string{models.TimestampColumn}, columns...)); err != nil {
		tmp.Close()
		return err
	}
	record := make([]string, len(columns)+1)
	for _, ts := range keys {
		cells := rows[ts]
		record[0] = time.Unix(ts, 0).UTC().Format(timestampFormat)
		for i, c := range columns {
			v, ok := cells[c]
			switch {
			case !ok || math.IsNaN(v):
				record[i+1] = ""
			case models.IsFlagColumn(c):
				record[i+1] = strconv.FormatInt(int64(v), 10)
			default:
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// readFile parses a destination file into its data columns and a
// timestamp-keyed cell map. A missing file yields an empty result.
func (b *FileBackend) readFile(dest string) ([]string, map[int64]map[string]float64, error) {
	rows := make(map[int64]map[string]float64)

	f, err := os.Open(dest)
	if os.IsNotExist(err) {
		return nil, rows, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dest, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", dest, err)
	}
	if len(records) == 0 {
		return nil, rows, nil
	}
	header := records[0]
	if len(header) == 0 || header[0] != models.TimestampColumn {
		return nil, nil, fmt.Errorf("%s: first column is %q, want %s", dest, firstCell(header), models.TimestampColumn)
	}
	columns := header[1:]

	for _, rec := range records[1:] {
		if len(rec) == 0 {
			continue
		}
		t, err := time.Parse(timestampFormat, rec[0])
		if err != nil {
			continue
		}
		cells := make(map[string]float64, len(columns))
		for i, c := range columns {
			if i+1 >= len(rec) || rec[i+1] == "" {
				continue
			}
			v, err := strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				continue
			}
			cells[c] = v
		}
		rows[t.Unix()] = cells
	}
	return columns, rows, nil
}

func firstCell(cells []string) string {
	if len(cells) == 0 {
		return ""
	}
	return cells[0]
}
