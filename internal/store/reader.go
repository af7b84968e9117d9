package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ObservationRow is one persisted row as served by the read API.
type ObservationRow struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Reader serves time-range reads over a group's persisted data. Both
// backends implement it, so the API serves whichever backend the
// process writes to.
type Reader interface {
	ReadRange(ctx context.Context, stem string, start, end time.Time, limit int) ([]ObservationRow, error)
}

// ReadRange queries the group's table for rows in the closed interval
// [start, end], ordered by timestamp. The TEXT timestamp encoding sorts
// lexicographically in chronological order, so the comparison runs in
// SQL on both drivers.
func (b *SQLBackend) ReadRange(ctx context.Context, stem string, start, end time.Time, limit int) ([]ObservationRow, error) {
	dest := b.Destination(stem, 0)
	exists, err := b.tableExists(ctx, dest)
	if err != nil {
		return nil, err
	}
	if !exists {
		// a group that never persisted has no table yet
		return nil, nil
	}
	existing, err := b.tableColumns(ctx, dest)
	if err != nil {
		return nil, err
	}
	var selected []string
	for lower, name := range existing {
		if lower != "timestamp" {
			selected = append(selected, name)
		}
	}
	sort.Strings(selected)

	quoted := make([]string, len(selected))
	for i, c := range selected {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	columnList := `"timestamp"`
	if len(quoted) > 0 {
		columnList += ", " + strings.Join(quoted, ", ")
	}
	query := b.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM %s WHERE "timestamp" >= ? AND "timestamp" <= ? ORDER BY "timestamp" LIMIT %d`,
		columnList, dest, limit))

	rows, err := b.db.QueryContext(ctx, "read_range", query,
		start.Format(timestampFormat), end.Format(timestampFormat))
	if err != nil {
		return nil, fmt.Errorf("read range of %s: %w", dest, err)
	}
	defer rows.Close()

	var out []ObservationRow
	for rows.Next() {
		var ts string
		cells := make([]sql.NullFloat64, len(selected))
		scan := make([]interface{}, 0, len(selected)+1)
		scan = append(scan, &ts)
		for i := range cells {
			scan = append(scan, &cells[i])
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", dest, err)
		}
		t, err := time.Parse(timestampFormat, ts)
		if err != nil {
			continue
		}
		row := ObservationRow{Timestamp: t, Values: make(map[string]float64, len(selected))}
		for i, c := range selected {
			if cells[i].Valid {
				row.Values[c] = cells[i].Float64
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReadRange loads every year file the interval touches and filters in
// memory. File volumes are small enough that this stays cheap.
func (b *FileBackend) ReadRange(ctx context.Context, stem string, start, end time.Time, limit int) ([]ObservationRow, error) {
	var out []ObservationRow
	for year := start.Year(); year <= end.Year(); year++ {
		_, rows, err := b.readFile(b.Destination(stem, year))
		if err != nil {
			return nil, err
		}
		keys := make([]int64, 0, len(rows))
		for ts := range rows {
			keys = append(keys, ts)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, ts := range keys {
			t := time.Unix(ts, 0).UTC()
			if t.Before(start) || t.After(end) {
				continue
			}
			out = append(out, ObservationRow{Timestamp: t, Values: rows[ts]})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}
