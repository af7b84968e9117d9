package models

import (
	"math"
	"sort"
	"time"
)

// TimestampColumn is the reserved name of the time axis in every
// decoded table and every persisted destination.
const TimestampColumn = "TIMESTAMP"

// RowSource records where a row came from, for audit logging and
// file-level plausibility checks.
type RowSource struct {
	File string
	Line int
}

// Frame is the central in-memory value of the pipeline: an
// ordered-by-timestamp table mapping variable names to numeric columns.
// Missing values are NaN. All column slices have the same length as Times.
type Frame struct {
	Times   []time.Time
	Columns []string // column order as first seen, TIMESTAMP excluded
	Data    map[string][]float64
	Sources []RowSource // optional provenance, nil when a format has none
}

// NewFrame creates an empty frame.
func NewFrame() *Frame {
	return &Frame{
		Data: make(map[string][]float64),
	}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.Times)
}

// HasColumn reports whether the frame holds a column with the given name.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.Data[name]
	return ok
}

// Column returns the values of a column, or nil if it does not exist.
func (f *Frame) Column(name string) []float64 {
	return f.Data[name]
}

// AddColumn registers a new column filled with NaN. Adding an existing
// column is a no-op.
func (f *Frame) AddColumn(name string) []float64 {
	if col, ok := f.Data[name]; ok {
		return col
	}
	col := make([]float64, f.Len())
	for i := range col {
		col[i] = math.NaN()
	}
	f.Data[name] = col
	f.Columns = append(f.Columns, name)
	return col
}

// EnsureFlagColumn returns the companion flag column for a variable,
// creating it initialized to FlagGood if absent.
func (f *Frame) EnsureFlagColumn(variable string) []float64 {
	name := FlagColumnName(variable)
	if col, ok := f.Data[name]; ok {
		return col
	}
	col := make([]float64, f.Len())
	f.Data[name] = col
	f.Columns = append(f.Columns, name)
	return col
}

// AppendRow appends one row. Columns absent from values are padded
// with NaN; new column names are registered on first appearance.
func (f *Frame) AppendRow(t time.Time, values map[string]float64, src RowSource) {
	n := f.Len()
	f.Times = append(f.Times, t)
	for name := range values {
		if !f.HasColumn(name) {
			// backfill earlier rows
			col := make([]float64, n)
			for i := range col {
				col[i] = math.NaN()
			}
			f.Data[name] = col
			f.Columns = append(f.Columns, name)
		}
	}
	for _, name := range f.Columns {
		v, ok := values[name]
		if !ok {
			v = math.NaN()
		}
		f.Data[name] = append(f.Data[name], v)
	}
	if src != (RowSource{}) || f.Sources != nil {
		for len(f.Sources) < n {
			f.Sources = append(f.Sources, RowSource{})
		}
		f.Sources = append(f.Sources, src)
	}
}

// AppendFrame concatenates other below f, aligning columns by name and
// padding missing cells with NaN.
func (f *Frame) AppendFrame(other *Frame) {
	if other == nil || other.Len() == 0 {
		return
	}
	n := f.Len()
	for _, name := range other.Columns {
		if !f.HasColumn(name) {
			col := make([]float64, n)
			for i := range col {
				col[i] = math.NaN()
			}
			f.Data[name] = col
			f.Columns = append(f.Columns, name)
		}
	}
	f.Times = append(f.Times, other.Times...)
	for _, name := range f.Columns {
		src, ok := other.Data[name]
		if !ok {
			pad := make([]float64, other.Len())
			for i := range pad {
				pad[i] = math.NaN()
			}
			src = pad
		}
		f.Data[name] = append(f.Data[name], src...)
	}
	if f.Sources != nil || other.Sources != nil {
		for len(f.Sources) < n {
			f.Sources = append(f.Sources, RowSource{})
		}
		if other.Sources != nil {
			f.Sources = append(f.Sources, other.Sources...)
		} else {
			for i := 0; i < other.Len(); i++ {
				f.Sources = append(f.Sources, RowSource{})
			}
		}
	}
}

// SortByTime reorders all rows so that Times is non-decreasing. The
// sort is stable so same-timestamp rows keep their input order.
func (f *Frame) SortByTime() {
	n := f.Len()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return f.Times[idx[a]].Before(f.Times[idx[b]])
	})
	f.reorder(idx)
}

// DropRows keeps only the rows where keep[i] is true.
func (f *Frame) DropRows(keep []bool) {
	idx := make([]int, 0, f.Len())
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	f.reorder(idx)
}

func (f *Frame) reorder(idx []int) {
	times := make([]time.Time, len(idx))
	for i, j := range idx {
		times[i] = f.Times[j]
	}
	f.Times = times
	for name, col := range f.Data {
		out := make([]float64, len(idx))
		for i, j := range idx {
			out[i] = col[j]
		}
		f.Data[name] = out
	}
	if f.Sources != nil {
		sources := make([]RowSource, len(idx))
		for i, j := range idx {
			if j < len(f.Sources) {
				sources[i] = f.Sources[j]
			}
		}
		f.Sources = sources
	}
}

// MaskRange returns the indices of rows whose timestamp lies in the
// closed interval [start, end].
func (f *Frame) MaskRange(start, end time.Time) []int {
	var idx []int
	for i, t := range f.Times {
		if !t.Before(start) && !t.After(end) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Source returns the provenance of row i, or a zero RowSource when the
// frame carries none.
func (f *Frame) Source(i int) RowSource {
	if i < len(f.Sources) {
		return f.Sources[i]
	}
	return RowSource{}
}

// RenameColumns applies a source→destination name mapping. When two
// sources map to the same destination the duplicates are reconciled by
// taking the first non-missing value per row, in column order.
func (f *Frame) RenameColumns(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	renamed := make([]string, 0, len(f.Columns))
	for _, name := range f.Columns {
		dest, ok := mapping[name]
		if !ok {
			dest = name
		}
		if existing, dup := f.Data[dest]; dup && dest != name {
			col := f.Data[name]
			for i, v := range existing {
				if math.IsNaN(v) {
					existing[i] = col[i]
				}
			}
			delete(f.Data, name)
			continue
		}
		if dest != name {
			f.Data[dest] = f.Data[name]
			delete(f.Data, name)
		}
		renamed = append(renamed, dest)
	}
	f.Columns = renamed
}

// VariableColumns returns the names of all non-flag data columns, in
// frame order.
func (f *Frame) VariableColumns() []string {
	var out []string
	for _, name := range f.Columns {
		if !IsFlagColumn(name) {
			out = append(out, name)
		}
	}
	return out
}
