// Package store reconciles newly-produced frames against whatever
// already exists for the same group, at cell granularity, and persists
// the result through one of two equivalent backends: a SQL table per
// group or a flat file per (group, year).
package store

import (
	"context"
	"sync"
	"time"

	"telemetry-pipeline/internal/models"
)

// Mode selects who wins when a cell exists on both sides of a merge.
type Mode int

const (
	// ModeFill keeps existing values; new values only fill cells that
	// are missing in the existing row.
	ModeFill Mode = iota
	// ModeOverwrite prefers new values; only missing new cells fall
	// back to existing values.
	ModeOverwrite
)

func (m Mode) String() string {
	if m == ModeOverwrite {
		return "overwrite"
	}
	return "fill"
}

// ColumnKind is the destination type of a column.
type ColumnKind int

const (
	// KindReal is a numeric measurement column.
	KindReal ColumnKind = iota
	// KindInteger is a quality-flag column.
	KindInteger
)

// ColumnSpec describes one destination column.
type ColumnSpec struct {
	Name string
	Kind ColumnKind
}

// Backend is one persistence implementation. Destination schemas only
// ever grow: EnsureSchema adds missing columns and never drops or
// retypes existing ones. WriteRows replaces same-timestamp rows.
type Backend interface {
	Name() string
	// Destination maps a group destination stem and a year slice to the
	// backend's storage unit. SQL tables ignore the year; flat files are
	// per (group, year).
	Destination(stem string, year int) string
	EnsureSchema(ctx context.Context, dest string, cols []ColumnSpec) error
	// ReadExisting returns, keyed by Unix timestamp, the cells already
	// persisted for the requested timestamps, restricted to the given
	// columns. Absent cells are simply absent from the inner map.
	ReadExisting(ctx context.Context, dest string, times []time.Time, cols []string) (map[int64]map[string]float64, error)
	WriteRows(ctx context.Context, dest string, frame *models.Frame) error
}

// storeMu serializes every destination write in the process. Schema
// ALTERs and file-replace writes are not safe to interleave, so even
// independent groups take this lock.
var storeMu sync.Mutex

// ColumnSpecs derives the destination column set of a frame.
func ColumnSpecs(frame *models.Frame) []ColumnSpec {
	specs := make([]ColumnSpec, 0, len(frame.Columns))
	for _, name := range frame.Columns {
		kind := KindReal
		if models.IsFlagColumn(name) {
			kind = KindInteger
		}
		specs = append(specs, ColumnSpec{Name: name, Kind: kind})
	}
	return specs
}
