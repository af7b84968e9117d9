package models

import (
	"strings"
	"time"
)

// SourceFile describes one input file as seen at discovery time. It is
// immutable once created; the processed-file cache keys on all three of
// path, size and modification time so a rewritten file is picked up again.
type SourceFile struct {
	Path    string    `json:"path"`
	Format  string    `json:"format"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// TimezoneCutover describes a historical change of a logger's clock
// convention. Rows at or before CutoverEnd are interpreted in SourceTZ,
// later rows in PostTZ; both halves are re-expressed in TargetTZ.
type TimezoneCutover struct {
	SourceTZ   string
	CutoverEnd time.Time
	PostTZ     string
	TargetTZ   string
}

// ShiftWindow adds a manual hour offset to every row inside the closed
// interval [Start, End]. Offsets may be fractional, negative or very
// large (clock-drift incident patches).
type ShiftWindow struct {
	Start       time.Time
	End         time.Time
	OffsetHours float64
}

// RuleBundle is the fully-resolved rule configuration of one group.
// Aliases between shared sub-configs are resolved at load time, so the
// engine never consults global tables.
type RuleBundle struct {
	Cutover     *TimezoneCutover
	Shifts      []ShiftWindow
	Calibration []CalibrationRule
	Quality     []QualityRule
	Overrides   []OverrideRule
	Renames     map[string]string
}

// Group identifies one station + sampling interval + rule bundle. A
// group owns exactly one destination table (or one flat file per year)
// and is the unit of both ingestion and persistence.
type Group struct {
	ID          string
	Station     string
	Interval    time.Duration
	Tolerance   time.Duration
	Claims      []string // source-file name substrings that claim files
	Destination string   // destination table / file stem
	Rules       RuleBundle
}

// Claimed reports whether the group claims a file by name substring,
// case-insensitively.
func (g *Group) Claimed(name string) bool {
	lower := strings.ToLower(name)
	for _, c := range g.Claims {
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			return true
		}
	}
	return false
}
