package models

import "time"

// CalibrationKind selects how a calibration rule transforms values.
// The kind is decided once when the configuration is loaded, never
// inferred per row.
type CalibrationKind int

const (
	// CalibrationScale applies value*Multiplier + Addend.
	CalibrationScale CalibrationKind = iota
	// CalibrationFormula evaluates an expression with the current value
	// bound to "x" plus the rule's constants.
	CalibrationFormula
	// CalibrationSwap evaluates a set of temporary expressions over the
	// masked rows and copies selected temporaries into final columns,
	// used for sensor-swap incidents.
	CalibrationSwap
)

// CalibrationRule adjusts the values of one column (or, for swap rules,
// a set of columns) inside a closed time window. An optional FileFilter
// restricts the rule to rows decoded from files whose name contains the
// substring.
type CalibrationRule struct {
	Kind       CalibrationKind
	Column     string
	Start      time.Time
	End        time.Time
	FileFilter string

	// CalibrationScale
	Multiplier float64
	Addend     float64

	// CalibrationFormula
	Formula   string
	Constants map[string]float64

	// CalibrationSwap
	SwapExprs  map[string]string // temporary name → expression over column names
	SwapAssign map[string]string // final column → temporary name
}

// QualityRule sets a flag code for rows of a column (or every variable
// column when Column is "*") inside a closed time window.
type QualityRule struct {
	Column     string
	Start      time.Time
	End        time.Time
	Code       int
	FileFilter string
}

// RangeRule flags values outside [Min, Max] for every column whose name
// starts with Prefix. Range rules are global, not per-group.
type RangeRule struct {
	Prefix string
	Min    float64
	Max    float64
	Code   int
}

// OverrideRule replaces a column's values with a literal inside a
// closed time window, for hand-curated fixes.
type OverrideRule struct {
	Column string
	Start  time.Time
	End    time.Time
	Value  float64
}
