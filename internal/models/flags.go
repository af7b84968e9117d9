package models

import "strings"

// Quality flag codes. Zero means the value passed every check; 99 marks
// a cell that never decoded to a value at all. Other positive codes are
// assigned by the group's rule configuration.
const (
	FlagGood       = 0
	FlagOutOfRange = 2
	FlagMissing    = 99
)

// FlagSuffix is appended to a variable name to form its companion
// quality-flag column.
const FlagSuffix = "_flag"

// FlagColumnName returns the flag column companion of a variable.
func FlagColumnName(variable string) string {
	return variable + FlagSuffix
}

// IsFlagColumn reports whether a column name denotes a flag column.
func IsFlagColumn(name string) bool {
	return strings.HasSuffix(name, FlagSuffix)
}

// VariableName strips the flag suffix, returning the variable a flag
// column belongs to. Non-flag names pass through unchanged.
func VariableName(name string) string {
	return strings.TrimSuffix(name, FlagSuffix)
}
