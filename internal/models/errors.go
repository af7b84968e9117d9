package models

import "fmt"

// ValidationError represents a data validation problem in one record or
// rule. Validation errors are permanent: retrying the same input cannot
// succeed, so callers skip and log.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%q)", e.Field, e.Message, e.Value)
	}
	return e.Message
}

// NotFoundError indicates a missing resource (group, destination).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
