package model

import (
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for every persisted timestamp.
// Fixed width keeps lexical and chronological order identical in TEXT columns.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimestampLayout after converting to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime accepts TimestampLayout, RFC3339Nano and the naive ISO form emitted by edge nodes.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimestampLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", s)
}

// Sector bounds for greenhouse zones.
const (
	MinSector = 1
	MaxSector = 3
)

// ValidSector reports whether s names one of the greenhouse zones.
func ValidSector(s int) bool {
	return s >= MinSector && s <= MaxSector
}

// ErrValidation marks request or payload validation failures.
var ErrValidation = errors.New("validation failed")

// ValidationError describes the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IngestionError captures a payload that failed decoding or validation.
type IngestionError struct {
	ID        int64     `json:"id,omitempty"`
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
