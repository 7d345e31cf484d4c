// Package errors provides consolidated error definitions for tiplot.
//
// This file provides:
//   - Sentinel errors for every failure class (transport, decode,
//     unsupported type, persistence, config)
//   - Error category checking functions
//   - PersistError, the typed failure returned by save/load
//   - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Transport errors: connection scoped, never fatal to the receiver.
	ErrConnectionClosed = errors.New("connection closed")
	ErrFrameTooLarge    = errors.New("frame exceeds size limit")
	ErrShortRead        = errors.New("short read")

	// Decode errors: malformed metadata aborts the connection, a malformed
	// table is skipped.
	ErrMalformedMetadata = errors.New("malformed metadata")
	ErrMalformedBatch    = errors.New("malformed columnar batch")

	// Ingestion warnings. A column with no coercion rule is dropped.
	ErrUnsupportedType = errors.New("column dropped: unsupported type")

	// Persistence errors.
	ErrNoData           = errors.New("no data to save")
	ErrEmptyTopic       = errors.New("topic has no arrays")
	ErrCorruptFile      = errors.New("corrupt data file")
	ErrTruncated        = errors.New("truncated data file")
	ErrInvalidTopicName = errors.New("invalid UTF-8 in topic name")

	// Queue errors.
	ErrQueueClosed = errors.New("event queue closed")

	// Lookup errors.
	ErrTopicNotFound  = errors.New("topic not found")
	ErrColumnNotFound = errors.New("column not found")

	// Validation errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidMode   = errors.New("invalid interpolation mode")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsTransport returns true if err is a connection-level failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrShortRead)
}

// IsDecode returns true if err came from parsing metadata or a batch.
func IsDecode(err error) bool {
	return errors.Is(err, ErrMalformedMetadata) ||
		errors.Is(err, ErrMalformedBatch)
}

// IsPersistence returns true if err is a save/load failure.
func IsPersistence(err error) bool {
	var pe *PersistError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrNoData) ||
		errors.Is(err, ErrEmptyTopic) ||
		errors.Is(err, ErrCorruptFile) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrInvalidTopicName)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidMode)
}

// ============================================================================
// PersistError
// ============================================================================

// PersistError describes a failed save or load with enough byte-level
// context to diagnose a damaged file.
type PersistError struct {
	Op       string // "save" or "load"
	Path     string
	Topic    string // empty when the failure precedes the first topic
	Offset   int64  // byte offset at which the failing read started, -1 if n/a
	Expected int64  // bytes the frame declared, -1 if n/a
	FileSize int64  // -1 if unknown
	Err      error
}

// Error implements the error interface.
func (e *PersistError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Path)
	if e.Topic != "" {
		fmt.Fprintf(&b, ": topic %q", e.Topic)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&b, ": at byte %d", e.Offset)
	}
	if e.Expected >= 0 {
		fmt.Fprintf(&b, ", expected %d bytes", e.Expected)
	}
	if e.FileSize >= 0 {
		fmt.Fprintf(&b, ", file size %d", e.FileSize)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PersistError) Unwrap() error {
	return e.Err
}

// NewPersistError creates a PersistError with no byte context.
func NewPersistError(op, path string, err error) *PersistError {
	return &PersistError{Op: op, Path: path, Offset: -1, Expected: -1, FileSize: -1, Err: err}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewUnsupportedType creates the warning attached to a dropped column.
func NewUnsupportedType(column, dataType string) error {
	return fmt.Errorf("column %q (%s): %w", column, dataType, ErrUnsupportedType)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
