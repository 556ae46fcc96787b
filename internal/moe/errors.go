package moe

import (
	"errors"
	"fmt"
)

// Common errors.
//
// Every typed error below unwraps to one of these, so callers can test the
// kind with errors.Is and extract details with errors.As.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrShapeMismatch    = errors.New("shape mismatch")
	ErrExpertInvocation = errors.New("expert invocation failed")
)

// ConfigurationError reports an invalid relationship between layer options.
// It is always raised before any forward pass runs.
type ConfigurationError struct {
	Field   string // Offending option (e.g., "top_k_groups")
	Details string // Human-readable explanation
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Details)
}

// Unwrap returns ErrInvalidConfig.
func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

// ShapeMismatchError reports a token or expert-output matrix with the wrong
// dimensions.
type ShapeMismatchError struct {
	Operand string // What was checked (e.g., "tokens", "expert 3 output")
	Want    [2]int // Expected rows, cols; a negative entry means "any"
	Got     [2]int // Actual rows, cols; negative where Want is
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: %s: want %s, got %s",
		ErrShapeMismatch, e.Operand, formatDims(e.Want), formatDims(e.Got))
}

// Unwrap returns ErrShapeMismatch.
func (e *ShapeMismatchError) Unwrap() error {
	return ErrShapeMismatch
}

func formatDims(d [2]int) string {
	r, c := "*", "*"
	if d[0] >= 0 {
		r = fmt.Sprint(d[0])
	}
	if d[1] >= 0 {
		c = fmt.Sprint(d[1])
	}
	return r + "x" + c
}

// ExpertInvocationError wraps a failure returned by an expert function.
// The whole forward pass is abandoned when one is raised.
type ExpertInvocationError struct {
	Expert int   // Expert id in [0, E)
	Err    error // Error returned by the expert
}

// Error implements the error interface.
func (e *ExpertInvocationError) Error() string {
	return fmt.Sprintf("%s: expert %d: %v", ErrExpertInvocation, e.Expert, e.Err)
}

// Unwrap exposes both ErrExpertInvocation and the expert's own error.
func (e *ExpertInvocationError) Unwrap() []error {
	return []error{ErrExpertInvocation, e.Err}
}

func configError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Details: fmt.Sprintf(format, args...)}
}
