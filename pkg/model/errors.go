package model

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can decide between local
// recovery and propagation.
type Kind string

const (
	// KindInvalidGeometry reports CT/mask/dose grids disagreeing on shape
	// or spacing. Fatal.
	KindInvalidGeometry Kind = "INVALID_GEOMETRY"

	// KindMissingStructure reports a referenced structure without a mask.
	// Recoverable: the objective or normalization step is skipped.
	KindMissingStructure Kind = "MISSING_STRUCTURE"

	// KindNumericFailure reports NaN/Inf in dose or gradient. Fatal; the
	// last good state is preserved by the caller.
	KindNumericFailure Kind = "NUMERIC_FAILURE"

	// KindUnconverged reports an optimizer that exhausted max_iterations.
	// Recoverable: best-so-far is returned.
	KindUnconverged Kind = "UNCONVERGED"

	// KindCancelled reports cooperative cancellation or a timeout; partial
	// results are returned with it.
	KindCancelled Kind = "CANCELLED"

	// KindResourceExhausted reports an allocation failure for a dose grid.
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"

	// KindConfigError reports an unrecognized algorithm or out-of-range
	// parameter detected at setup.
	KindConfigError Kind = "CONFIG_ERROR"
)

// Error is the typed error carried across component boundaries. The
// controller attaches Component and Index context before surfacing it.
type Error struct {
	Kind      Kind
	Component string
	Index     int
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Component != "" {
		if e.Index >= 0 {
			msg = fmt.Sprintf("%s [%s #%d]", msg, e.Component, e.Index)
		} else {
			msg = fmt.Sprintf("%s [%s]", msg, e.Component)
		}
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Index: -1, Message: message}
}

// WrapError creates an Error of the given kind wrapping a cause.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Index: -1, Message: message, Err: err}
}

// WithContext returns a copy of err annotated with the component name and
// element index (beam, objective, ...). Non-*Error values are wrapped in an
// Error of kind NumericFailure.
func WithContext(err error, component string, index int) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		clone := *e
		clone.Component = component
		clone.Index = index
		return &clone
	}
	return &Error{Kind: KindNumericFailure, Component: component, Index: index, Message: err.Error(), Err: err}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
