package types

import (
	"errors"
	"fmt"
)

// EngineFailureKind classifies a report engine failure
type EngineFailureKind string

const (
	// EngineLoadFailure means the template could not be loaded
	EngineLoadFailure EngineFailureKind = "LoadFailure"
	// EngineExportFailure means rendering or writing the output failed
	EngineExportFailure EngineFailureKind = "ExportFailure"
	// EngineParameterFailure means the date range could not be bound to the template
	EngineParameterFailure EngineFailureKind = "ParameterFailure"
)

// EngineError is the failure half of the report engine contract
type EngineError struct {
	Kind    EngineFailureKind
	Message string
	Err     error
}

// NewEngineError creates an engine failure of the given kind
func NewEngineError(kind EngineFailureKind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// WrapEngineError creates an engine failure that keeps the underlying cause
func WrapEngineError(kind EngineFailureKind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// AsEngineError returns the engine failure in err's chain, if any
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
