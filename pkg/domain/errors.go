package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrRunNotFound       = errors.New("run not found")
	ErrMissingConfig     = errors.New("missing node configuration")
	ErrNodeTimeout       = errors.New("node timed out")
	ErrCycleDetected     = errors.New("cycle detected in pipeline graph")
	ErrInternal          = errors.New("internal execution error")
)

// InternalError records an unexpected failure while coordinating a run. It is
// caught at the run boundary and surfaces as a run in the error state.
type InternalError struct {
	RunID string
	Err   error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("run %s: internal error: %v", e.RunID, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}
