package ort

import (
	"errors"
	"fmt"
)

// Error classes for the batched pipeline API. Wrapped errors carry the
// underlying native diagnostic where one exists; match with errors.Is.
var (
	// ErrNotInitialized is returned when an operation requires an initialized
	// runtime environment.
	ErrNotInitialized = errors.New("ONNX Runtime not initialized")

	// ErrInvalidArgument is returned for caller errors detected before any
	// native call, such as mismatched parallel slice lengths. The target
	// object is left unchanged.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceAllocation is returned when a native container or session
	// could not be allocated.
	ErrResourceAllocation = errors.New("resource allocation failed")

	// ErrExecution is returned when a native call failed during batch
	// population, result extraction, or pipeline execution.
	ErrExecution = errors.New("execution failed")

	// ErrPipelineCompilation is returned when a pipeline definition failed to
	// load or compile.
	ErrPipelineCompilation = errors.New("pipeline compilation failed")
)

// StatusError carries the diagnostic extracted from a failed OrtStatus.
type StatusError struct {
	Op      string
	Code    ErrorCode
	Message string
	class   error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: failed to %s (code %d)", e.class, e.Op, e.Code)
	}
	return fmt.Sprintf("%s: failed to %s: %s (code %d)", e.class, e.Op, e.Message, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.class
}

// errorFromStatus translates a native OrtStatus into a *StatusError of the
// given error class and releases the status. A zero status is success and
// yields nil.
func errorFromStatus(class error, op string, status uintptr) error {
	if status == 0 {
		return nil
	}
	defer releaseStatus(status)
	return &StatusError{
		Op:      op,
		Code:    statusCode(status),
		Message: statusMessage(status),
		class:   class,
	}
}

// statusCode returns the error code of a native status, or ErrorCodeFail when
// the runtime is not initialized. Reads the registered function directly; may
// be called with mu held.
func statusCode(status uintptr) ErrorCode {
	if status == 0 {
		return ErrorCodeOK
	}
	fn := getErrorCodeFunc
	if fn == nil {
		return ErrorCodeFail
	}
	return ErrorCode(fn(status))
}

// statusMessage returns the diagnostic message of a native status, or "" when
// the runtime is not initialized.
func statusMessage(status uintptr) string {
	if status == 0 {
		return ""
	}
	fn := getErrorMessageFunc
	if fn == nil {
		return ""
	}
	return CstringToGo(fn(status))
}

// releaseStatus frees a native status. Safe on a zero status and before
// initialization.
func releaseStatus(status uintptr) {
	if status == 0 {
		return
	}
	if fn := releaseStatusFunc; fn != nil {
		fn(status)
	}
}
