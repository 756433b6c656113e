package ort

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFromStatusSuccess(t *testing.T) {
	resetAfterTest(t)
	if err := errorFromStatus(ErrExecution, "run pipeline", 0); err != nil {
		t.Fatalf("Zero status must be success, got %v", err)
	}
}

func TestErrorFromStatus(t *testing.T) {
	resetAfterTest(t)
	statuses := installStatusStub()
	status := statuses.newStatus(ErrorCodeInvalidArgument, "input_ids has rank 3, expected 2")

	err := errorFromStatus(ErrExecution, "add request to batch", status)
	if err == nil {
		t.Fatal("Expected an error for a nonzero status")
	}
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("Expected ErrExecution class, got %v", err)
	}
	if errors.Is(err, ErrInvalidArgument) {
		t.Fatal("Error must not match other classes")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected *StatusError, got %T", err)
	}
	if statusErr.Op != "add request to batch" {
		t.Fatalf("Unexpected op %q", statusErr.Op)
	}
	if statusErr.Code != ErrorCodeInvalidArgument {
		t.Fatalf("Unexpected code %d", statusErr.Code)
	}
	if statusErr.Message != "input_ids has rank 3, expected 2" {
		t.Fatalf("Unexpected message %q", statusErr.Message)
	}

	want := "execution failed: failed to add request to batch: input_ids has rank 3, expected 2 (code 2)"
	if msg := err.Error(); msg != want {
		t.Fatalf("Error text must render the diagnostic message and code, got %q, want %q", msg, want)
	}

	// The native status is released exactly once during translation.
	if statuses.releaseCount(status) != 1 {
		t.Fatalf("Expected status released exactly once, got %d", statuses.releaseCount(status))
	}
}

func TestErrorFromStatusClassTaxonomy(t *testing.T) {
	resetAfterTest(t)
	statuses := installStatusStub()

	classes := []error{ErrResourceAllocation, ErrExecution, ErrPipelineCompilation}
	for _, class := range classes {
		status := statuses.newStatus(ErrorCodeFail, "boom")
		err := errorFromStatus(class, "test op", status)
		if !errors.Is(err, class) {
			t.Errorf("Expected error to match class %v, got %v", class, err)
		}
	}
}

func TestErrorFromStatusUninitialized(t *testing.T) {
	resetAfterTest(t)

	// Without registered accessors the translation still produces a usable
	// error with a generic code.
	err := errorFromStatus(ErrExecution, "run pipeline", 0xDEAD)
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("Expected ErrExecution, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected *StatusError, got %T", err)
	}
	if statusErr.Code != ErrorCodeFail {
		t.Fatalf("Expected fallback code %d, got %d", ErrorCodeFail, statusErr.Code)
	}
	if statusErr.Message != "" {
		t.Fatalf("Expected empty message, got %q", statusErr.Message)
	}
}

func TestStatusErrorWithoutMessage(t *testing.T) {
	err := &StatusError{Op: "create tensor", Code: ErrorCodeFail, class: ErrResourceAllocation}
	msg := err.Error()
	if !strings.Contains(msg, "create tensor") || !strings.Contains(msg, "code 1") {
		t.Fatalf("Unexpected error text %q", msg)
	}
}
