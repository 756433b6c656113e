package ort

import (
	"errors"
	"os"
	"testing"
)

func setTestEnvHandle(handle uintptr) {
	mu.Lock()
	ortEnv = handle
	mu.Unlock()
}

func TestNewPipelineSessionEmptyPath(t *testing.T) {
	resetAfterTest(t)
	_, err := NewPipelineSession("")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestNewPipelineSessionUninitialized(t *testing.T) {
	resetAfterTest(t)
	_, err := NewPipelineSession("ensemble.json")
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestNewPipelineSession(t *testing.T) {
	resetAfterTest(t)
	installStatusStub()
	stub := installPipelineStub()
	setTestEnvHandle(0x99)

	session, err := NewPipelineSession("ensemble.json")
	if err != nil {
		t.Fatalf("Error creating pipeline session: %v", err)
	}
	defer func() { _ = session.Destroy() }()

	if !session.IsValid() {
		t.Fatal("Expected a valid session")
	}
	if session.ConfigPath() != "ensemble.json" {
		t.Fatalf("Expected config path %q, got %q", "ensemble.json", session.ConfigPath())
	}
	if len(stub.createdPaths) != 1 || stub.createdPaths[0] != "ensemble.json" {
		t.Fatalf("Unexpected marshaled path: %v", stub.createdPaths)
	}
	if len(stub.createdEnvs) != 1 || stub.createdEnvs[0] != 0x99 {
		t.Fatalf("Expected session bound to env %#x, got %#v", 0x99, stub.createdEnvs)
	}
}

func TestNewPipelineSessionCompilationFailure(t *testing.T) {
	resetAfterTest(t)
	statuses := installStatusStub()
	stub := installPipelineStub()
	setTestEnvHandle(0x99)

	status := statuses.newStatus(ErrorCodeInvalidGraph, "stage 2 references unknown model")
	stub.createStatus = status

	_, err := NewPipelineSession("broken.json")
	if !errors.Is(err, ErrPipelineCompilation) {
		t.Fatalf("Expected ErrPipelineCompilation, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected *StatusError, got %T", err)
	}
	if statusErr.Code != ErrorCodeInvalidGraph {
		t.Fatalf("Expected code %d, got %d", ErrorCodeInvalidGraph, statusErr.Code)
	}
	if statusErr.Message != "stage 2 references unknown model" {
		t.Fatalf("Unexpected message %q", statusErr.Message)
	}
	if statuses.releaseCount(status) != 1 {
		t.Fatalf("Expected failing status released exactly once, got %d", statuses.releaseCount(status))
	}
}

func TestPipelineSessionRun(t *testing.T) {
	resetAfterTest(t)
	installStatusStub()
	installRequestBatchStub()
	installResponseBatchStub()
	stub := installPipelineStub()
	setTestEnvHandle(0x99)

	session, err := NewPipelineSession("ensemble.json")
	if err != nil {
		t.Fatalf("Error creating pipeline session: %v", err)
	}
	defer func() { _ = session.Destroy() }()

	request, err := NewRequestBatch()
	if err != nil {
		t.Fatalf("Error creating request batch: %v", err)
	}
	defer func() { _ = request.Destroy() }()
	response, err := NewResponseBatch()
	if err != nil {
		t.Fatalf("Error creating response batch: %v", err)
	}
	defer func() { _ = response.Destroy() }()

	if err := session.Run(request, response, 8); err != nil {
		t.Fatalf("Error running pipeline: %v", err)
	}
	if len(stub.runCalls) != 1 {
		t.Fatalf("Expected 1 native run call, got %d", len(stub.runCalls))
	}
	call := stub.runCalls[0]
	if call.session != session.handle || call.request != request.handle || call.response != response.handle {
		t.Fatalf("Run handle mismatch: %+v", call)
	}
	if call.numSteps != 8 {
		t.Fatalf("Expected numSteps 8 passed through, got %d", call.numSteps)
	}

	// Zero steps is handed to the engine unchanged, not rejected here.
	if err := session.Run(request, response, 0); err != nil {
		t.Fatalf("Error running pipeline with zero steps: %v", err)
	}
	if stub.runCalls[1].numSteps != 0 {
		t.Fatalf("Expected numSteps 0 passed through, got %d", stub.runCalls[1].numSteps)
	}
}

func TestPipelineSessionRunInvalidBatches(t *testing.T) {
	resetAfterTest(t)
	installStatusStub()
	installRequestBatchStub()
	installResponseBatchStub()
	stub := installPipelineStub()
	setTestEnvHandle(0x99)

	session, err := NewPipelineSession("ensemble.json")
	if err != nil {
		t.Fatalf("Error creating pipeline session: %v", err)
	}
	defer func() { _ = session.Destroy() }()

	request, err := NewRequestBatch()
	if err != nil {
		t.Fatalf("Error creating request batch: %v", err)
	}
	response, err := NewResponseBatch()
	if err != nil {
		t.Fatalf("Error creating response batch: %v", err)
	}

	if err := session.Run(nil, response, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument for nil request batch, got %v", err)
	}
	if err := session.Run(request, nil, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument for nil response batch, got %v", err)
	}

	_ = request.Destroy()
	if err := session.Run(request, response, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument for destroyed request batch, got %v", err)
	}
	_ = response.Destroy()

	_ = session.Destroy()
	if err := session.Run(request, response, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument for destroyed session, got %v", err)
	}
	if len(stub.runCalls) != 0 {
		t.Fatalf("Invalid runs must not reach the native layer, got %d calls", len(stub.runCalls))
	}
}

func TestPipelineSessionRunNativeFailure(t *testing.T) {
	resetAfterTest(t)
	statuses := installStatusStub()
	installRequestBatchStub()
	installResponseBatchStub()
	stub := installPipelineStub()
	setTestEnvHandle(0x99)

	session, err := NewPipelineSession("ensemble.json")
	if err != nil {
		t.Fatalf("Error creating pipeline session: %v", err)
	}
	defer func() { _ = session.Destroy() }()
	request, err := NewRequestBatch()
	if err != nil {
		t.Fatalf("Error creating request batch: %v", err)
	}
	defer func() { _ = request.Destroy() }()
	response, err := NewResponseBatch()
	if err != nil {
		t.Fatalf("Error creating response batch: %v", err)
	}
	defer func() { _ = response.Destroy() }()

	status := statuses.newStatus(ErrorCodeEngineError, "stage 1 execution failed")
	stub.runStatus = status

	err = session.Run(request, response, 4)
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("Expected ErrExecution, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected *StatusError, got %T", err)
	}
	if statusErr.Code != ErrorCodeEngineError || statusErr.Message != "stage 1 execution failed" {
		t.Fatalf("Unexpected diagnostic: code %d message %q", statusErr.Code, statusErr.Message)
	}

	// The session stays usable after a failed run.
	stub.runStatus = 0
	if err := session.Run(request, response, 4); err != nil {
		t.Fatalf("Error rerunning pipeline after failure: %v", err)
	}
}

func TestPipelineSessionDestroyIdempotent(t *testing.T) {
	resetAfterTest(t)
	installStatusStub()
	stub := installPipelineStub()
	setTestEnvHandle(0x99)

	session, err := NewPipelineSession("ensemble.json")
	if err != nil {
		t.Fatalf("Error creating pipeline session: %v", err)
	}
	handle := session.handle

	if err := session.Destroy(); err != nil {
		t.Fatalf("Error destroying session: %v", err)
	}
	if session.IsValid() {
		t.Fatal("Session must be invalid after destroy")
	}
	if err := session.Destroy(); err != nil {
		t.Fatalf("Second destroy must be a no-op, got %v", err)
	}
	if len(stub.released) != 1 || stub.released[0] != handle {
		t.Fatalf("Expected exactly one native release of %#x, got %#v", handle, stub.released)
	}
	if session.ConfigPath() != "ensemble.json" {
		t.Fatal("ConfigPath must survive destruction")
	}
}

// TestPipelineSessionIntegration runs a real multi-stage pipeline when a
// runtime library and definition are available.
func TestPipelineSessionIntegration(t *testing.T) {
	libraryPath := os.Getenv("ONNXRUNTIME_LIB_PATH")
	configPath := os.Getenv("ONNXRUNTIME_PIPELINE_CONFIG")
	if libraryPath == "" || configPath == "" {
		t.Skip("Skipping integration test: ONNXRUNTIME_LIB_PATH and ONNXRUNTIME_PIPELINE_CONFIG not set")
	}
	resetAfterTest(t)

	if err := SetSharedLibraryPath(libraryPath); err != nil {
		t.Fatalf("Error setting library path: %v", err)
	}
	if err := InitializeEnvironment(); err != nil {
		t.Fatalf("Error initializing environment: %v", err)
	}
	defer func() { _ = DestroyEnvironment() }()

	session, err := NewPipelineSession(configPath)
	if err != nil {
		t.Fatalf("Error creating pipeline session: %v", err)
	}
	defer func() { _ = session.Destroy() }()

	inputIDs, err := NewTensor(NewShape(1, 4), []int64{101, 2023, 2003, 102})
	if err != nil {
		t.Fatalf("Error creating input tensor: %v", err)
	}
	defer func() { _ = inputIDs.Destroy() }()

	request, err := NewRequestBatch()
	if err != nil {
		t.Fatalf("Error creating request batch: %v", err)
	}
	defer func() { _ = request.Destroy() }()
	if err := request.AddToBatch([]string{"input_ids"}, []Value{inputIDs}); err != nil {
		t.Fatalf("Error adding request: %v", err)
	}

	memInfo, err := CreateCpuMemoryInfo(AllocatorTypeDevice, MemTypeDefault)
	if err != nil {
		t.Fatalf("Error creating memory info: %v", err)
	}
	defer func() { _ = memInfo.Destroy() }()

	response, err := NewResponseBatch()
	if err != nil {
		t.Fatalf("Error creating response batch: %v", err)
	}
	defer func() { _ = response.Destroy() }()
	if err := response.AddToBatch([]string{"logits"}, []Value{nil}, []*MemoryInfo{memInfo}); err != nil {
		t.Fatalf("Error adding response: %v", err)
	}

	if err := session.Run(request, response, 1); err != nil {
		t.Fatalf("Error running pipeline: %v", err)
	}

	allocator, err := GetDefaultAllocator()
	if err != nil {
		t.Fatalf("Error getting default allocator: %v", err)
	}
	values, err := response.GetOutputValues(0, allocator)
	if err != nil {
		t.Fatalf("Error getting output values: %v", err)
	}
	if len(values) == 0 {
		t.Fatal("Expected at least one output value")
	}
	for _, v := range values {
		_ = v.Destroy()
	}
}
