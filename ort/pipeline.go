package ort

import (
	"fmt"
	"runtime"
)

// PipelineSession owns a compiled multi-stage pipeline graph bound to the
// process-wide environment. It is immutable after construction except for
// internal execution state advanced by Run. A PipelineSession is not safe for
// concurrent use without external synchronization.
type PipelineSession struct {
	handle     uintptr // Pointer to OrtPipelineSession
	configPath string
}

// NewPipelineSession loads and compiles a multi-stage pipeline from a
// definition file. The file format is owned by the engine; this package only
// hands over the UTF-8 path. Requires an initialized environment.
func NewPipelineSession(configPath string) (*PipelineSession, error) {
	if configPath == "" {
		return nil, fmt.Errorf("%w: pipeline definition path cannot be empty", ErrInvalidArgument)
	}

	mu.Lock()
	env := ortEnv
	createSession := createPipelineSessionFunc
	mu.Unlock()
	if env == 0 || createSession == nil {
		return nil, ErrNotInitialized
	}

	pathBytes, pathPtr := GoToCstring(configPath)
	var handle uintptr
	status := createSession(env, pathPtr, &handle)
	runtime.KeepAlive(pathBytes)
	if err := errorFromStatus(ErrPipelineCompilation, fmt.Sprintf("create pipeline session from %q", configPath), status); err != nil {
		return nil, err
	}

	session := &PipelineSession{
		handle:     handle,
		configPath: configPath,
	}
	runtime.SetFinalizer(session, func(s *PipelineSession) {
		_ = s.Destroy()
	})

	return session, nil
}

// Run executes the compiled pipeline, consuming every entry of requestBatch
// and depositing results into the corresponding entries of responseBatch.
// numSteps bounds the pipelined work per call; the stage count itself is
// fixed by the compiled definition. The call blocks until the engine returns
// and cannot be interrupted mid-flight.
//
// On failure nothing is guaranteed about responseBatch beyond "entries
// written before the failing stage may be visible"; callers must not assume
// atomicity across batch entries.
func (s *PipelineSession) Run(requestBatch *RequestBatch, responseBatch *ResponseBatch, numSteps int) error {
	if s == nil || s.handle == 0 {
		return fmt.Errorf("%w: pipeline session is not valid", ErrInvalidArgument)
	}
	if !requestBatch.IsValid() {
		return fmt.Errorf("%w: request batch is not valid", ErrInvalidArgument)
	}
	if !responseBatch.IsValid() {
		return fmt.Errorf("%w: response batch is not valid", ErrInvalidArgument)
	}

	mu.Lock()
	run := pipelineSessionRunFunc
	mu.Unlock()
	if run == nil {
		return ErrNotInitialized
	}

	// #nosec G115 -- numSteps is a throughput bound; the engine validates it.
	status := run(s.handle, requestBatch.handle, responseBatch.handle, int32(numSteps))
	runtime.KeepAlive(requestBatch)
	runtime.KeepAlive(responseBatch)
	return errorFromStatus(ErrExecution, fmt.Sprintf("run pipeline for %d steps", numSteps), status)
}

// ConfigPath returns the pipeline definition path the session was built from.
func (s *PipelineSession) ConfigPath() string {
	if s == nil {
		return ""
	}
	return s.configPath
}

// Destroy releases the native pipeline handle. Outstanding request and
// response batches are independent resources and are unaffected. Idempotent
// and safe on a zero handle.
func (s *PipelineSession) Destroy() error {
	if s == nil {
		return nil
	}

	mu.Lock()
	handle := s.handle
	releaseSession := releasePipelineSessionFunc
	s.handle = 0
	runtime.SetFinalizer(s, nil)
	mu.Unlock()

	if handle != 0 && releaseSession != nil {
		releaseSession(handle)
	}
	return nil
}

// IsValid returns true while the session still owns its native handle.
func (s *PipelineSession) IsValid() bool {
	return s != nil && s.handle != 0
}
