package ort

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/ebitengine/purego"
)

// minRuntimeVersion is the oldest ONNX Runtime release that exports the
// batched pipeline entry points this package binds to.
const minRuntimeVersion = "1.23.0"

var (
	mu             sync.Mutex
	refCount       int
	ortLib         uintptr
	ortAPI         *OrtApi
	ortEnv         uintptr
	libPath        string
	logLevel       = LoggingLevelWarning
	runtimeVersion string

	getVersionStringFunc func() uintptr

	createEnvFunc       func(int32, uintptr, *uintptr) uintptr
	releaseEnvFunc      func(uintptr)
	getErrorCodeFunc    func(uintptr) int32
	getErrorMessageFunc func(uintptr) uintptr
	releaseStatusFunc   func(uintptr)

	createMemoryInfoFunc  func(uintptr, AllocatorType, int32, MemType, *uintptr) uintptr
	releaseMemoryInfoFunc func(uintptr)

	createTensorWithDataAsOrtValueFunc func(uintptr, uintptr, uintptr, *int64, uintptr, TensorElementDataType, *uintptr) uintptr
	releaseValueFunc                   func(uintptr)

	getAllocatorWithDefaultOptionsFunc func(*uintptr) uintptr
	allocatorFreeFunc                  func(uintptr, uintptr) uintptr

	createRequestBatchFunc  func(*uintptr) uintptr
	releaseRequestBatchFunc func(uintptr)
	clearRequestBatchFunc   func(uintptr) uintptr
	addRequestToBatchFunc   func(uintptr, uintptr, uintptr, uintptr) uintptr

	createResponseBatchFunc  func(*uintptr) uintptr
	releaseResponseBatchFunc func(uintptr)
	clearResponseBatchFunc   func(uintptr) uintptr
	addResponseToBatchFunc   func(uintptr, uintptr, uintptr, uintptr, uintptr) uintptr
	getResponseValuesFunc    func(uintptr, uintptr, uintptr, *uintptr, *uintptr) uintptr

	createPipelineSessionFunc  func(uintptr, uintptr, *uintptr) uintptr
	releasePipelineSessionFunc func(uintptr)
	pipelineSessionRunFunc     func(uintptr, uintptr, uintptr, int32) uintptr
)

// SetSharedLibraryPath sets the path to the ONNX Runtime shared library.
// Must be called before InitializeEnvironment and cannot be changed while the
// environment is initialized.
func SetSharedLibraryPath(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		return fmt.Errorf("cannot change library path after environment is initialized")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("library path cannot be empty")
	}
	libPath = path
	return nil
}

// SetLogLevel sets the engine-side logging level used when the environment is
// created. Cannot be changed while the environment is initialized.
func SetLogLevel(level LoggingLevel) error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		return fmt.Errorf("cannot change log level after environment is initialized")
	}
	logLevel = level
	return nil
}

// IsInitialized returns true if the environment is initialized.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refCount > 0
}

// GetVersionString returns the loaded ONNX Runtime version, or "0.0.0-dev"
// when the environment is not initialized.
func GetVersionString() string {
	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 || runtimeVersion == "" {
		return "0.0.0-dev"
	}
	return runtimeVersion
}

// InitializeEnvironment loads the ONNX Runtime shared library, resolves the
// core API table and the pipeline entry points, and creates the process-wide
// OrtEnv. Initialization is reference counted: each call must be paired with
// a DestroyEnvironment call.
func InitializeEnvironment() error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		refCount++
		return nil
	}

	if libPath == "" {
		return fmt.Errorf("library path not set, call SetSharedLibraryPath first")
	}

	lib, err := loadLibrary(libPath)
	if err != nil || lib == 0 {
		return fmt.Errorf("failed to load ONNX Runtime library %q: %w", libPath, err)
	}

	if err := initializeRuntimeLocked(lib); err != nil {
		resetRuntimeFuncsLocked()
		_ = closeLibrary(lib)
		return err
	}

	ortLib = lib
	refCount = 1
	return nil
}

// DestroyEnvironment decrements the initialization reference count, releasing
// the OrtEnv and unloading the shared library when it reaches zero. Safe to
// call on a never-initialized environment.
func DestroyEnvironment() error {
	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 {
		return nil
	}

	refCount--
	if refCount > 0 {
		return nil
	}

	if ortEnv != 0 && releaseEnvFunc != nil {
		releaseEnvFunc(ortEnv)
	}
	lib := ortLib
	resetRuntimeFuncsLocked()

	if err := closeLibrary(lib); err != nil {
		return fmt.Errorf("failed to unload ONNX Runtime library: %w", err)
	}
	return nil
}

func initializeRuntimeLocked(lib uintptr) error {
	sym, err := getSymbol(lib, "OrtGetApiBase")
	if err != nil || sym == 0 {
		return fmt.Errorf("failed to load ONNX Runtime library %q: OrtGetApiBase not found: %w", libPath, err)
	}

	var getApiBase func() *OrtApiBase
	purego.RegisterFunc(&getApiBase, sym)
	apiBase := getApiBase()
	if apiBase == nil || apiBase.GetApi == 0 {
		return fmt.Errorf("OrtGetApiBase returned an invalid API base")
	}

	var getVersion func() uintptr
	if apiBase.GetVersionString != 0 {
		purego.RegisterFunc(&getVersion, apiBase.GetVersionString)
	}
	version := "unknown"
	if getVersion != nil {
		version = CstringToGo(getVersion())
	}
	if err := checkRuntimeVersion(version); err != nil {
		return err
	}

	var getApi func(uint32) *OrtApi
	purego.RegisterFunc(&getApi, apiBase.GetApi)
	api := getApi(ORT_API_VERSION)
	if api == nil {
		return fmt.Errorf("ONNX Runtime %s does not support API version %d", version, ORT_API_VERSION)
	}

	if err := registerCoreFunctions(api); err != nil {
		return err
	}
	if err := registerPipelineFunctions(lib); err != nil {
		return err
	}

	logIDBytes, logIDPtr := GoToCstring("pure-onnx-pipeline")
	var env uintptr
	status := createEnvFunc(int32(logLevel), logIDPtr, &env)
	runtime.KeepAlive(logIDBytes)
	if err := errorFromStatus(ErrResourceAllocation, "create environment", status); err != nil {
		return err
	}

	ortAPI = api
	ortEnv = env
	runtimeVersion = version
	getVersionStringFunc = getVersion
	return nil
}

// checkRuntimeVersion rejects runtime builds predating the pipeline API.
func checkRuntimeVersion(version string) error {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return fmt.Errorf("failed to parse ONNX Runtime version %q: %w", version, err)
	}
	if v.LessThan(semver.MustParse(minRuntimeVersion)) {
		return fmt.Errorf("ONNX Runtime %s predates the pipeline API, need >= %s", version, minRuntimeVersion)
	}
	return nil
}

func registerCoreFunctions(api *OrtApi) error {
	entries := []struct {
		name string
		addr uintptr
		fn   any
	}{
		{"GetErrorCode", api.GetErrorCode, &getErrorCodeFunc},
		{"GetErrorMessage", api.GetErrorMessage, &getErrorMessageFunc},
		{"ReleaseStatus", api.ReleaseStatus, &releaseStatusFunc},
		{"CreateEnv", api.CreateEnv, &createEnvFunc},
		{"ReleaseEnv", api.ReleaseEnv, &releaseEnvFunc},
		{"CreateMemoryInfo", api.CreateMemoryInfo, &createMemoryInfoFunc},
		{"ReleaseMemoryInfo", api.ReleaseMemoryInfo, &releaseMemoryInfoFunc},
		{"CreateTensorWithDataAsOrtValue", api.CreateTensorWithDataAsOrtValue, &createTensorWithDataAsOrtValueFunc},
		{"ReleaseValue", api.ReleaseValue, &releaseValueFunc},
		{"GetAllocatorWithDefaultOptions", api.GetAllocatorWithDefaultOptions, &getAllocatorWithDefaultOptionsFunc},
		{"AllocatorFree", api.AllocatorFree, &allocatorFreeFunc},
	}

	for _, entry := range entries {
		if entry.addr == 0 {
			return fmt.Errorf("ONNX Runtime API table has no %s entry", entry.name)
		}
		purego.RegisterFunc(entry.fn, entry.addr)
	}
	return nil
}

// registerPipelineFunctions resolves the batched pipeline entry points, which
// are exported as plain C symbols rather than through the OrtApi table.
func registerPipelineFunctions(lib uintptr) error {
	symbols := []struct {
		name string
		fn   any
	}{
		{"OrtCreateRequestBatch", &createRequestBatchFunc},
		{"OrtReleaseRequestBatch", &releaseRequestBatchFunc},
		{"OrtClearRequestBatch", &clearRequestBatchFunc},
		{"OrtAddRequestToBatch", &addRequestToBatchFunc},
		{"OrtCreateResponseBatch", &createResponseBatchFunc},
		{"OrtReleaseResponseBatch", &releaseResponseBatchFunc},
		{"OrtClearResponseBatch", &clearResponseBatchFunc},
		{"OrtAddResponseToBatch", &addResponseToBatchFunc},
		{"OrtGetResponseValues", &getResponseValuesFunc},
		{"OrtCreatePipelineSession", &createPipelineSessionFunc},
		{"OrtReleasePipelineSession", &releasePipelineSessionFunc},
		{"OrtPipelineSessionRun", &pipelineSessionRunFunc},
	}

	for _, symbol := range symbols {
		addr, err := getSymbol(lib, symbol.name)
		if err != nil || addr == 0 {
			return fmt.Errorf("pipeline symbol %s not exported by %q (a pipeline-enabled ONNX Runtime build is required): %w", symbol.name, libPath, err)
		}
		purego.RegisterFunc(symbol.fn, addr)
	}
	return nil
}

// resetRuntimeFuncsLocked clears all registered entry points and handles.
// Callers must hold mu. libPath and logLevel survive so the environment can
// be re-initialized.
func resetRuntimeFuncsLocked() {
	ortLib = 0
	ortAPI = nil
	ortEnv = 0
	runtimeVersion = ""

	getVersionStringFunc = nil
	createEnvFunc = nil
	releaseEnvFunc = nil
	getErrorCodeFunc = nil
	getErrorMessageFunc = nil
	releaseStatusFunc = nil
	createMemoryInfoFunc = nil
	releaseMemoryInfoFunc = nil
	createTensorWithDataAsOrtValueFunc = nil
	releaseValueFunc = nil
	getAllocatorWithDefaultOptionsFunc = nil
	allocatorFreeFunc = nil
	createRequestBatchFunc = nil
	releaseRequestBatchFunc = nil
	clearRequestBatchFunc = nil
	addRequestToBatchFunc = nil
	createResponseBatchFunc = nil
	releaseResponseBatchFunc = nil
	clearResponseBatchFunc = nil
	addResponseToBatchFunc = nil
	getResponseValuesFunc = nil
	createPipelineSessionFunc = nil
	releasePipelineSessionFunc = nil
	pipelineSessionRunFunc = nil
}
