package ort

// OrtApiBase mirrors the OrtApiBase struct returned by OrtGetApiBase.
type OrtApiBase struct {
	GetApi           uintptr
	GetVersionString uintptr
}

// OrtApi mirrors the prefix of the ONNX Runtime C API function-pointer table
// that this package uses. Field order must match onnxruntime_c_api.h exactly;
// the table is accessed positionally. Regenerate with tools/gen_ortapi.go when
// extending it.
type OrtApi struct {
	CreateStatus    uintptr
	GetErrorCode    uintptr
	GetErrorMessage uintptr

	CreateEnv                 uintptr
	CreateEnvWithCustomLogger uintptr
	EnableTelemetryEvents     uintptr
	DisableTelemetryEvents    uintptr

	CreateSession          uintptr
	CreateSessionFromArray uintptr
	Run                    uintptr

	CreateSessionOptions             uintptr
	SetOptimizedModelFilePath        uintptr
	CloneSessionOptions              uintptr
	SetSessionExecutionMode          uintptr
	EnableProfiling                  uintptr
	DisableProfiling                 uintptr
	EnableMemPattern                 uintptr
	DisableMemPattern                uintptr
	EnableCpuMemArena                uintptr
	DisableCpuMemArena               uintptr
	SetSessionLogId                  uintptr
	SetSessionLogVerbosityLevel      uintptr
	SetSessionLogSeverityLevel       uintptr
	SetSessionGraphOptimizationLevel uintptr
	SetIntraOpNumThreads             uintptr
	SetInterOpNumThreads             uintptr

	CreateCustomOpDomain     uintptr
	CustomOpDomain_Add       uintptr
	AddCustomOpDomain        uintptr
	RegisterCustomOpsLibrary uintptr

	SessionGetInputCount                     uintptr
	SessionGetOutputCount                    uintptr
	SessionGetOverridableInitializerCount    uintptr
	SessionGetInputTypeInfo                  uintptr
	SessionGetOutputTypeInfo                 uintptr
	SessionGetOverridableInitializerTypeInfo uintptr
	SessionGetInputName                      uintptr
	SessionGetOutputName                     uintptr
	SessionGetOverridableInitializerName     uintptr

	CreateRunOptions                  uintptr
	RunOptionsSetRunLogVerbosityLevel uintptr
	RunOptionsSetRunLogSeverityLevel  uintptr
	RunOptionsSetRunTag               uintptr
	RunOptionsGetRunLogVerbosityLevel uintptr
	RunOptionsGetRunLogSeverityLevel  uintptr
	RunOptionsGetRunTag               uintptr
	RunOptionsSetTerminate            uintptr
	RunOptionsUnsetTerminate          uintptr

	CreateTensorAsOrtValue         uintptr
	CreateTensorWithDataAsOrtValue uintptr
	IsTensor                       uintptr
	GetTensorMutableData           uintptr

	FillStringTensor          uintptr
	GetStringTensorDataLength uintptr
	GetStringTensorContent    uintptr

	CastTypeInfoToTensorInfo     uintptr
	GetOnnxTypeFromTypeInfo      uintptr
	CreateTensorTypeAndShapeInfo uintptr
	SetTensorElementType         uintptr

	SetDimensions              uintptr
	GetTensorElementType       uintptr
	GetDimensionsCount         uintptr
	GetDimensions              uintptr
	GetSymbolicDimensions      uintptr
	GetTensorShapeElementCount uintptr
	GetTensorTypeAndShape      uintptr
	GetTypeInfo                uintptr
	GetValueType               uintptr

	CreateMemoryInfo     uintptr
	CreateCpuMemoryInfo  uintptr
	CompareMemoryInfo    uintptr
	MemoryInfoGetName    uintptr
	MemoryInfoGetId      uintptr
	MemoryInfoGetMemType uintptr
	MemoryInfoGetType    uintptr

	AllocatorAlloc                 uintptr
	AllocatorFree                  uintptr
	AllocatorGetInfo               uintptr
	GetAllocatorWithDefaultOptions uintptr
	AddFreeDimensionOverride       uintptr

	GetValue          uintptr
	GetValueCount     uintptr
	CreateValue       uintptr
	CreateOpaqueValue uintptr
	GetOpaqueValue    uintptr

	KernelInfoGetAttribute_float  uintptr
	KernelInfoGetAttribute_int64  uintptr
	KernelInfoGetAttribute_string uintptr
	KernelContext_GetInputCount   uintptr
	KernelContext_GetOutputCount  uintptr
	KernelContext_GetInput        uintptr
	KernelContext_GetOutput       uintptr

	ReleaseEnv                    uintptr
	ReleaseStatus                 uintptr
	ReleaseMemoryInfo             uintptr
	ReleaseSession                uintptr
	ReleaseValue                  uintptr
	ReleaseRunOptions             uintptr
	ReleaseTypeInfo               uintptr
	ReleaseTensorTypeAndShapeInfo uintptr
	ReleaseSessionOptions         uintptr
	ReleaseCustomOpDomain         uintptr
}

// Shape represents the shape of a tensor.
type Shape []int64

// NewShape creates a new shape from dimensions.
func NewShape(dims ...int64) Shape {
	return Shape(dims)
}

// MemoryInfo represents an OrtMemoryInfo describing where a value should be
// materialized (device/allocator placement).
type MemoryInfo struct {
	handle        uintptr // Pointer to OrtMemoryInfo
	name          string
	deviceID      int
	memType       MemType
	allocatorType AllocatorType
}

// Allocator wraps an OrtAllocator handle. The default allocator returned by
// GetDefaultAllocator is owned by the runtime and must not be released.
type Allocator struct {
	handle uintptr // Pointer to OrtAllocator
}
