package ort

import (
	"fmt"
	"runtime"
	"unsafe"
)

// RequestBatch is an append-only collection of named-tensor input sets, one
// set per logical batch slot. The batch stores references into caller-owned
// tensors; it never takes ownership of them. A RequestBatch is not safe for
// concurrent mutation.
type RequestBatch struct {
	handle  uintptr // Pointer to OrtRequestBatch
	entries int
}

// NewRequestBatch allocates an empty request batch.
func NewRequestBatch() (*RequestBatch, error) {
	mu.Lock()
	createBatch := createRequestBatchFunc
	mu.Unlock()
	if createBatch == nil {
		return nil, ErrNotInitialized
	}

	var handle uintptr
	status := createBatch(&handle)
	if err := errorFromStatus(ErrResourceAllocation, "create request batch", status); err != nil {
		return nil, err
	}

	batch := &RequestBatch{handle: handle}
	runtime.SetFinalizer(batch, func(b *RequestBatch) {
		_ = b.Destroy()
	})

	return batch, nil
}

// AddToBatch appends one batch entry mapping each input name to its tensor.
// The native layer receives the tensor handles by reference: the caller must
// keep the tensors alive until the batch has been consumed by a run. The
// name buffers are pinned only for the duration of the call.
//
// inputNames and inputs must have equal length; on violation the batch is
// left unchanged and ErrInvalidArgument is returned.
func (b *RequestBatch) AddToBatch(inputNames []string, inputs []Value) error {
	if b == nil || b.handle == 0 {
		return fmt.Errorf("%w: request batch is not valid", ErrInvalidArgument)
	}
	if len(inputNames) != len(inputs) {
		return fmt.Errorf("%w: got %d input names for %d inputs", ErrInvalidArgument, len(inputNames), len(inputs))
	}
	for i, input := range inputs {
		if input == nil || input.valueHandle() == 0 {
			return fmt.Errorf("%w: input %q has no valid tensor", ErrInvalidArgument, inputNames[i])
		}
	}

	mu.Lock()
	addToBatch := addRequestToBatchFunc
	mu.Unlock()
	if addToBatch == nil {
		return ErrNotInitialized
	}

	nameBuffers, namePtrs := cstringArray(inputNames)
	valuePtrs := make([]uintptr, len(inputs))
	for i, input := range inputs {
		valuePtrs[i] = input.valueHandle()
	}

	status := addToBatch(b.handle, uintptr(len(inputNames)), uintptrArrayPtr(namePtrs), uintptrArrayPtr(valuePtrs))
	runtime.KeepAlive(nameBuffers)
	runtime.KeepAlive(namePtrs)
	runtime.KeepAlive(valuePtrs)
	if err := errorFromStatus(ErrExecution, "add request to batch", status); err != nil {
		return err
	}

	b.entries++
	return nil
}

// Len returns the number of batch entries added since creation or the last
// Clear.
func (b *RequestBatch) Len() int {
	if b == nil {
		return 0
	}
	return b.entries
}

// Clear resets the batch to zero entries without releasing the container.
// Idempotent; a no-op on a destroyed batch.
func (b *RequestBatch) Clear() error {
	if b == nil || b.handle == 0 {
		return nil
	}

	mu.Lock()
	clearBatch := clearRequestBatchFunc
	mu.Unlock()
	if clearBatch == nil {
		return ErrNotInitialized
	}

	if err := errorFromStatus(ErrExecution, "clear request batch", clearBatch(b.handle)); err != nil {
		return err
	}

	b.entries = 0
	return nil
}

// Destroy releases the native batch container. The referenced tensors are
// owned elsewhere and are not released. Idempotent and safe on a zero handle.
func (b *RequestBatch) Destroy() error {
	if b == nil {
		return nil
	}

	mu.Lock()
	handle := b.handle
	releaseBatch := releaseRequestBatchFunc
	b.handle = 0
	b.entries = 0
	runtime.SetFinalizer(b, nil)
	mu.Unlock()

	if handle != 0 && releaseBatch != nil {
		releaseBatch(handle)
	}
	return nil
}

// IsValid returns true while the batch still owns its native container.
func (b *RequestBatch) IsValid() bool {
	return b != nil && b.handle != 0
}

// cstringArray marshals names into NUL-terminated buffers plus the parallel
// pointer array the native call expects. Both returned slices must be kept
// alive until the call returns.
func cstringArray(names []string) ([][]byte, []uintptr) {
	buffers := make([][]byte, len(names))
	ptrs := make([]uintptr, len(names))
	for i, name := range names {
		buffers[i], ptrs[i] = GoToCstring(name)
	}
	return buffers, ptrs
}

// uintptrArrayPtr returns the address of the first element, or 0 for an
// empty slice.
func uintptrArrayPtr(values []uintptr) uintptr {
	if len(values) == 0 {
		return 0
	}
	// #nosec G103 -- required for CGO-free FFI; parallel arrays are kept
	// alive by the caller for the duration of the native call.
	return uintptr(unsafe.Pointer(unsafe.SliceData(values)))
}
