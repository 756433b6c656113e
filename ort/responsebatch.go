package ort

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"
)

// ResponseBatch is a collection of named-tensor output declarations, one set
// per logical batch slot. Entries declare where outputs should land before a
// run; afterwards each slot can be drained with GetOutputValues. A
// ResponseBatch is not safe for concurrent mutation.
type ResponseBatch struct {
	handle  uintptr // Pointer to OrtResponseBatch
	entries int
}

// NewResponseBatch allocates an empty response batch.
func NewResponseBatch() (*ResponseBatch, error) {
	mu.Lock()
	createBatch := createResponseBatchFunc
	mu.Unlock()
	if createBatch == nil {
		return nil, ErrNotInitialized
	}

	var handle uintptr
	status := createBatch(&handle)
	if err := errorFromStatus(ErrResourceAllocation, "create response batch", status); err != nil {
		return nil, err
	}

	batch := &ResponseBatch{handle: handle}
	runtime.SetFinalizer(batch, func(b *ResponseBatch) {
		_ = b.Destroy()
	})

	return batch, nil
}

// AddToBatch appends one batch entry declaring, for each output name, an
// expected tensor slot and the memory location that should back it. A nil
// output leaves the slot for the engine to allocate at the declared location.
// This declares intended destinations; it does not produce output values.
//
// All three slices must have equal length; on violation the batch is left
// unchanged and ErrInvalidArgument is returned.
func (b *ResponseBatch) AddToBatch(outputNames []string, outputs []Value, memoryInfos []*MemoryInfo) error {
	if b == nil || b.handle == 0 {
		return fmt.Errorf("%w: response batch is not valid", ErrInvalidArgument)
	}
	if len(outputNames) != len(outputs) || len(outputNames) != len(memoryInfos) {
		return fmt.Errorf("%w: got %d output names, %d outputs, %d memory infos", ErrInvalidArgument, len(outputNames), len(outputs), len(memoryInfos))
	}
	for i, memInfo := range memoryInfos {
		if memInfo == nil || memInfo.handle == 0 {
			return fmt.Errorf("%w: output %q has no valid memory info", ErrInvalidArgument, outputNames[i])
		}
	}

	mu.Lock()
	addToBatch := addResponseToBatchFunc
	mu.Unlock()
	if addToBatch == nil {
		return ErrNotInitialized
	}

	nameBuffers, namePtrs := cstringArray(outputNames)
	valuePtrs := make([]uintptr, len(outputs))
	for i, output := range outputs {
		if output != nil {
			valuePtrs[i] = output.valueHandle()
		}
	}
	memInfoPtrs := make([]uintptr, len(memoryInfos))
	for i, memInfo := range memoryInfos {
		memInfoPtrs[i] = memInfo.handle
	}

	status := addToBatch(b.handle, uintptr(len(outputNames)), uintptrArrayPtr(namePtrs), uintptrArrayPtr(valuePtrs), uintptrArrayPtr(memInfoPtrs))
	runtime.KeepAlive(nameBuffers)
	runtime.KeepAlive(namePtrs)
	runtime.KeepAlive(valuePtrs)
	runtime.KeepAlive(memInfoPtrs)
	if err := errorFromStatus(ErrExecution, "add response to batch", status); err != nil {
		return err
	}

	b.entries++
	return nil
}

// GetOutputValues drains the result tensors of the batch entry at batchIndex.
// Indexes follow insertion order. A slot with no results yields an empty
// slice, not an error.
//
// The engine returns the handles through a transient array allocated via
// allocator; that array is freed before this function returns, on success and
// failure alike. Each returned OutputValue is newly owned by the caller and
// disposed independently of the others. If wrapping fails partway, every
// value wrapped so far is released before the error propagates.
func (b *ResponseBatch) GetOutputValues(batchIndex uint64, allocator *Allocator) ([]*OutputValue, error) {
	if b == nil || b.handle == 0 {
		return nil, fmt.Errorf("%w: response batch is not valid", ErrInvalidArgument)
	}
	if !allocator.IsValid() {
		return nil, fmt.Errorf("%w: allocator is not valid", ErrInvalidArgument)
	}

	mu.Lock()
	getValues := getResponseValuesFunc
	releaseValue := releaseValueFunc
	mu.Unlock()
	if getValues == nil || releaseValue == nil {
		return nil, ErrNotInitialized
	}

	var valuesArray uintptr
	var count uintptr
	status := getValues(b.handle, uintptr(batchIndex), allocator.handle, &valuesArray, &count)
	if err := errorFromStatus(ErrExecution, fmt.Sprintf("get output values for batch index %d", batchIndex), status); err != nil {
		return nil, err
	}

	if count == 0 {
		// Some engine builds still hand back an empty table to free.
		if freeErr := allocator.free(valuesArray); freeErr != nil {
			return nil, freeErr
		}
		return []*OutputValue{}, nil
	}
	if valuesArray == 0 {
		return nil, fmt.Errorf("%w: engine reported %d output values with a null handle array", ErrExecution, count)
	}

	// Copy the handles out of the allocator-owned table, then free the table
	// immediately. The handles themselves transfer to the OutputValue
	// wrappers below; only the table is transient.
	// #nosec G103 -- required for CGO-free FFI; bounded by the engine count.
	handles := make([]uintptr, count)
	copy(handles, unsafe.Slice((*uintptr)(unsafe.Pointer(valuesArray)), count))
	freeErr := allocator.free(valuesArray)

	outputs := make([]*OutputValue, 0, count)
	var wrapErr error
	for _, handle := range handles {
		value, err := newOutputValue(handle)
		if err != nil {
			wrapErr = err
			break
		}
		outputs = append(outputs, value)
	}

	if wrapErr != nil || freeErr != nil {
		// Release everything already wrapped plus any raw handles not yet
		// wrapped; the caller gets nothing on failure.
		for _, value := range outputs {
			_ = value.Destroy()
		}
		for _, handle := range handles[len(outputs):] {
			if handle != 0 {
				releaseValue(handle)
			}
		}
		return nil, errors.Join(wrapErr, freeErr)
	}

	return outputs, nil
}

// Len returns the number of batch entries added since creation or the last
// Clear.
func (b *ResponseBatch) Len() int {
	if b == nil {
		return 0
	}
	return b.entries
}

// Clear resets the batch to zero entries, discarding prior destination
// declarations. Idempotent; a no-op on a destroyed batch.
func (b *ResponseBatch) Clear() error {
	if b == nil || b.handle == 0 {
		return nil
	}

	mu.Lock()
	clearBatch := clearResponseBatchFunc
	mu.Unlock()
	if clearBatch == nil {
		return ErrNotInitialized
	}

	if err := errorFromStatus(ErrExecution, "clear response batch", clearBatch(b.handle)); err != nil {
		return err
	}

	b.entries = 0
	return nil
}

// Destroy releases the native batch container. Output values already handed
// out by GetOutputValues are independent resources and stay valid. Whether
// the engine also releases undrained results is engine-defined; see the
// integration tests. Idempotent and safe on a zero handle.
func (b *ResponseBatch) Destroy() error {
	if b == nil {
		return nil
	}

	mu.Lock()
	handle := b.handle
	releaseBatch := releaseResponseBatchFunc
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
func (b *ResponseBatch) IsValid() bool {
	return b != nil && b.handle != 0
}
