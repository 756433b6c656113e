package ort

import (
	"fmt"
	"runtime"
)

// Value is implemented by objects backed by an OrtValue handle.
type Value interface {
	// Destroy releases the underlying resources. Safe to call repeatedly.
	Destroy() error
	// Type returns the type of the value.
	Type() ValueType

	valueHandle() uintptr
}

// OutputValue is a pipeline result tensor extracted from a ResponseBatch.
// It owns its native handle; the contents are opaque to this package.
type OutputValue struct {
	handle uintptr // Pointer to OrtValue
}

func newOutputValue(handle uintptr) (*OutputValue, error) {
	if handle == 0 {
		return nil, fmt.Errorf("%w: engine returned a null output value", ErrExecution)
	}

	value := &OutputValue{handle: handle}

	// Safety net against leaking the OrtValue if the caller forgets Destroy().
	runtime.SetFinalizer(value, func(v *OutputValue) {
		_ = v.Destroy()
	})

	return value, nil
}

// Destroy releases the output value. Idempotent and safe on a zero handle.
func (v *OutputValue) Destroy() error {
	if v == nil {
		return nil
	}

	mu.Lock()
	handle := v.handle
	releaseValue := releaseValueFunc
	v.handle = 0
	runtime.SetFinalizer(v, nil)
	mu.Unlock()

	if handle != 0 && releaseValue != nil {
		releaseValue(handle)
	}
	return nil
}

// Type returns ValueTypeTensor; pipeline outputs are tensors.
func (v *OutputValue) Type() ValueType {
	return ValueTypeTensor
}

// IsValid returns true while the value still owns its native handle.
func (v *OutputValue) IsValid() bool {
	if v == nil {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	return v.handle != 0
}

func (v *OutputValue) valueHandle() uintptr {
	if v == nil {
		return 0
	}
	return v.handle
}
