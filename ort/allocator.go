package ort

// GetDefaultAllocator returns the runtime's default allocator. The handle is
// owned by the runtime; it must not be released and stays valid until the
// environment is destroyed.
func GetDefaultAllocator() (*Allocator, error) {
	mu.Lock()
	getAllocator := getAllocatorWithDefaultOptionsFunc
	mu.Unlock()
	if getAllocator == nil {
		return nil, ErrNotInitialized
	}

	var handle uintptr
	status := getAllocator(&handle)
	if err := errorFromStatus(ErrResourceAllocation, "get default allocator", status); err != nil {
		return nil, err
	}

	return &Allocator{handle: handle}, nil
}

// IsValid returns true if the allocator has a valid handle.
func (a *Allocator) IsValid() bool {
	return a != nil && a.handle != 0
}

// free releases memory previously allocated through this allocator, such as
// the transient handle table returned by result extraction.
func (a *Allocator) free(ptr uintptr) error {
	if a == nil || a.handle == 0 || ptr == 0 {
		return nil
	}

	mu.Lock()
	allocatorFree := allocatorFreeFunc
	mu.Unlock()
	if allocatorFree == nil {
		return ErrNotInitialized
	}

	return errorFromStatus(ErrExecution, "free allocator memory", allocatorFree(a.handle, ptr))
}
