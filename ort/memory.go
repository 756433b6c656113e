package ort

import (
	"runtime"
)

// CreateMemoryInfo creates a memory location descriptor. Maps to
// OrtApi::CreateMemoryInfo.
func CreateMemoryInfo(name string, allocatorType AllocatorType, deviceID int, memType MemType) (*MemoryInfo, error) {
	mu.Lock()
	createMemoryInfo := createMemoryInfoFunc
	mu.Unlock()
	if createMemoryInfo == nil {
		return nil, ErrNotInitialized
	}

	nameBytes, namePtr := GoToCstring(name)
	var handle uintptr
	// #nosec G115 -- deviceID is validated by the engine, conversion is safe
	status := createMemoryInfo(namePtr, allocatorType, int32(deviceID), memType, &handle)
	runtime.KeepAlive(nameBytes)
	if err := errorFromStatus(ErrResourceAllocation, "create memory info", status); err != nil {
		return nil, err
	}

	memInfo := &MemoryInfo{
		handle:        handle,
		name:          name,
		memType:       memType,
		allocatorType: allocatorType,
		deviceID:      deviceID,
	}

	runtime.SetFinalizer(memInfo, func(m *MemoryInfo) {
		_ = m.Destroy()
	})

	return memInfo, nil
}

// CreateCpuMemoryInfo creates a memory location descriptor for CPU memory.
func CreateCpuMemoryInfo(allocatorType AllocatorType, memType MemType) (*MemoryInfo, error) {
	return CreateMemoryInfo("Cpu", allocatorType, 0, memType)
}

// Destroy releases the memory info. Idempotent and safe on a zero handle.
func (m *MemoryInfo) Destroy() error {
	if m == nil {
		return nil
	}

	mu.Lock()
	handle := m.handle
	releaseMemoryInfo := releaseMemoryInfoFunc
	m.handle = 0
	runtime.SetFinalizer(m, nil)
	mu.Unlock()

	if handle != 0 && releaseMemoryInfo != nil {
		releaseMemoryInfo(handle)
	}
	return nil
}

// GetName returns the allocator name.
func (m *MemoryInfo) GetName() string {
	return m.name
}

// GetMemType returns the memory type.
func (m *MemoryInfo) GetMemType() MemType {
	return m.memType
}

// GetAllocatorType returns the allocator type.
func (m *MemoryInfo) GetAllocatorType() AllocatorType {
	return m.allocatorType
}

// GetDeviceID returns the device ID.
func (m *MemoryInfo) GetDeviceID() int {
	return m.deviceID
}

// IsValid returns true if the memory info has a valid handle.
func (m *MemoryInfo) IsValid() bool {
	if m == nil {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	return m.handle != 0
}
