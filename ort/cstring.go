package ort

import "unsafe"

// minValidCstringAddr rejects pointers inside the first page; the runtime
// never hands out strings there and dereferencing would fault.
const minValidCstringAddr = 4096

// CstringToGo converts a C null-terminated string pointer to a Go string.
// Returns "" for a null or implausibly low pointer.
func CstringToGo(ptr uintptr) string {
	if ptr < minValidCstringAddr {
		return ""
	}

	// Scan for the terminator through a bounded view. Runtime strings
	// (version, diagnostics) are small; anything past 1MB indicates
	// corruption and is truncated to empty.
	const maxStringLen = 1 << 20
	// #nosec G103 -- required for CGO-free FFI; bounded read up to the NUL.
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxStringLen)

	var length int
	for i := 0; i < maxStringLen; i++ {
		if bytes[i] == 0 {
			length = i
			break
		}
	}

	return string(bytes[:length])
}

// GoToCstring converts a Go string to a null-terminated byte buffer for
// passing to native code. The caller must keep the returned slice alive
// (runtime.KeepAlive) until the native call has returned; the native layer is
// assumed to copy or fully consume the bytes before then.
func GoToCstring(s string) ([]byte, uintptr) {
	b := append([]byte(s), 0)
	// #nosec G103 -- required for CGO-free FFI.
	return b, uintptr(unsafe.Pointer(&b[0]))
}
