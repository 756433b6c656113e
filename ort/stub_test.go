package ort

import (
	"testing"
	"unsafe"
)

// The registered native entry points are plain package-level func vars, so
// unit tests install Go fakes and exercise the full handle lifecycle without
// a shared library. Integration tests against a real runtime are gated on
// ONNXRUNTIME_LIB_PATH.

// resetEnvironmentState resets global state for testing.
func resetEnvironmentState() {
	mu.Lock()
	defer mu.Unlock()
	refCount = 0
	libPath = ""
	logLevel = LoggingLevelWarning
	resetRuntimeFuncsLocked()
}

func resetAfterTest(t *testing.T) {
	t.Helper()
	resetEnvironmentState()
	t.Cleanup(resetEnvironmentState)
}

// statusStub fakes the OrtStatus accessors. Statuses are synthetic nonzero
// keys; messages stay alive in the map for the duration of the test.
type statusStub struct {
	codes    map[uintptr]int32
	messages map[uintptr][]byte
	released []uintptr
	next     uintptr
}

func installStatusStub() *statusStub {
	s := &statusStub{
		codes:    make(map[uintptr]int32),
		messages: make(map[uintptr][]byte),
		next:     0x1000,
	}
	getErrorCodeFunc = func(status uintptr) int32 {
		return s.codes[status]
	}
	getErrorMessageFunc = func(status uintptr) uintptr {
		msg := s.messages[status]
		if len(msg) == 0 {
			return 0
		}
		return uintptr(unsafe.Pointer(&msg[0]))
	}
	releaseStatusFunc = func(status uintptr) {
		s.released = append(s.released, status)
	}
	return s
}

func (s *statusStub) newStatus(code ErrorCode, message string) uintptr {
	s.next++
	status := s.next
	s.codes[status] = int32(code)
	s.messages[status] = append([]byte(message), 0)
	return status
}

func (s *statusStub) releaseCount(status uintptr) int {
	count := 0
	for _, released := range s.released {
		if released == status {
			count++
		}
	}
	return count
}

type addRequestCall struct {
	batch  uintptr
	names  []string
	values []uintptr
}

// requestBatchStub fakes the OrtRequestBatch entry points.
type requestBatchStub struct {
	created   []uintptr
	released  []uintptr
	cleared   []uintptr
	addCalls  []addRequestCall
	addStatus uintptr
	next      uintptr
}

func installRequestBatchStub() *requestBatchStub {
	s := &requestBatchStub{next: 0x2000}
	createRequestBatchFunc = func(out *uintptr) uintptr {
		s.next++
		*out = s.next
		s.created = append(s.created, s.next)
		return 0
	}
	releaseRequestBatchFunc = func(handle uintptr) {
		s.released = append(s.released, handle)
	}
	clearRequestBatchFunc = func(handle uintptr) uintptr {
		s.cleared = append(s.cleared, handle)
		return 0
	}
	addRequestToBatchFunc = func(batch, count, namesPtr, valuesPtr uintptr) uintptr {
		if s.addStatus != 0 {
			return s.addStatus
		}
		s.addCalls = append(s.addCalls, addRequestCall{
			batch:  batch,
			names:  readCstringArray(namesPtr, count),
			values: readUintptrArray(valuesPtr, count),
		})
		return 0
	}
	return s
}

type addResponseCall struct {
	batch    uintptr
	names    []string
	values   []uintptr
	memInfos []uintptr
}

type responseValuesResult struct {
	handles []uintptr
	status  uintptr
}

// responseBatchStub fakes the OrtResponseBatch entry points, including the
// allocator-owned handle table returned by OrtGetResponseValues.
type responseBatchStub struct {
	created        []uintptr
	released       []uintptr
	cleared        []uintptr
	addCalls       []addResponseCall
	results        map[uint64]responseValuesResult
	tables         [][]uintptr // keeps fake handle tables alive
	freedTables    []uintptr
	releasedValues []uintptr
	next           uintptr
}

func installResponseBatchStub() *responseBatchStub {
	s := &responseBatchStub{
		results: make(map[uint64]responseValuesResult),
		next:    0x3000,
	}
	createResponseBatchFunc = func(out *uintptr) uintptr {
		s.next++
		*out = s.next
		s.created = append(s.created, s.next)
		return 0
	}
	releaseResponseBatchFunc = func(handle uintptr) {
		s.released = append(s.released, handle)
	}
	clearResponseBatchFunc = func(handle uintptr) uintptr {
		s.cleared = append(s.cleared, handle)
		return 0
	}
	addResponseToBatchFunc = func(batch, count, namesPtr, valuesPtr, memInfosPtr uintptr) uintptr {
		s.addCalls = append(s.addCalls, addResponseCall{
			batch:    batch,
			names:    readCstringArray(namesPtr, count),
			values:   readUintptrArray(valuesPtr, count),
			memInfos: readUintptrArray(memInfosPtr, count),
		})
		return 0
	}
	getResponseValuesFunc = func(batch, index, allocator uintptr, valuesOut, countOut *uintptr) uintptr {
		result := s.results[uint64(index)]
		if result.status != 0 {
			return result.status
		}
		*countOut = uintptr(len(result.handles))
		if len(result.handles) == 0 {
			*valuesOut = 0
			return 0
		}
		table := append([]uintptr(nil), result.handles...)
		s.tables = append(s.tables, table)
		*valuesOut = uintptr(unsafe.Pointer(&table[0]))
		return 0
	}
	allocatorFreeFunc = func(allocator, ptr uintptr) uintptr {
		s.freedTables = append(s.freedTables, ptr)
		return 0
	}
	releaseValueFunc = func(handle uintptr) {
		s.releasedValues = append(s.releasedValues, handle)
	}
	return s
}

type pipelineRunCall struct {
	session  uintptr
	request  uintptr
	response uintptr
	numSteps int32
}

// pipelineStub fakes the OrtPipelineSession entry points.
type pipelineStub struct {
	createdPaths []string
	createdEnvs  []uintptr
	released     []uintptr
	runCalls     []pipelineRunCall
	createStatus uintptr
	runStatus    uintptr
	next         uintptr
}

func installPipelineStub() *pipelineStub {
	s := &pipelineStub{next: 0x4000}
	createPipelineSessionFunc = func(env, pathPtr uintptr, out *uintptr) uintptr {
		if s.createStatus != 0 {
			return s.createStatus
		}
		s.next++
		*out = s.next
		s.createdEnvs = append(s.createdEnvs, env)
		s.createdPaths = append(s.createdPaths, CstringToGo(pathPtr))
		return 0
	}
	releasePipelineSessionFunc = func(handle uintptr) {
		s.released = append(s.released, handle)
	}
	pipelineSessionRunFunc = func(session, request, response uintptr, numSteps int32) uintptr {
		if s.runStatus != 0 {
			return s.runStatus
		}
		s.runCalls = append(s.runCalls, pipelineRunCall{
			session:  session,
			request:  request,
			response: response,
			numSteps: numSteps,
		})
		return 0
	}
	return s
}

func testAllocator() *Allocator {
	return &Allocator{handle: 0x500}
}

func testValue(handle uintptr) *OutputValue {
	return &OutputValue{handle: handle}
}

func readCstringArray(ptr, count uintptr) []string {
	if ptr == 0 || count == 0 {
		return nil
	}
	// #nosec G103 -- test fake reading the parallel arrays a real engine
	// would consume.
	raw := unsafe.Slice((*uintptr)(unsafe.Pointer(ptr)), count)
	names := make([]string, count)
	for i, p := range raw {
		names[i] = CstringToGo(p)
	}
	return names
}

func readUintptrArray(ptr, count uintptr) []uintptr {
	if ptr == 0 || count == 0 {
		return nil
	}
	// #nosec G103 -- test fake, see readCstringArray.
	raw := unsafe.Slice((*uintptr)(unsafe.Pointer(ptr)), count)
	return append([]uintptr(nil), raw...)
}
