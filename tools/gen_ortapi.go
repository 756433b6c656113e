// Command gen_ortapi regenerates the OrtApi struct in ort/types.go from
// onnxruntime_c_api.h. The struct mirrors the C function-pointer table
// positionally, so any drift against the header corrupts every call made
// through it; regenerate whenever the pinned runtime version changes.
//
// The parser is regex-based and tracks the three declaration forms the header
// uses: ORT_API2_STATUS macros, raw ORT_API_CALL function pointers, and
// ORT_CLASS_RELEASE macros.
package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// lastEmittedField bounds the generated prefix: this binding only touches
// entries up to the 1.0 release block, everything past it stays unmapped.
const lastEmittedField = "ReleaseCustomOpDomain"

// keyPositions pins the 1-indexed table slots of the entries the binding
// actually registers. A mismatch means the parser (or the header) changed and
// the generated struct would misroute calls.
var keyPositions = map[string]int{
	"GetErrorCode":                   2,
	"CreateEnv":                      4,
	"CreateTensorWithDataAsOrtValue": 50,
	"CreateMemoryInfo":               69,
	"AllocatorFree":                  77,
	"GetAllocatorWithDefaultOptions": 79,
	"ReleaseEnv":                     93,
	"ReleaseStatus":                  94,
	"ReleaseValue":                   97,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path-to-onnxruntime_c_api.h>\n", os.Args[0])
		os.Exit(1)
	}

	names, err := parseHeader(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := validate(names); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	emit(names)
}

func parseHeader(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open header: %w", err)
	}
	defer file.Close()

	var (
		structStart  = regexp.MustCompile(`^struct OrtApi \{`)
		structEnd    = regexp.MustCompile(`^\s*\};`)
		statusMacro  = regexp.MustCompile(`ORT_API2_STATUS\((\w+),`)
		rawPointer   = regexp.MustCompile(`^\s+(?:OrtStatus|OrtErrorCode|const char|void)\s*\*?\s*\(\s*ORT_API_CALL\s*\*\s*(\w+)\)`)
		releaseMacro = regexp.MustCompile(`ORT_CLASS_RELEASE\((\w+)\)`)
	)

	var names []string
	inStruct := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !inStruct {
			inStruct = structStart.MatchString(line)
			continue
		}
		if structEnd.MatchString(line) {
			break
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") {
			continue
		}

		switch {
		case statusMacro.MatchString(line):
			names = append(names, statusMacro.FindStringSubmatch(line)[1])
		case rawPointer.MatchString(line):
			names = append(names, rawPointer.FindStringSubmatch(line)[1])
		case releaseMacro.MatchString(line):
			names = append(names, "Release"+releaseMacro.FindStringSubmatch(line)[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no OrtApi struct found in header")
	}
	return names, nil
}

func validate(names []string) error {
	seen := make(map[string]int, len(names))
	for i, name := range names {
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("duplicate entry %s at positions %d and %d", name, prev, i+1)
		}
		seen[name] = i + 1
	}

	for name, want := range keyPositions {
		got, ok := seen[name]
		if !ok {
			return fmt.Errorf("key entry %s not found; parser or header changed", name)
		}
		if got != want {
			return fmt.Errorf("key entry %s at position %d, expected %d; parser or header changed", name, got, want)
		}
	}

	if _, ok := seen[lastEmittedField]; !ok {
		return fmt.Errorf("prefix boundary %s not found in header", lastEmittedField)
	}
	return nil
}

func emit(names []string) {
	fmt.Println("package ort")
	fmt.Println()
	fmt.Println("// OrtApi mirrors the prefix of the ONNX Runtime C API function-pointer")
	fmt.Println("// table that this package uses. Field order must match onnxruntime_c_api.h")
	fmt.Println("// exactly; the table is accessed positionally. Regenerate with")
	fmt.Println("// tools/gen_ortapi.go when extending it.")
	fmt.Println("type OrtApi struct {")
	for i, name := range names {
		fmt.Printf("\t%-45s uintptr // %d\n", name, i+1)
		if name == lastEmittedField {
			break
		}
	}
	fmt.Println("}")
}
