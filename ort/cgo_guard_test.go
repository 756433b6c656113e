package ort

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestNoCgoImport enforces the CGO-free contract: every native call in this
// package goes through purego, never import "C".
func TestNoCgoImport(t *testing.T) {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve the package directory")
	}
	packageDir := filepath.Dir(thisFile)

	entries, err := os.ReadDir(packageDir)
	if err != nil {
		t.Fatalf("failed to read package directory: %v", err)
	}

	fset := token.NewFileSet()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}

		file, err := parser.ParseFile(fset, filepath.Join(packageDir, entry.Name()), nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", entry.Name(), err)
		}
		for _, imp := range file.Imports {
			if imp.Path != nil && imp.Path.Value == `"C"` {
				t.Fatalf("CGO import detected in %s: import \"C\" is forbidden", entry.Name())
			}
		}
	}
}
