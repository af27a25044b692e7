package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// ExampleConfigName is the example configuration shipped at the module root
const ExampleConfigName = "dagsync.example.yaml"

// ExampleConfig returns the absolute path of the example configuration.
func ExampleConfig(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to locate testutil sources")
	}

	// internal/testutil sits two levels below the module root
	path := filepath.Join(filepath.Dir(filename), "..", "..", ExampleConfigName)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("example config: %v", err)
	}
	return filepath.Clean(path)
}
