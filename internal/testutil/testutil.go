// Package testutil provides testing utilities for framestack tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TempDBPath returns a database path inside a temporary directory. The
// directory is automatically cleaned up when the test completes.
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "index.db")
}

// WriteFiles creates the given files under root. The files map contains
// relative paths to file contents.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for path, content := range files {
		fullPath := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file %s: %v", path, err)
		}
	}
}

// XDGDirs are the per-test base directories set by IsolateXDG.
type XDGDirs struct {
	Config string
	Data   string
	State  string
}

// IsolateXDG points the XDG base directories and HOME at fresh temporary
// directories so a test never reads or writes the user's config, database
// or logs. It uses t.Setenv, so the test cannot run in parallel.
func IsolateXDG(t *testing.T) XDGDirs {
	t.Helper()

	root := t.TempDir()
	dirs := XDGDirs{
		Config: filepath.Join(root, "config"),
		Data:   filepath.Join(root, "data"),
		State:  filepath.Join(root, "state"),
	}
	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", dirs.Config)
	t.Setenv("XDG_DATA_HOME", dirs.Data)
	t.Setenv("XDG_STATE_HOME", dirs.State)
	t.Setenv("FRAMESTACK_SCOPE", "")
	return dirs
}

// FixedClock returns a clock that always reports at.
func FixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// StepClock returns a clock that starts at start and advances by step on
// every call. It is not safe for concurrent use.
func StepClock(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(step)
		return now
	}
}

// DecodeJSON unmarshals data into a T, failing the test on error.
func DecodeJSON[T any](t *testing.T, data []byte) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("failed to decode JSON: %v\n%s", err, data)
	}
	return v
}
