package store

import (
	"path/filepath"
	"testing"
)

// createTestStore creates a new SQLite store in a temporary directory.
func createTestStore(t *testing.T, opts ...Option) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
