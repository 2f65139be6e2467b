package atomkv

import "testing"

// newTestDB opens a fresh database under the test's temp dir with
// defaulted options, closing it automatically at test cleanup.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := t.TempDir() + "/atomkv.db"
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestDBAt opens a database at a caller-chosen path, for tests that
// need to close and reopen the same file.
func newTestDBAt(t *testing.T, path string, opts Options) *DB {
	t.Helper()
	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return db
}
