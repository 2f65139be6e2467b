package atomkv

import (
	"os"
	"testing"
)

func TestBucketPutGet(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte("config"))
		if err != nil {
			return err
		}
		return bucket.Put([]byte("key"), []byte("value"))
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		bucket := tx.Bucket([]byte("config"))
		if bucket == nil {
			t.Fatalf("expected bucket")
		}
		val := bucket.Get([]byte("key"))
		if string(val) != "value" {
			t.Fatalf("unexpected value: %s", val)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestOpenInvalidPageSizeRejected(t *testing.T) {
	path := t.TempDir() + "/atomkv-badsize.db"
	opts := DefaultOptions()
	opts.PageSize = 100 // not a power of two
	if _, err := Open(path, opts); err == nil {
		t.Fatalf("expected an invalid page size to be rejected")
	}
}

func TestReadOnlyOptionRejectsUpdate(t *testing.T) {
	path := t.TempDir() + "/atomkv-ro.db"
	seed := newTestDBAt(t, path, DefaultOptions())
	if err := seed.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("kv"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	opts := DefaultOptions()
	opts.ReadOnly = true
	db := newTestDBAt(t, path, opts)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error { return nil }); err != ErrDatabaseReadOnly {
		t.Fatalf("expected ErrDatabaseReadOnly, got %v", err)
	}
	if _, err := db.Begin(true); err != ErrDatabaseReadOnly {
		t.Fatalf("expected ErrDatabaseReadOnly from Begin(true), got %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if got := tx.Bucket([]byte("kv")).Get([]byte("k")); string(got) != "v" {
			t.Fatalf("expected existing data to stay readable, got %q", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestStatsSnapshotCountsCommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	before := db.StatsSnapshot()

	if err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("kv"))
		return err
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.Update(func(tx *Tx) error { return ErrKeyRequired }); err == nil {
		t.Fatalf("expected the seeded failure to propagate")
	}

	after := db.StatsSnapshot()
	if after.Commits != before.Commits+1 {
		t.Fatalf("expected commits to increase by 1, got %d -> %d", before.Commits, after.Commits)
	}
	if after.Rollbacks != before.Rollbacks+1 {
		t.Fatalf("expected rollbacks to increase by 1, got %d -> %d", before.Rollbacks, after.Rollbacks)
	}
}

func TestMultipleReopenCyclesPersistLatestWrite(t *testing.T) {
	path := t.TempDir() + "/atomkv-reopen.db"
	for i := 0; i < 3; i++ {
		db := newTestDBAt(t, path, DefaultOptions())
		if err := db.Update(func(tx *Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte("kv"))
			if err != nil {
				return err
			}
			return b.Put([]byte("iter"), []byte{byte(i)})
		}); err != nil {
			t.Fatalf("update failed on iteration %d: %v", i, err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("close failed on iteration %d: %v", i, err)
		}
	}

	db := newTestDBAt(t, path, DefaultOptions())
	defer db.Close()
	if err := db.View(func(tx *Tx) error {
		got := tx.Bucket([]byte("kv")).Get([]byte("iter"))
		if len(got) != 1 || got[0] != 2 {
			t.Fatalf("expected the last iteration's value to survive, got %v", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

// TestCloseCheckpointsAndTruncatesWAL checks that Close runs a final
// checkpoint: the WAL file shrinks back down to its marker record, and a
// reopen finds the same committed tx id Close left behind rather than
// replaying the session's already-durable transaction again.
func TestCloseCheckpointsAndTruncatesWAL(t *testing.T) {
	path := t.TempDir() + "/atomkv-close-checkpoint.db"
	db := newTestDBAt(t, path, DefaultOptions())
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("kv"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	txidBeforeClose := db.meta.txid

	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	info, err := os.Stat(path + ".wal")
	if err != nil {
		t.Fatalf("stat wal failed: %v", err)
	}
	if info.Size() > 64 {
		t.Fatalf("expected Close to truncate the WAL down to just its marker record, got %d bytes", info.Size())
	}

	reopened := newTestDBAt(t, path, DefaultOptions())
	defer reopened.Close()
	if reopened.meta.txid != txidBeforeClose {
		t.Fatalf("expected reopen to find the tx id Close left behind (no stale WAL replay), got %d want %d", reopened.meta.txid, txidBeforeClose)
	}
}
