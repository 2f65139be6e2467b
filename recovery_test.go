package atomkv

import "testing"

// TestRecoveryReplaysCommittedTransaction simulates a crash between a
// commit's WAL append and its data-file flush by invoking appendWAL
// directly, then reopening the database and checking recovery replayed
// the buffered mutation from the log.
func TestRecoveryReplaysCommittedTransaction(t *testing.T) {
	path := t.TempDir() + "/atomkv-recover.db"
	db := newTestDBAt(t, path, DefaultOptions())

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	b, err := tx.CreateBucketIfNotExists([]byte("kv"))
	if err != nil {
		t.Fatalf("create bucket failed: %v", err)
	}
	if err := b.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := db.appendWAL(tx); err != nil {
		t.Fatalf("appendWAL failed: %v", err)
	}
	// Crash here: the data file and meta pages never see this tx's dirty
	// pages, only the WAL does. The files are closed directly, since
	// db.Close would checkpoint and truncate the WAL.
	tx.db.txmgr.unlockWriter()
	db.pager.close()
	db.file.Close()
	db.walFile.Close()

	reopened := newTestDBAt(t, path, DefaultOptions())
	defer reopened.Close()

	if err := reopened.View(func(tx *Tx) error {
		bucket := tx.Bucket([]byte("kv"))
		if bucket == nil {
			t.Fatalf("expected recovery to have replayed bucket creation")
		}
		if got := bucket.Get([]byte("k")); string(got) != "v" {
			t.Fatalf("expected recovered value v, got %q", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}

	stats := reopened.StatsSnapshot()
	if stats.Commits == 0 {
		t.Fatalf("expected recovery's replayed commit to count toward commit stats")
	}
}

// TestRecoveryDiscardsUncommittedTransaction checks that a Begin record
// with no matching Commit (the log truncated mid-write) is discarded
// instead of being applied.
func TestRecoveryDiscardsUncommittedTransaction(t *testing.T) {
	path := t.TempDir() + "/atomkv-recover-partial.db"
	db := newTestDBAt(t, path, DefaultOptions())

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	b, err := tx.CreateBucketIfNotExists([]byte("kv"))
	if err != nil {
		t.Fatalf("create bucket failed: %v", err)
	}
	if err := b.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	// Log Begin + the buffered record, but never the Commit marker.
	if err := db.wal.append(walRecord{kind: logBegin, txid: tx.txid}); err != nil {
		t.Fatalf("append begin failed: %v", err)
	}
	for _, rec := range tx.wal {
		if err := db.wal.append(rec); err != nil {
			t.Fatalf("append record failed: %v", err)
		}
	}
	// Crash without db.Close, which would checkpoint and truncate the WAL.
	tx.db.txmgr.unlockWriter()
	db.pager.close()
	db.file.Close()
	db.walFile.Close()

	reopened := newTestDBAt(t, path, DefaultOptions())
	defer reopened.Close()

	if err := reopened.View(func(tx *Tx) error {
		if tx.Bucket([]byte("kv")) != nil {
			t.Fatalf("expected an uncommitted transaction not to be replayed")
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}
