package atomkv

import "testing"

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	if err := db.View(func(tx *Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte("ro"))
		if err != ErrTxReadOnly {
			t.Fatalf("expected read-only error, got %v", err)
		}
		if bucket != nil {
			t.Fatalf("expected no bucket in read-only tx")
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestTransactionCommitVisibleAfterward(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	b, err := tx.CreateBucketIfNotExists([]byte("kv"))
	if err != nil {
		t.Fatalf("create bucket failed: %v", err)
	}
	if err := b.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if got := b.Get([]byte("a")); string(got) != "1" {
		t.Fatalf("expected read-your-writes within the transaction, got %q", got)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		got := tx.Bucket([]byte("kv")).Get([]byte("a"))
		if string(got) != "1" {
			t.Fatalf("expected committed value, got %q", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestTransactionRollbackDiscardsChanges(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("kv"))
		return err
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tx.Bucket([]byte("kv")).Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if got := tx.Bucket([]byte("kv")).Get([]byte("a")); got != nil {
			t.Fatalf("expected rollback to discard changes, got %q", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestReadSnapshotIsolation(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("kv"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	reader, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin read failed: %v", err)
	}
	defer reader.Rollback()

	if err := db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("kv")).Put([]byte("k"), []byte("v2"))
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := reader.Bucket([]byte("kv")).Get([]byte("k")); string(got) != "v1" {
		t.Fatalf("expected reader's snapshot to stay at v1, got %q", got)
	}

	if err := db.View(func(tx *Tx) error {
		if got := tx.Bucket([]byte("kv")).Get([]byte("k")); string(got) != "v2" {
			t.Fatalf("expected a fresh view to see v2, got %q", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestClosedTransactionRejectsFurtherUse(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := tx.Commit(); err != ErrTxClosed {
		t.Fatalf("expected ErrTxClosed on double commit, got %v", err)
	}
	if err := tx.Rollback(); err != ErrTxClosed {
		t.Fatalf("expected ErrTxClosed on rollback after commit, got %v", err)
	}
}
