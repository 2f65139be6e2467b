package atomkv

import (
	"bytes"
	"fmt"
	"testing"
)

func newTestBTree(t *testing.T, pageSize int) *btree {
	t.Helper()
	ws := newTestWriteSet(t, pageSize)
	root := ws.allocPage()
	leaf := &node{id: root, leaf: true}
	if err := ws.putNode(leaf); err != nil {
		t.Fatalf("seed root failed: %v", err)
	}
	return openBTree(ws, root, nil)
}

func TestBTreePutGet(t *testing.T) {
	tree := newTestBTree(t, DefaultPageSize)
	if err := tree.Put([]byte("a"), []byte("1"), false); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	val, ok, err := tree.Get([]byte("a"))
	if err != nil || !ok || string(val) != "1" {
		t.Fatalf("expected a=1, got %q ok=%v err=%v", val, ok, err)
	}
	if _, ok, err := tree.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("expected missing key to be absent")
	}
}

func TestBTreePutOverwrite(t *testing.T) {
	tree := newTestBTree(t, DefaultPageSize)
	if err := tree.Put([]byte("a"), []byte("1"), false); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := tree.Put([]byte("a"), []byte("2"), false); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := tree.Get([]byte("a"))
	if err != nil || !ok || string(val) != "2" {
		t.Fatalf("expected a=2 after overwrite, got %q", val)
	}
}

// TestBTreeSplitsAndStaysOrdered inserts enough keys to force a page
// split into a multi-level tree, then checks every key is still reachable
// through Get and that the root has become a branch.
func TestBTreeSplitsAndStaysOrdered(t *testing.T) {
	tree := newTestBTree(t, 512) // small page forces splits quickly
	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		if err := tree.Put(key, key, false); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		val, ok, err := tree.Get(key)
		if err != nil || !ok || !bytes.Equal(val, key) {
			t.Fatalf("key %d: expected %q, got %q ok=%v", i, key, val, ok)
		}
	}

	root, err := tree.fetchNode(tree.root)
	if err != nil {
		t.Fatalf("fetch root failed: %v", err)
	}
	if root.leaf {
		t.Fatalf("expected splitting to have produced a branch root")
	}
}

func TestBTreeDeleteRebalances(t *testing.T) {
	tree := newTestBTree(t, 512)
	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		if err := tree.Put(key, key, false); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}
	for i := 0; i < n-10; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		removed, err := tree.Delete(key)
		if err != nil || !removed {
			t.Fatalf("delete %d failed: err=%v removed=%v", i, err, removed)
		}
	}
	for i := 0; i < n-10; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		if _, ok, _ := tree.Get(key); ok {
			t.Fatalf("key %d: expected deleted", i)
		}
	}
	for i := n - 10; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		val, ok, err := tree.Get(key)
		if err != nil || !ok || !bytes.Equal(val, key) {
			t.Fatalf("surviving key %d missing: %q ok=%v", i, val, ok)
		}
	}
}

func TestBTreeDeleteMissingKeyIsNoop(t *testing.T) {
	tree := newTestBTree(t, DefaultPageSize)
	if err := tree.Put([]byte("a"), []byte("1"), false); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	removed, err := tree.Delete([]byte("missing"))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if removed {
		t.Fatalf("expected no-op delete for a key that was never present")
	}
}

// TestBTreeOverwriteFreesOldOverflowChain checks that replacing an
// overflowing record with another overflowing record frees the first
// record's chain pages rather than stranding them.
func TestBTreeOverwriteFreesOldOverflowChain(t *testing.T) {
	ws := newTestWriteSet(t, DefaultPageSize)
	root := ws.allocPage()
	if err := ws.putNode(&node{id: root, leaf: true}); err != nil {
		t.Fatalf("seed root failed: %v", err)
	}
	tree := openBTree(ws, root, nil)

	big1 := bytes.Repeat([]byte("1"), DefaultPageSize)
	big2 := bytes.Repeat([]byte("2"), DefaultPageSize)
	if err := tree.Put([]byte("k"), big1, false); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	freedBefore := len(ws.freed)
	if err := tree.Put([]byte("k"), big2, false); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if len(ws.freed) <= freedBefore {
		t.Fatalf("expected overwrite to free the superseded overflow chain")
	}
	val, ok, err := tree.Get([]byte("k"))
	if err != nil || !ok || !bytes.Equal(val, big2) {
		t.Fatalf("expected k to read back the new value after overwrite")
	}
}

// TestBTreeDeleteFreesOverflowChain checks that deleting a record whose
// value spilled onto an overflow chain frees that chain's pages.
func TestBTreeDeleteFreesOverflowChain(t *testing.T) {
	ws := newTestWriteSet(t, DefaultPageSize)
	root := ws.allocPage()
	if err := ws.putNode(&node{id: root, leaf: true}); err != nil {
		t.Fatalf("seed root failed: %v", err)
	}
	tree := openBTree(ws, root, nil)

	big := bytes.Repeat([]byte("x"), DefaultPageSize*2)
	if err := tree.Put([]byte("k"), big, false); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	freedBefore := len(ws.freed)
	removed, err := tree.Delete([]byte("k"))
	if err != nil || !removed {
		t.Fatalf("expected delete to succeed, err=%v removed=%v", err, removed)
	}
	if len(ws.freed) <= freedBefore {
		t.Fatalf("expected delete to free the record's overflow chain")
	}
}

func TestBTreeCustomComparator(t *testing.T) {
	ws := newTestWriteSet(t, DefaultPageSize)
	root := ws.allocPage()
	leaf := &node{id: root, leaf: true}
	if err := ws.putNode(leaf); err != nil {
		t.Fatalf("seed root failed: %v", err)
	}
	reverse := func(a, b []byte) int { return bytes.Compare(b, a) }
	tree := openBTree(ws, root, reverse)

	for _, k := range []string{"a", "b", "c"} {
		if err := tree.Put([]byte(k), []byte(k), false); err != nil {
			t.Fatalf("put %q failed: %v", k, err)
		}
	}
	path, err := tree.descend([]byte("a"))
	if err != nil {
		t.Fatalf("descend failed: %v", err)
	}
	leafEntry := path[len(path)-1]
	if len(leafEntry.node.keys) != 3 {
		t.Fatalf("expected 3 keys in single leaf, got %d", len(leafEntry.node.keys))
	}
	if string(leafEntry.node.keys[0]) != "c" {
		t.Fatalf("expected reverse order to sort 'c' first, got %q", leafEntry.node.keys[0])
	}
}
