package atomkv

import (
	"encoding/binary"
)

const (
	bucketTagInline      byte = 'I'
	bucketTagMaterialized byte = 'M'
)

// Bucket is a namespace of key/value pairs and nested buckets, backed
// either by a handful of inline bytes in the parent's leaf entry or by
// its own materialized B+tree once it outgrows inlineBucketThreshold.
// Generalized from the teacher's bucket.go (Bucket{tx, header, kvRoot,
// bucketRoot}, readBucketHeader/writeBucketHeader) to add the
// inline/materialized split, per-bucket sequence counters and ForEach
// that original_source/bucket_impl.cpp and noder.h demonstrate
// (SPEC_FULL.md supplements #1-#3).
type Bucket struct {
	tx       *Tx
	name     []byte
	parent   *Bucket // nil for the top-level bucket
	inline   bool
	root     pgid // valid when !inline
	entries  [][2][]byte // valid when inline: ordered key/value pairs
	entryBkt []bool
	sequence uint64
	cmp      Comparator

	tree     *btree            // lazily built view over root, valid when !inline
	children map[string]*Bucket // sub-bucket handles opened so far this transaction
}

func inlineBucketThreshold(pageSize int) int { return pageSize / 4 }

// openRootBucket wraps the top-level, always-materialized bucket whose
// root page id lives in the meta record.
func openRootBucket(tx *Tx, root pgid) *Bucket {
	b := &Bucket{tx: tx, inline: false, root: root, cmp: tx.db.opts.Comparator}
	b.tree = openBTree(tx.ws, root, b.cmp)
	return b
}

func (b *Bucket) ensureTree() *btree {
	if b.tree == nil {
		b.tree = openBTree(b.tx.ws, b.root, b.cmp)
	}
	return b.tree
}

// Get returns the value stored for key in this bucket, or nil if absent
// or if key names a nested bucket (use Bucket to open those).
func (b *Bucket) Get(key []byte) []byte {
	if b.tx.closed {
		return nil
	}
	if b.inline {
		for i, kv := range b.entries {
			if b.compare(kv[0], key) == 0 && !b.entryBkt[i] {
				return kv[1]
			}
		}
		return nil
	}
	val, ok, isBkt, err := b.treeGet(key)
	if err != nil || !ok || isBkt {
		return nil
	}
	return val
}

func (b *Bucket) treeGet(key []byte) ([]byte, bool, bool, error) {
	path, err := b.ensureTree().descend(key)
	if err != nil {
		return nil, false, false, err
	}
	leaf := path[len(path)-1]
	if leaf.idx < len(leaf.node.keys) && b.compare(leaf.node.keys[leaf.idx], key) == 0 {
		return leaf.node.values[leaf.idx], true, leaf.node.isBkt[leaf.idx], nil
	}
	return nil, false, false, nil
}

// Put inserts or overwrites key with value.
func (b *Bucket) Put(key, value []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return wrapErr(KindInvalidArgument, "put", ErrKeyRequired)
	}
	if len(key) > b.tx.db.opts.MaxKeySize {
		return wrapErr(KindInvalidArgument, "put", ErrKeyTooLarge)
	}
	if len(value) > b.tx.db.opts.MaxValueSize {
		return wrapErr(KindInvalidArgument, "put", ErrValueTooLarge)
	}
	if b.inline {
		for i, kv := range b.entries {
			if b.entryBkt[i] && b.compare(kv[0], key) == 0 {
				return wrapErr(KindInvalidArgument, "put", ErrIncompatibleValue)
			}
		}
		b.tx.walPut(b.path(), key, value)
		b.inlineSet(key, value, false)
		return b.maybePromote()
	}
	if _, _, isBkt, err := b.treeGet(key); err == nil && isBkt {
		return wrapErr(KindInvalidArgument, "put", ErrIncompatibleValue)
	}
	b.tx.walPut(b.path(), key, value)
	if err := b.ensureTree().Put(key, value, false); err != nil {
		return err
	}
	return b.syncAndPersist()
}

// Delete removes key from this bucket if present.
func (b *Bucket) Delete(key []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.tx.walDelete(b.path(), key)
	if b.inline {
		b.inlineDelete(key)
		return b.persistSelf()
	}
	if _, err := b.ensureTree().Delete(key); err != nil {
		return err
	}
	return b.syncAndPersist()
}

// Bucket opens the nested bucket named name, or nil if it doesn't exist.
// Handles are cached and deduplicated per transaction: opening the same
// name twice returns the same *Bucket, so writes made through one handle
// are visible through the other instead of one clobbering the other at
// commit time.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.tx.closed || len(name) == 0 {
		return nil
	}
	if child, ok := b.children[string(name)]; ok {
		return child
	}
	if b.inline {
		for i, kv := range b.entries {
			if b.entryBkt[i] && b.compare(kv[0], name) == 0 {
				return b.cacheChild(name, b.decodeChild(name, kv[1]))
			}
		}
		return nil
	}
	val, ok, isBkt, err := b.treeGet(name)
	if err != nil || !ok || !isBkt {
		return nil
	}
	return b.cacheChild(name, b.decodeChild(name, val))
}

func (b *Bucket) cacheChild(name []byte, child *Bucket) *Bucket {
	if b.children == nil {
		b.children = make(map[string]*Bucket)
	}
	b.children[string(name)] = child
	return child
}

func (b *Bucket) decodeChild(name, encoded []byte) *Bucket {
	child := &Bucket{tx: b.tx, name: append([]byte(nil), name...), parent: b, cmp: b.cmp}
	if len(encoded) == 0 || encoded[0] == bucketTagInline {
		child.inline = true
		child.entries, child.entryBkt, child.sequence = decodeInlineBucket(encoded)
		return child
	}
	child.inline = false
	child.root = pgid(binary.LittleEndian.Uint32(encoded[1:5]))
	child.sequence = binary.LittleEndian.Uint64(encoded[5:13])
	child.tree = openBTree(b.tx.ws, child.root, child.cmp)
	return child
}

// CreateBucket creates a new, empty nested bucket named name.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if err := b.writable(); err != nil {
		return nil, err
	}
	if len(name) == 0 {
		return nil, wrapErr(KindInvalidArgument, "create bucket", ErrBucketNameRequired)
	}
	if b.Bucket(name) != nil {
		return nil, wrapErr(KindInvalidArgument, "create bucket", ErrBucketExists)
	}
	child := &Bucket{tx: b.tx, name: append([]byte(nil), name...), parent: b, inline: true, cmp: b.cmp}
	if err := b.putChild(name, child); err != nil {
		return nil, err
	}
	b.tx.walSubBucket(b.path(), name)
	b.cacheChild(name, child)
	return child, nil
}

// CreateBucketIfNotExists opens name if it exists, otherwise creates it.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	if child := b.Bucket(name); child != nil {
		return child, nil
	}
	return b.CreateBucket(name)
}

// DeleteBucket removes the nested bucket named name and everything in it.
func (b *Bucket) DeleteBucket(name []byte) error {
	if err := b.writable(); err != nil {
		return err
	}
	if len(name) == 0 {
		return wrapErr(KindInvalidArgument, "delete bucket", ErrBucketNameRequired)
	}
	child := b.Bucket(name)
	if child == nil {
		return wrapErr(KindInvalidArgument, "delete bucket", ErrBucketNotFound)
	}
	if !child.inline {
		b.tx.freeSubtree(child.root)
	}
	delete(b.children, string(name))
	if b.inline {
		b.inlineDelete(name)
		return b.persistSelf()
	}
	if _, err := b.ensureTree().Delete(name); err != nil {
		return err
	}
	return b.syncAndPersist()
}

// ForEach calls fn for every entry in the bucket in key order, stopping
// and returning the first error fn returns. Supplement #2, layered on
// the cursor stack per spec.md §4.4.
func (b *Bucket) ForEach(fn func(key, value []byte, isBucket bool) error) error {
	if b.inline {
		for i, kv := range b.entries {
			if err := fn(kv[0], kv[1], b.entryBkt[i]); err != nil {
				return err
			}
		}
		return nil
	}
	cur := newCursor(b)
	for k, v, isBkt := cur.First(); k != nil; k, v, isBkt = cur.Next() {
		if err := fn(k, v, isBkt); err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns an unpositioned Cursor over the bucket; call First, Last
// or Seek to position it. For an inline bucket the cursor walks a copy of
// the entries as they stand when Cursor is called.
func (b *Bucket) Cursor() *Cursor {
	if b.tx.closed {
		return nil
	}
	if b.inline {
		n := &node{leaf: true, isBkt: append([]bool(nil), b.entryBkt...)}
		for _, kv := range b.entries {
			n.keys = append(n.keys, kv[0])
			n.values = append(n.values, kv[1])
		}
		ws := &writeSet{tx: b.tx, dirty: map[pgid][]byte{}, nodes: map[pgid]*node{0: n}}
		return &Cursor{bucket: b, tree: openBTree(ws, 0, b.cmp)}
	}
	return newCursor(b)
}

// NextSequence returns the bucket's next autoincrement value and persists
// the counter. Supplement #1, grounded on original_source/bucket_impl.cpp.
func (b *Bucket) NextSequence() (uint64, error) {
	if err := b.writable(); err != nil {
		return 0, err
	}
	b.sequence++
	if err := b.persistSelf(); err != nil {
		return 0, err
	}
	return b.sequence, nil
}

func (b *Bucket) SetSequence(v uint64) error {
	if err := b.writable(); err != nil {
		return err
	}
	b.sequence = v
	return b.persistSelf()
}

// SetComparator overrides the key ordering used within this bucket's own
// tree, per supplement #3. It must be set before any key is written.
func (b *Bucket) SetComparator(cmp Comparator) {
	if cmp != nil {
		b.cmp = cmp
		if b.tree != nil {
			b.tree.cmp = cmp
		}
	}
}

func (b *Bucket) compare(x, y []byte) int {
	if b.cmp != nil {
		return b.cmp(x, y)
	}
	return defaultComparator(x, y)
}

func (b *Bucket) writable() error {
	if b.tx.closed {
		return ErrTxClosed
	}
	if !b.tx.writable {
		return ErrTxReadOnly
	}
	return nil
}

func (b *Bucket) path() [][]byte {
	var segs [][]byte
	for cur := b; cur != nil && cur.parent != nil; cur = cur.parent {
		segs = append([][]byte{cur.name}, segs...)
	}
	return segs
}

func (b *Bucket) inlineSet(key, value []byte, isBkt bool) {
	i := 0
	for ; i < len(b.entries); i++ {
		c := b.compare(b.entries[i][0], key)
		if c == 0 {
			b.entries[i][1] = value
			b.entryBkt[i] = isBkt
			return
		}
		if c > 0 {
			break
		}
	}
	b.entries = append(b.entries, [2][]byte{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = [2][]byte{append([]byte(nil), key...), value}
	b.entryBkt = append(b.entryBkt, false)
	copy(b.entryBkt[i+1:], b.entryBkt[i:])
	b.entryBkt[i] = isBkt
}

func (b *Bucket) inlineDelete(key []byte) {
	for i, kv := range b.entries {
		if b.compare(kv[0], key) == 0 {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entryBkt = append(b.entryBkt[:i], b.entryBkt[i+1:]...)
			return
		}
	}
}

// maybePromote converts this bucket from inline to materialized once its
// serialized size exceeds inlineBucketThreshold, then rewrites the parent
// entry to point at the new root (spec.md §4.4 promotion, threshold
// decided in DESIGN.md's Open Question #1).
func (b *Bucket) maybePromote() error {
	encoded := encodeInlineBucket(b.entries, b.entryBkt, b.sequence)
	if len(encoded) <= inlineBucketThreshold(b.tx.ws.pageSize()) {
		return b.persistSelf()
	}
	root := b.tx.ws.allocPage()
	tree := openBTree(b.tx.ws, root, b.cmp)
	leaf := &node{id: root, leaf: true}
	if err := tree.ws.putNode(leaf); err != nil {
		return err
	}
	for i, kv := range b.entries {
		if err := tree.Put(kv[0], kv[1], b.entryBkt[i]); err != nil {
			return err
		}
	}
	b.inline = false
	b.root = tree.root
	b.tree = tree
	b.entries = nil
	b.entryBkt = nil
	return b.persistSelf()
}

// putChild writes a freshly created (still-inline, empty) child bucket
// into its parent's storage.
func (b *Bucket) putChild(name []byte, child *Bucket) error {
	encoded := encodeInlineBucket(child.entries, child.entryBkt, 0)
	if b.inline {
		b.inlineSet(name, encoded, true)
		return b.maybePromote()
	}
	if err := b.ensureTree().Put(name, encoded, true); err != nil {
		return err
	}
	return b.syncAndPersist()
}

// syncAndPersist pulls this bucket's own btree's current root (a
// copy-on-write tree gets a new root id on essentially every write) back
// into the Bucket's persisted root field, then writes that field through
// to wherever it is stored.
func (b *Bucket) syncAndPersist() error {
	if b.tree != nil {
		b.root = b.tree.root
	}
	return b.persistSelf()
}

// persistSelf rewrites this bucket's own encoded representation into its
// parent (or, for the top-level bucket, updates the meta record's root).
// Recurses up the parent chain so a materialized grandparent's own root
// gets the same treatment.
func (b *Bucket) persistSelf() error {
	if b.parent == nil {
		b.tx.setRoot(b.root)
		return nil
	}
	var encoded []byte
	if b.inline {
		encoded = encodeInlineBucket(b.entries, b.entryBkt, b.sequence)
	} else {
		encoded = make([]byte, 13)
		encoded[0] = bucketTagMaterialized
		binary.LittleEndian.PutUint32(encoded[1:5], uint32(b.root))
		binary.LittleEndian.PutUint64(encoded[5:13], b.sequence)
	}
	if b.parent.inline {
		b.parent.inlineSet(b.name, encoded, true)
		return b.parent.maybePromote()
	}
	if err := b.parent.ensureTree().Put(b.name, encoded, true); err != nil {
		return err
	}
	return b.parent.syncAndPersist()
}

func encodeInlineBucket(entries [][2][]byte, isBkt []bool, sequence uint64) []byte {
	buf := make([]byte, 1, 32)
	buf[0] = bucketTagInline
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(entries)))
	buf = append(buf, tmp[:]...)
	for i, kv := range entries {
		var lens [4]byte
		binary.LittleEndian.PutUint16(lens[0:2], uint16(len(kv[0])))
		binary.LittleEndian.PutUint16(lens[2:4], uint16(len(kv[1])))
		buf = append(buf, lens[:]...)
		flag := byte(0)
		if isBkt[i] {
			flag = 1
		}
		buf = append(buf, flag)
		buf = append(buf, kv[0]...)
		buf = append(buf, kv[1]...)
	}
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], sequence)
	buf = append(buf, seq[:]...)
	return buf
}

func decodeInlineBucket(buf []byte) ([][2][]byte, []bool, uint64) {
	if len(buf) < 3 {
		return nil, nil, 0
	}
	count := int(binary.LittleEndian.Uint16(buf[1:3]))
	off := 3
	entries := make([][2][]byte, 0, count)
	isBkt := make([]bool, 0, count)
	for i := 0; i < count; i++ {
		klen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		vlen := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		flag := buf[off+4]
		off += 5
		key := append([]byte(nil), buf[off:off+klen]...)
		off += klen
		val := append([]byte(nil), buf[off:off+vlen]...)
		off += vlen
		entries = append(entries, [2][]byte{key, val})
		isBkt = append(isBkt, flag == 1)
	}
	var sequence uint64
	if off+8 <= len(buf) {
		sequence = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return entries, isBkt, sequence
}
