package atomkv

// writeSet is a writer transaction's copy-on-write staging area: it
// overlays newly-allocated/rewritten pages and their decoded node views
// on top of the pager's durable, already-committed contents, so nothing
// a writer touches is visible to concurrent readers until Commit flushes
// it. Generalized from the teacher's tx.go txPageManager (dirty map,
// ensureMapSize) and provides the page operations the btree/node/bucket
// layers need (fetchNode/putNode/allocPage/freePage).
type writeSet struct {
	tx    *Tx
	dirty map[pgid][]byte
	nodes map[pgid]*node
	freed []pgid
}

func newWriteSet(tx *Tx) *writeSet {
	return &writeSet{
		tx:    tx,
		dirty: make(map[pgid][]byte),
		nodes: make(map[pgid]*node),
	}
}

func (ws *writeSet) pageSize() int { return ws.tx.db.pager.pageSize }

func (ws *writeSet) allocPage() pgid {
	if !ws.tx.writable {
		return 0
	}
	if id, ok := ws.tx.db.freelist.allocate(); ok {
		return id
	}
	id := ws.tx.db.pager.allocNew()
	_ = ws.tx.db.pager.ensureCapacity(id)
	return id
}

func (ws *writeSet) freePage(id pgid) {
	ws.freed = append(ws.freed, id)
	delete(ws.dirty, id)
	delete(ws.nodes, id)
}

func (ws *writeSet) stageRaw(id pgid, buf []byte) { ws.dirty[id] = buf }

func (ws *writeSet) fetchRaw(id pgid) ([]byte, error) {
	if buf, ok := ws.dirty[id]; ok {
		return buf, nil
	}
	buf, err := ws.tx.db.pager.fetch(id)
	if err != nil {
		return nil, err
	}
	ws.tx.pin(id)
	return buf, nil
}

func (ws *writeSet) fetchNode(id pgid) (*node, error) {
	if n, ok := ws.nodes[id]; ok {
		return n, nil
	}
	buf, err := ws.fetchRaw(id)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(ws, id, buf)
	if err != nil {
		return nil, err
	}
	ws.nodes[id] = n
	return n, nil
}

func (ws *writeSet) putNode(n *node) error {
	var buf []byte
	var err error
	if n.leaf {
		buf, err = encodeLeaf(ws, n)
		if err != nil {
			return err
		}
	} else {
		buf = encodeBranch(ws, n)
	}
	ws.stageRaw(n.id, buf)
	ws.nodes[n.id] = n
	return nil
}

// Tx is one MVCC transaction: a stable read snapshot for a View, or the
// single in-flight writer for an Update. Generalized from the teacher's
// Tx{db, writable, closed, mgr, readTxID}.
type Tx struct {
	db       *DB
	writable bool
	closed   bool
	txid     uint64 // snapshot (View) or new (Update) tx id
	ws       *writeSet
	root     *Bucket
	wal      []walRecord // buffered logical records, appended at Commit
	freedSub []pgid      // pages freed by DeleteBucket subtree walks
	pinned   map[pgid]bool
}

// pin marks a page this transaction just read as in-use, so the pager's
// LRU evictor leaves it resident until the transaction closes — needed
// since a long-lived reader's snapshot can still walk into a page well
// after another writer's commits would otherwise have pushed it out of
// cache. Idempotent per page per transaction: pager.pin/unpin are simple
// ref counts, and this tx should hold exactly one reference regardless of
// how many times it re-fetches the same page.
func (tx *Tx) pin(id pgid) {
	if tx.pinned == nil {
		tx.pinned = make(map[pgid]bool)
	}
	if tx.pinned[id] {
		return
	}
	tx.pinned[id] = true
	tx.db.pager.pin(id)
}

func beginTx(db *DB, writable bool) (*Tx, error) {
	tx := &Tx{db: db, writable: writable}
	if writable {
		db.txmgr.lockWriter()
		tx.txid = db.txmgr.nextTxID()
		tx.ws = newWriteSet(tx)
	} else {
		tx.txid = db.txmgr.beginRead()
		tx.ws = &writeSet{tx: tx, dirty: map[pgid][]byte{}, nodes: map[pgid]*node{}}
	}
	db.mu.RLock()
	root := db.meta.root
	db.mu.RUnlock()
	tx.root = openRootBucket(tx, root)
	return tx, nil
}

// Bucket opens a top-level bucket by name.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEach(func(k, v []byte, isBkt bool) error {
		if !isBkt {
			return nil
		}
		return fn(k, tx.root.Bucket(k))
	})
}

func (tx *Tx) Writable() bool { return tx.writable }
func (tx *Tx) DB() *DB        { return tx.db }

// setRoot is called by Bucket.persistSelf on the top-level bucket to
// record a new tree root for this transaction, folded into the meta
// record at Commit.
func (tx *Tx) setRoot(root pgid) { tx.root.root = root }

func (tx *Tx) walPut(path [][]byte, key, value []byte) {
	if !tx.writable {
		return
	}
	tx.wal = append(tx.wal, walRecord{kind: logPut, txid: tx.txid, path: path, key: key, value: value})
}

func (tx *Tx) walDelete(path [][]byte, key []byte) {
	if !tx.writable {
		return
	}
	tx.wal = append(tx.wal, walRecord{kind: logDelete, txid: tx.txid, path: path, key: key})
}

func (tx *Tx) walSubBucket(path [][]byte, name []byte) {
	if !tx.writable {
		return
	}
	tx.wal = append(tx.wal, walRecord{kind: logSubBucket, txid: tx.txid, path: path, key: name})
}

// freeSubtree walks every page of a materialized bucket's tree (and the
// overflow chains its leaves own) and marks them all free, used by
// DeleteBucket.
func (tx *Tx) freeSubtree(root pgid) {
	n, err := tx.ws.fetchNode(root)
	if err != nil {
		return
	}
	if n.leaf {
		for _, first := range n.ovf {
			if first != 0 {
				freeOverflowChain(tx.ws, first)
			}
		}
		tx.ws.freePage(root)
		return
	}
	for _, child := range n.children {
		tx.freeSubtree(child)
	}
	tx.ws.freePage(root)
}

// Commit applies a writer transaction: its WAL records are written (and
// fsynced when Options.Sync is set) before any dirty page reaches the data
// file (spec.md §4.7's write-ahead rule), then the dirty pages are
// written, the meta record is updated and (if due) a checkpoint runs.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxReadOnly
	}
	defer tx.close()

	if err := tx.db.appendWAL(tx); err != nil {
		return err
	}
	if err := tx.db.applyWriteSet(tx); err != nil {
		return err
	}
	return nil
}

// Rollback discards a writer's staged pages, or simply releases a
// reader's snapshot.
func (tx *Tx) Rollback() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.close()
	return nil
}

func (tx *Tx) close() {
	if tx.closed {
		return
	}
	tx.closed = true
	for id := range tx.pinned {
		tx.db.pager.unpin(id)
	}
	if tx.writable {
		tx.db.txmgr.unlockWriter()
	} else {
		tx.db.txmgr.endRead(tx.txid)
	}
}
