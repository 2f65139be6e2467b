package atomkv

import (
	"os"
	"sync"
)

// DB is an embedded, single-file, transactional key/value store: one
// writer at a time, any number of concurrent snapshot readers, durable
// through a write-ahead log and a dual meta-page checkpoint. Generalized
// from the teacher's db.go (Open/Close/New) lifecycle shape onto
// spec.md §6's full MVCC design.
type DB struct {
	mu sync.RWMutex

	path    string
	file    *os.File
	walPath string
	walFile *os.File
	wal     *walWriter
	walSeq  uint64

	pager    *pager
	txmgr    *txManager
	freelist *freelist
	meta     meta
	metaSlot pgid

	opts  Options
	Stats *Stats
}

// Open opens (creating if necessary) the database file at path.
func Open(path string, opts Options) (*DB, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(KindIO, "open data file", err)
	}

	db := &DB{path: path, file: file, opts: opts, walPath: path + ".wal", Stats: &Stats{}}

	pg, err := openPager(file, opts.PageSize, opts.CachePoolPageCount, db.Stats)
	if err != nil {
		file.Close()
		return nil, err
	}
	db.pager = pg

	if err := db.loadOrInitMeta(); err != nil {
		file.Close()
		return nil, err
	}
	db.txmgr = newTxManager(db.meta.txid)

	walFile, err := os.OpenFile(db.walPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		file.Close()
		return nil, wrapErr(KindIO, "open wal file", err)
	}
	db.walFile = walFile

	// Stat the existing WAL without truncating it: recovery below needs
	// to read whatever is already there. db.wal only ever appends, so a
	// replayed transaction's re-logged records land safely after it.
	w, err := openWALWriter(walFile)
	if err != nil {
		file.Close()
		walFile.Close()
		return nil, err
	}
	db.wal = w
	db.walSeq = db.meta.walSeq

	ws := &writeSet{tx: &Tx{db: db}, dirty: map[pgid][]byte{}, nodes: map[pgid]*node{}}
	fl, err := loadFreelist(ws, db.meta.freelistRoot)
	if err != nil {
		file.Close()
		walFile.Close()
		return nil, err
	}
	db.freelist = fl

	if err := recoverWAL(db); err != nil {
		file.Close()
		walFile.Close()
		return nil, err
	}

	// Recovery has folded everything the old WAL held into the data
	// file; start the new session with a clean, truncated log.
	if err := db.resetWAL(); err != nil {
		file.Close()
		walFile.Close()
		return nil, err
	}
	if err := db.writeMeta(db.metaSlot, db.meta); err != nil {
		file.Close()
		walFile.Close()
		return nil, err
	}

	return db, nil
}

// loadOrInitMeta reads both meta pages, selecting the valid one with the
// larger tx id (spec.md §3), or initializes a fresh database if neither
// page holds a valid meta record.
func (db *DB) loadOrInitMeta() error {
	bufA, errA := db.pager.fetch(metaPageA)
	bufB, errB := db.pager.fetch(metaPageB)

	var metaA, metaB meta
	var okA, okB bool
	if errA == nil {
		metaA, okA, _ = decodeMeta(bufA, db.opts.PageSize)
	}
	if errB == nil {
		metaB, okB, _ = decodeMeta(bufB, db.opts.PageSize)
	}

	if !okA && !okB {
		return db.initFresh()
	}
	m, slot, err := chooseMeta(metaA, metaB, okA, okB)
	if err != nil {
		return err
	}
	db.meta = m
	db.metaSlot = slot
	return nil
}

// initFresh lays down a brand-new database: an empty root bucket leaf at
// rootPageInit and both meta pages pointing at it.
func (db *DB) initFresh() error {
	if err := db.pager.ensureCapacity(rootPageInit); err != nil {
		return err
	}
	ws := &writeSet{tx: &Tx{db: db}, dirty: map[pgid][]byte{}, nodes: map[pgid]*node{}}
	root := &node{id: rootPageInit, leaf: true}
	buf, err := encodeLeaf(ws, root)
	if err != nil {
		return err
	}
	if err := db.pager.writeAt(rootPageInit, buf); err != nil {
		return err
	}
	for id, b := range ws.dirty {
		if id == rootPageInit {
			continue
		}
		if err := db.pager.writeAt(id, b); err != nil {
			return err
		}
	}

	db.meta = meta{
		txid:         0,
		root:         rootPageInit,
		freelistRoot: noFreelistRoot,
		pageSize:     uint32(db.opts.PageSize),
		numPages:     rootPageInit + 1,
		walSeq:       1,
	}
	db.metaSlot = metaPageA
	if err := db.writeMeta(metaPageA, db.meta); err != nil {
		return err
	}
	if err := db.writeMeta(metaPageB, db.meta); err != nil {
		return err
	}
	return db.pager.sync()
}

func (db *DB) writeMeta(slot pgid, m meta) error {
	buf := make([]byte, db.pager.pageSize)
	m.encode(buf)
	return db.pager.writeAt(slot, buf)
}

// resetWAL truncates the WAL (recovery has already replayed and folded
// everything it held into the data file) and writes a fresh WalTxId
// marker, per spec.md §4.9's checkpoint sequencing.
func (db *DB) resetWAL() error {
	w, err := openWALWriter(db.walFile)
	if err != nil {
		return err
	}
	if err := w.truncate(); err != nil {
		return err
	}
	db.walSeq = db.meta.walSeq + 1
	if err := w.append(walRecord{kind: logWalTxID, seq: db.walSeq}); err != nil {
		return err
	}
	db.wal = w
	db.meta.walSeq = db.walSeq
	return nil
}

// Begin starts a new transaction; writable transactions block until any
// other writer finishes. A database opened with Options.ReadOnly rejects
// writable transactions outright.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable && db.opts.ReadOnly {
		return nil, ErrDatabaseReadOnly
	}
	return beginTx(db, writable)
}

// Update runs fn inside a writable transaction, committing on success and
// rolling back if fn returns an error or panics.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	defer func() {
		if !tx.closed {
			tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		db.Stats.incRollback()
		return err
	}
	return tx.Commit()
}

// View runs fn inside a read-only snapshot transaction.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// appendWAL logs a writer transaction's mutations before any of its dirty
// pages reach the data file, per spec.md §4.7, fsyncing the WAL when
// Options.Sync is set.
func (db *DB) appendWAL(tx *Tx) error {
	if err := db.wal.append(walRecord{kind: logBegin, txid: tx.txid}); err != nil {
		return err
	}
	for _, rec := range tx.wal {
		if err := db.wal.append(rec); err != nil {
			return err
		}
	}
	if err := db.wal.append(walRecord{kind: logCommit, txid: tx.txid}); err != nil {
		return err
	}
	if db.opts.Sync {
		return db.wal.sync()
	}
	return nil
}

// applyWriteSet durably persists a committed writer's staged pages and
// flips the meta record, running a checkpoint (WAL truncation) once the
// log has grown past MaxWALSize. Grounded on spec.md §4.9 and the
// teacher's tx.go commit() (ensureMapSize/flushDirty/finalizeMeta).
func (db *DB) applyWriteSet(tx *Tx) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.freelist.release(db.txmgr.minViewTxID())
	for _, id := range append(append([]pgid{}, tx.ws.freed...), tx.freedSub...) {
		db.freelist.free(tx.txid, id)
	}

	newFreelistRoot, err := saveFreelist(tx.ws, db.freelist, db.meta.freelistRoot)
	if err != nil {
		return err
	}

	for id, buf := range tx.ws.dirty {
		if err := db.pager.ensureCapacity(id); err != nil {
			return err
		}
		if err := db.pager.writeAt(id, buf); err != nil {
			return err
		}
	}

	if db.opts.Sync {
		if err := db.pager.sync(); err != nil {
			return err
		}
	}

	newMeta := meta{
		txid:         tx.txid,
		root:         tx.root.root,
		freelistRoot: newFreelistRoot,
		pageSize:     uint32(db.pager.pageSize),
		numPages:     db.pager.nextPage,
		walSeq:       db.meta.walSeq,
	}
	nextSlot := otherMetaPage(db.metaSlot)
	if err := db.writeMeta(nextSlot, newMeta); err != nil {
		return err
	}
	if db.opts.Sync {
		if err := db.pager.sync(); err != nil {
			return err
		}
	}
	db.meta = newMeta
	db.metaSlot = nextSlot
	db.txmgr.setPersistedTxID(tx.txid)
	db.Stats.incCommit()

	if db.wal.size >= db.opts.MaxWALSize {
		if err := db.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint truncates and reopens the WAL once the durable meta record
// already reflects everything in it, per spec.md §4.9.
func (db *DB) checkpoint() error {
	if err := db.resetWAL(); err != nil {
		return err
	}
	if err := db.writeMeta(db.metaSlot, db.meta); err != nil {
		return err
	}
	if db.opts.Sync {
		if err := db.pager.sync(); err != nil {
			return err
		}
	}
	db.Stats.incCheckpoint()
	return nil
}

// StatsSnapshot returns a point-in-time snapshot of the database's lifetime
// counters (supplement #4).
func (db *DB) StatsSnapshot() StatsSnapshot { return db.Stats.snapshot() }

// Close runs one final checkpoint (truncating the WAL, since meta already
// reflects every committed page by the time Close runs) and then flushes
// and closes the data and WAL files, per spec.md §6. A database opened
// read-only skips the checkpoint: it never held the writer lock, so its
// WAL is already exactly what it was at Open.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	if !db.opts.ReadOnly {
		if err := db.checkpoint(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.pager.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.walFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
