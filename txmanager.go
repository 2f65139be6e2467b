package atomkv

import "sync"

// txManager serializes writers (one at a time) and tracks every open
// reader's snapshot tx id so the free-list knows when a page freed by a
// past writer is safe to reuse. Grounded on spec.md §4.5 and on fields
// the teacher's tx.go references on DB (mu, mapMu, minReadTxID,
// removeReadTx) but never defines in the retrieved snapshot; reconstructed
// here as a standalone component holding a mutex-protected (unordered) map
// of active readers that minViewTxID scans for the smallest snapshot.
type txManager struct {
	writerMu sync.Mutex // held for the duration of one writer transaction

	mu      sync.Mutex
	readers map[uint64]int // view_tx_id -> count of open readers at that snapshot

	persistedTxID uint64 // tx id of the durable meta record
}

func newTxManager(persistedTxID uint64) *txManager {
	return &txManager{
		readers:       make(map[uint64]int),
		persistedTxID: persistedTxID,
	}
}

func (m *txManager) lockWriter()   { m.writerMu.Lock() }
func (m *txManager) unlockWriter() { m.writerMu.Unlock() }

// beginRead registers a new reader snapshot at the current persisted tx
// id and returns it.
func (m *txManager) beginRead() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	txid := m.persistedTxID
	m.readers[txid]++
	return txid
}

func (m *txManager) endRead(txid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readers[txid] > 0 {
		m.readers[txid]--
		if m.readers[txid] == 0 {
			delete(m.readers, txid)
		}
	}
}

// minViewTxID returns the oldest snapshot any open reader still holds, or
// the persisted tx id if there are no open readers (spec.md §4.5/§9).
func (m *txManager) minViewTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := m.persistedTxID
	for txid := range m.readers {
		if txid < min {
			min = txid
		}
	}
	return min
}

func (m *txManager) setPersistedTxID(txid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistedTxID = txid
}

func (m *txManager) nextTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistedTxID + 1
}
