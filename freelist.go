package atomkv

import (
	"encoding/binary"
	"sort"
)

// freelist is the in-memory view of reclaimable pages, persisted inside
// the B+tree itself as a dedicated bucket keyed by tx id, per spec.md §3
// "Free-list bucket" and §4.1's save_free_list/§9's reclamation design.
// Grounded on the teacher's tx.go (collectReusable/persistFreelist/
// reuseThreshold), adapted from a page-list-in-the-meta-page format to a
// bucket-backed one, and on other_examples/eb0c962b_Icarus9913-myBolt__
// freelist.go.go's pending/cache bookkeeping shape.
type freelist struct {
	ids     []pgid            // immediately reusable, sorted ascending
	pending map[uint64][]pgid // txid -> pages that tx freed, not yet reusable
}

func newFreelist() *freelist {
	return &freelist{pending: make(map[uint64][]pgid)}
}

// free records that txid freed id; it becomes reusable only once every
// reader's view_tx_id has advanced past txid (spec.md §4.1/§9).
func (f *freelist) free(txid uint64, id pgid) {
	f.pending[txid] = append(f.pending[txid], id)
}

// release folds every pending extent from transactions strictly below
// minViewTxID into the immediately-reusable set, matching spec.md §9's
// "reclaim once below min_view_tx_id".
func (f *freelist) release(minViewTxID uint64) {
	for txid, ids := range f.pending {
		if txid < minViewTxID {
			f.ids = append(f.ids, ids...)
			delete(f.pending, txid)
		}
	}
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
}

// allocate pops one reusable page id, or reports none available so the
// caller falls back to extending the file.
func (f *freelist) allocate() (pgid, bool) {
	if len(f.ids) == 0 {
		return 0, false
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, true
}

func (f *freelist) count() int {
	n := len(f.ids)
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// encodeRecords groups the entire freelist (reusable + pending) by the
// txid each group is keyed under in the free-list bucket (0 for the
// immediately-reusable set); saveFreelist stores each group with key =
// 8-byte big-endian txid, value = concatenated 4-byte page ids.
func (f *freelist) encodeRecords() map[uint64][]pgid {
	out := make(map[uint64][]pgid, len(f.pending)+1)
	if len(f.ids) > 0 {
		out[0] = append([]pgid{}, f.ids...)
	}
	for txid, ids := range f.pending {
		out[txid] = append([]pgid{}, ids...)
	}
	return out
}

func encodeFreelistValue(ids []pgid) []byte {
	buf := make([]byte, len(ids)*4)
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(id))
	}
	return buf
}

func decodeFreelistValue(buf []byte) []pgid {
	ids := make([]pgid, len(buf)/4)
	for i := range ids {
		ids[i] = pgid(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	return ids
}

func freelistKey(txid uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, txid)
	return buf
}

// noFreelistRoot marks a meta record that has never persisted a
// free-list bucket yet (a brand-new database).
const noFreelistRoot pgid = pgid(^uint32(0))

// loadFreelist reads the persisted free-list bucket back into memory at
// Open, per spec.md §4.1's save_free_list / §4.8 recovery sequencing.
func loadFreelist(ws *writeSet, root pgid) (*freelist, error) {
	fl := newFreelist()
	if root == noFreelistRoot {
		return fl, nil
	}
	tree := openBTree(ws, root, nil)
	cur := &Cursor{tree: tree}
	for key, value, _ := cur.First(); key != nil; key, value, _ = cur.Next() {
		txid := binary.BigEndian.Uint64(key)
		ids := decodeFreelistValue(value)
		if txid == 0 {
			fl.ids = append(fl.ids, ids...)
		} else {
			fl.pending[txid] = ids
		}
	}
	return fl, nil
}

// saveFreelist persists fl's entire current state into the free-list
// bucket, replacing whatever was there before, and returns the (possibly
// new) tree root for the meta record.
func saveFreelist(ws *writeSet, fl *freelist, root pgid) (pgid, error) {
	if root == noFreelistRoot {
		root = ws.allocPage()
		leaf := &node{id: root, leaf: true}
		if err := ws.putNode(leaf); err != nil {
			return 0, err
		}
	}
	tree := openBTree(ws, root, nil)

	var existing [][]byte
	cur := &Cursor{tree: tree}
	for key, _, _ := cur.First(); key != nil; key, _, _ = cur.Next() {
		existing = append(existing, key)
	}
	for _, key := range existing {
		_, _ = tree.Delete(key)
	}
	for txid, ids := range fl.encodeRecords() {
		if err := tree.Put(freelistKey(txid), encodeFreelistValue(ids), false); err != nil {
			return 0, err
		}
	}
	return tree.root, nil
}
