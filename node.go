package atomkv

import (
	"encoding/binary"
)

// node is the decoded, in-memory form of one branch or leaf page: a
// slotted page per spec.md §4.2, grounded on the teacher's tree.go
// (encodeNodePage/decodeLeafNode/decodeBranchNode) but restructured
// around a slot array + downward-growing record heap instead of the
// teacher's flat key/value slices, so compaction and overflow chaining
// have somewhere to live.
type node struct {
	id   pgid
	leaf bool

	keys   [][]byte
	values [][]byte // leaf only
	isBkt  []bool   // leaf only: true if values[i] is a bucket reference
	ovf    []pgid   // leaf only: on-disk overflow chain root for record i (key and value), 0 if inline

	children []pgid // branch only: len(keys)+1; children[len(keys)] is the tail_child
}

// maxInlineRecordSize is the largest key+value payload a leaf slot will
// store inline before spilling the whole record into an overflow chain. A
// quarter of a page leaves room for several records per page, matching
// spec.md §4.2's "implementation-defined, typically a fraction of
// page_size".
func maxInlineRecordSize(pageSize int) int {
	return pageSize / 4
}

// nodeFits reports whether a leaf holding these keys/values (after an
// insert or before a merge) still fits in one page, used by the btree to
// decide whether to split or to allow a merge.
func nodeFits(pageSize int, leaf bool, keys, values [][]byte) bool {
	used := nodeHeaderSize
	if leaf {
		for i := range keys {
			used += leafSlotSize + recordHeapSize(pageSize, keys[i], values[i])
		}
	} else {
		used += branchTailSize
		for i := range keys {
			used += branchSlotSize + len(keys[i])
		}
	}
	return used <= pageSize
}

// recordHeapSize returns how many bytes of the record heap one leaf slot
// consumes: the whole key+value when it fits inline, or a single page_id
// when key_size+value_size exceeds maxInlineRecordSize and the record is
// spilled whole onto an overflow chain per spec.md §4.2 ("the slot
// carries only a single (page_id) header").
func recordHeapSize(pageSize int, key, value []byte) int {
	if len(key)+len(value) > maxInlineRecordSize(pageSize) {
		return 4
	}
	return len(key) + len(value)
}

// encodeLeaf serializes a leaf node into a fresh page-sized buffer.
// Records whose key+value together exceed maxInlineRecordSize are
// written whole (key then value) onto an overflow chain via writeOverflow
// and the heap holds only the chain's first page_id, per spec.md §4.2 —
// this is why a key can be as large as MaxKeySize without ever needing to
// fit inline next to its value. Overflow pages are staged in ws the same
// way the node page itself is, so nothing reaches the data file before
// the owning transaction commits.
//
// Every call re-derives each slot's overflow status from scratch, so this
// is also where a slot's previous chain (n.ovf[i], as carried in from
// whatever this node was cloned or split from) gets freed once it is
// superseded — whether because the record was overwritten with a
// differently-sized value, or because it simply rode along unchanged in a
// leaf that got rewritten for an unrelated neighboring edit. n.ovf is left
// updated to the freshly written chain roots on return.
func encodeLeaf(ws *writeSet, n *node) ([]byte, error) {
	pageSize := ws.pageSize()
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n.id))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(flagLeaf))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(n.keys)))

	slotBase := nodeHeaderSize
	heapEnd := pageSize
	oldOvf := n.ovf
	n.ovf = make([]pgid, len(n.keys))

	for i := range n.keys {
		key := n.keys[i]
		val := n.values[i]
		var flags byte
		var heapBytes []byte
		var prev pgid
		if i < len(oldOvf) {
			prev = oldOvf[i]
		}
		if len(key)+len(val) > maxInlineRecordSize(pageSize) {
			flags |= leafFlagOverflow
			combined := make([]byte, 0, len(key)+len(val))
			combined = append(combined, key...)
			combined = append(combined, val...)
			first, err := writeOverflow(ws, combined)
			if err != nil {
				return nil, err
			}
			if prev != 0 {
				freeOverflowChain(ws, prev)
			}
			n.ovf[i] = first
			heapBytes = make([]byte, 4)
			binary.LittleEndian.PutUint32(heapBytes, uint32(first))
		} else {
			if prev != 0 {
				freeOverflowChain(ws, prev)
			}
			heapBytes = make([]byte, len(key)+len(val))
			copy(heapBytes, key)
			copy(heapBytes[len(key):], val)
		}
		if n.isBkt != nil && n.isBkt[i] {
			flags |= leafFlagBucket
		}

		heapEnd -= len(heapBytes)
		if heapEnd < slotBase+leafSlotSize*len(n.keys) {
			return nil, wrapErr(KindInvalidArgument, "encode leaf", ErrValueTooLarge)
		}
		copy(buf[heapEnd:heapEnd+len(heapBytes)], heapBytes)

		slot := slotBase + i*leafSlotSize
		binary.LittleEndian.PutUint16(buf[slot:slot+2], uint16(heapEnd))
		binary.LittleEndian.PutUint16(buf[slot+2:slot+4], uint16(len(key)))
		binary.LittleEndian.PutUint32(buf[slot+4:slot+8], uint32(len(val)))
		buf[slot+8] = flags
	}
	return buf, nil
}

// encodeBranch serializes a branch node: a fixed tail_child right after
// the header, then one slot per key holding that key's left child.
func encodeBranch(ws *writeSet, n *node) []byte {
	pageSize := ws.pageSize()
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n.id))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(flagBranch))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[nodeHeaderSize:nodeHeaderSize+4], uint32(n.children[len(n.keys)]))

	slotBase := nodeHeaderSize + branchTailSize
	heapEnd := pageSize
	for i := range n.keys {
		key := n.keys[i]
		heapEnd -= len(key)
		copy(buf[heapEnd:heapEnd+len(key)], key)

		slot := slotBase + i*branchSlotSize
		binary.LittleEndian.PutUint16(buf[slot:slot+2], uint16(heapEnd))
		binary.LittleEndian.PutUint16(buf[slot+2:slot+4], uint16(len(key)))
		binary.LittleEndian.PutUint32(buf[slot+4:slot+8], uint32(n.children[i]))
	}
	return buf
}

// decodeNode parses a page buffer (as produced by encodeLeaf/encodeBranch)
// back into a node, resolving overflow chains for any leaf value that
// needs it.
func decodeNode(ws *writeSet, id pgid, buf []byte) (*node, error) {
	flags := pageFlags(binary.LittleEndian.Uint16(buf[4:6]))
	count := int(binary.LittleEndian.Uint16(buf[6:8]))
	n := &node{id: id}

	switch {
	case flags&flagLeaf != 0:
		n.leaf = true
		n.keys = make([][]byte, count)
		n.values = make([][]byte, count)
		n.isBkt = make([]bool, count)
		n.ovf = make([]pgid, count)
		slotBase := nodeHeaderSize
		for i := 0; i < count; i++ {
			slot := slotBase + i*leafSlotSize
			off := int(binary.LittleEndian.Uint16(buf[slot : slot+2]))
			keySize := int(binary.LittleEndian.Uint16(buf[slot+2 : slot+4]))
			valSize := int(binary.LittleEndian.Uint32(buf[slot+4 : slot+8]))
			rflags := buf[slot+8]

			n.isBkt[i] = rflags&leafFlagBucket != 0

			if rflags&leafFlagOverflow != 0 {
				first := pgid(binary.LittleEndian.Uint32(buf[off : off+4]))
				combined, err := readOverflow(ws, first, keySize+valSize)
				if err != nil {
					return nil, err
				}
				n.keys[i] = append([]byte(nil), combined[:keySize]...)
				n.values[i] = append([]byte(nil), combined[keySize:]...)
				n.ovf[i] = first
			} else {
				n.keys[i] = append([]byte(nil), buf[off:off+keySize]...)
				n.values[i] = append([]byte(nil), buf[off+keySize:off+keySize+valSize]...)
			}
		}
	case flags&flagBranch != 0:
		n.leaf = false
		n.keys = make([][]byte, count)
		n.children = make([]pgid, count+1)
		n.children[count] = pgid(binary.LittleEndian.Uint32(buf[nodeHeaderSize : nodeHeaderSize+4]))
		slotBase := nodeHeaderSize + branchTailSize
		for i := 0; i < count; i++ {
			slot := slotBase + i*branchSlotSize
			off := int(binary.LittleEndian.Uint16(buf[slot : slot+2]))
			keySize := int(binary.LittleEndian.Uint16(buf[slot+2 : slot+4]))
			child := pgid(binary.LittleEndian.Uint32(buf[slot+4 : slot+8]))
			n.keys[i] = append([]byte(nil), buf[off:off+keySize]...)
			n.children[i] = child
		}
	default:
		return nil, wrapErr(KindCorruption, "decode node", ErrInvalidMeta)
	}
	return n, nil
}

// overflow chain pages: first 4 bytes are the next page id (0 = end), the
// remainder of the page is raw value bytes. Grounded on spec.md §4.2's
// "overflow pages chained for records exceeding max_inline_record_size"
// and the teacher's tree.go readOverflowPages/writeOverflowPages.
func writeOverflow(ws *writeSet, val []byte) (pgid, error) {
	pageSize := ws.pageSize()
	chunk := pageSize - 4
	n := (len(val) + chunk - 1) / chunk
	if n == 0 {
		n = 1
	}
	ids := make([]pgid, n)
	for i := 0; i < n; i++ {
		ids[i] = ws.allocPage()
	}
	for i := 0; i < n; i++ {
		buf := make([]byte, pageSize)
		var next pgid
		if i+1 < n {
			next = ids[i+1]
		}
		binary.LittleEndian.PutUint32(buf[0:4], uint32(next))
		start := i * chunk
		end := start + chunk
		if end > len(val) {
			end = len(val)
		}
		copy(buf[4:4+(end-start)], val[start:end])
		ws.stageRaw(ids[i], buf)
	}
	return ids[0], nil
}

func readOverflow(ws *writeSet, first pgid, total int) ([]byte, error) {
	out := make([]byte, 0, total)
	id := first
	for id != 0 && len(out) < total {
		buf, err := ws.fetchRaw(id)
		if err != nil {
			return nil, err
		}
		next := pgid(binary.LittleEndian.Uint32(buf[0:4]))
		chunk := ws.pageSize() - 4
		remain := total - len(out)
		if remain > chunk {
			remain = chunk
		}
		out = append(out, buf[4:4+remain]...)
		id = next
	}
	return out, nil
}

// freeOverflowChain walks and frees every page in an overflow chain when
// the owning record is deleted or overwritten.
func freeOverflowChain(ws *writeSet, first pgid) {
	id := first
	for id != 0 {
		buf, err := ws.fetchRaw(id)
		if err != nil {
			return
		}
		next := pgid(binary.LittleEndian.Uint32(buf[0:4]))
		ws.freePage(id)
		id = next
	}
}
