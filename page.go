package atomkv

// pgid is a 32-bit page identifier, as spec.md's DATA MODEL mandates.
// Page 0 and 1 are the dual meta pages; page 2 is the initial root of the
// top-level bucket. Adapted from the teacher's page.go, whose meta/page
// kind constants used uint64 ids; narrowed to uint32 per the spec.
type pgid uint32

const (
	metaPageA    pgid = 0
	metaPageB    pgid = 1
	rootPageInit pgid = 2
)

// page kind tags, carried over from the teacher's page.go naming
// (pageLeaf/pageBranch/pageBucket) with an overflow kind added for
// per-record overflow chains.
type pageFlags uint16

const (
	flagBranch pageFlags = 1 << iota
	flagLeaf
	flagOverflow
	flagMeta
)

// nodeHeaderSize is the fixed prefix at the start of every branch/leaf
// page: id(4) flags(2) count(2). Adapted from the teacher's
// nodeHeaderSize constant (13 bytes there, for a different layout).
const nodeHeaderSize = 8

// branchTailSize is the extra fixed field branch pages carry right after
// the header: the "tail_child", the rightmost child pointer with no
// associated key (spec.md §4.2's slotted branch layout).
const branchTailSize = 4

// leafSlotSize / branchSlotSize are the fixed-width slot records in a
// node's slot array. Leaf slots: offset(2) keySize(2) valueSize(4)
// flags(1) reserved(3). Branch slots: offset(2) keySize(2) leftChild(4).
const (
	leafSlotSize   = 12
	branchSlotSize = 8
)

const (
	leafFlagOverflow byte = 1 << iota
	leafFlagBucket
)

func isMetaPage(id pgid) bool { return id == metaPageA || id == metaPageB }

func otherMetaPage(id pgid) pgid {
	if id == metaPageA {
		return metaPageB
	}
	return metaPageA
}
