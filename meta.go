package atomkv

import (
	"encoding/binary"
)

const metaMagic = "ATKV"

// metaRecordSize is the fixed byte length of an encoded meta record,
// adapted from the teacher's page.go readMetaPage/writeMetaPage layout
// but with the CRC32 field spec.md §3/§6 require and which the teacher's
// version omits, plus a free-list bucket root and a WAL validation
// sequence instead of an inline free-list page array.
const metaRecordSize = 4 + 4 + 8 + 4 + 4 + 8 + 8 + 4

// meta is the dual meta-page record: transaction id, the top-level
// bucket's root page, the free-list bucket's root page, the next unused
// page id, and the WAL sequence number recovery must validate against.
type meta struct {
	txid         uint64
	root         pgid
	freelistRoot pgid
	pageSize     uint32
	numPages     pgid
	walSeq       uint64
	crc          uint32
}

func (m *meta) encode(buf []byte) {
	copy(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], m.pageSize)
	binary.LittleEndian.PutUint64(buf[8:16], m.txid)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(m.root))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(m.freelistRoot))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.numPages))
	binary.LittleEndian.PutUint64(buf[32:40], m.walSeq)
	m.crc = checksum(buf[0:40])
	binary.LittleEndian.PutUint32(buf[40:44], m.crc)
}

// decodeMeta parses a meta record and validates its magic, page size and
// CRC32. A false return (with nil error) means the page simply doesn't
// hold a valid meta record (e.g. never written); a non-nil error means it
// held one that is corrupt.
func decodeMeta(buf []byte, expectPageSize int) (meta, bool, error) {
	if len(buf) < metaRecordSize {
		return meta{}, false, nil
	}
	if string(buf[0:4]) != metaMagic {
		return meta{}, false, nil
	}
	wantCRC := binary.LittleEndian.Uint32(buf[40:44])
	gotCRC := checksum(buf[0:40])
	if wantCRC != gotCRC {
		return meta{}, false, wrapErr(KindCorruption, "decode meta", ErrChecksum)
	}
	m := meta{
		pageSize:     binary.LittleEndian.Uint32(buf[4:8]),
		txid:         binary.LittleEndian.Uint64(buf[8:16]),
		root:         pgid(binary.LittleEndian.Uint32(buf[16:20])),
		freelistRoot: pgid(binary.LittleEndian.Uint32(buf[20:24])),
		numPages:     pgid(binary.LittleEndian.Uint64(buf[24:32])),
		walSeq:       binary.LittleEndian.Uint64(buf[32:40]),
		crc:          wantCRC,
	}
	if expectPageSize != 0 && int(m.pageSize) != expectPageSize {
		return meta{}, false, wrapErr(KindCorruption, "decode meta", ErrInvalidPageSize)
	}
	return m, true, nil
}

// chooseMeta implements spec.md §3's selection rule: of the two meta
// pages, the one with the valid CRC and the larger tx_id wins; if only
// one is valid, it wins regardless of tx_id.
func chooseMeta(a, b meta, aOK, bOK bool) (meta, pgid, error) {
	switch {
	case aOK && bOK:
		if a.txid >= b.txid {
			return a, metaPageA, nil
		}
		return b, metaPageB, nil
	case aOK:
		return a, metaPageA, nil
	case bOK:
		return b, metaPageB, nil
	default:
		return meta{}, 0, wrapErr(KindCorruption, "choose meta", ErrInvalidMeta)
	}
}
