package atomkv

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// walBlockSize is the fixed block length physical records are framed
// within, matching spec.md §4.6 and original_source/db/log_writer.cpp's
// block-structured writer.
const walBlockSize = 32 * 1024

// physical record types, fragmenting a logical record across block
// boundaries (original_source/db/log_writer.cpp's kFullType/kFirstType/
// kMiddleType/kLastType).
const (
	physFull byte = iota + 1
	physFirst
	physMiddle
	physLast
)

const physHeaderSize = 4 + 2 + 1 // crc32(4) + length(2) + type(1)

// logical record kinds, per spec.md's GLOSSARY: WalTxId, Begin, Commit,
// Rollback, SubBucket, Put, Delete.
const (
	logWalTxID byte = iota + 1
	logBegin
	logCommit
	logRollback
	logSubBucket
	logPut
	logDelete
)

type walRecord struct {
	kind byte
	txid uint64
	seq  uint64  // logWalTxID only
	path [][]byte
	key  []byte
	value []byte
}

// walWriter appends logical records to the WAL file, framing each as one
// or more physical records within 32 KiB blocks. Grounded on spec.md §4.6
// and original_source/db/log_writer.cpp.
type walWriter struct {
	file     *os.File
	blockOff int // bytes already used in the current block
	size     int64
}

func openWALWriter(file *os.File) (*walWriter, error) {
	fi, err := file.Stat()
	if err != nil {
		return nil, wrapErr(KindIO, "stat wal", err)
	}
	size := fi.Size()
	return &walWriter{file: file, blockOff: int(size % walBlockSize), size: size}, nil
}

func (w *walWriter) append(rec walRecord) error {
	payload := encodeLogical(rec)
	return w.appendPhysical(payload)
}

// appendPhysical fragments payload across Full/First/Middle/Last physical
// records so it never straddles a walBlockSize boundary, per
// original_source/db/log_writer.cpp.
func (w *walWriter) appendPhysical(payload []byte) error {
	first := true
	for {
		remain := walBlockSize - w.blockOff
		if remain < physHeaderSize {
			if err := w.padBlock(); err != nil {
				return err
			}
			remain = walBlockSize
		}
		avail := remain - physHeaderSize
		chunkLen := len(payload)
		if chunkLen > avail {
			chunkLen = avail
		}
		last := chunkLen == len(payload)

		var typ byte
		switch {
		case first && last:
			typ = physFull
		case first && !last:
			typ = physFirst
		case !first && last:
			typ = physLast
		default:
			typ = physMiddle
		}
		if err := w.writePhysical(typ, payload[:chunkLen]); err != nil {
			return err
		}
		payload = payload[chunkLen:]
		first = false
		if last {
			return nil
		}
	}
}

func (w *walWriter) writePhysical(typ byte, chunk []byte) error {
	buf := make([]byte, physHeaderSize+len(chunk))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(chunk)))
	buf[6] = typ
	copy(buf[physHeaderSize:], chunk)
	binary.LittleEndian.PutUint32(buf[0:4], checksum(buf[4:]))
	if _, err := w.file.Write(buf); err != nil {
		return wrapErr(KindIO, "write wal record", err)
	}
	w.blockOff += len(buf)
	w.size += int64(len(buf))
	if w.blockOff >= walBlockSize {
		w.blockOff = 0
	}
	return nil
}

func (w *walWriter) padBlock() error {
	pad := walBlockSize - w.blockOff
	if pad > 0 {
		if _, err := w.file.Write(make([]byte, pad)); err != nil {
			return wrapErr(KindIO, "pad wal block", err)
		}
		w.size += int64(pad)
	}
	w.blockOff = 0
	return nil
}

func (w *walWriter) sync() error { return fdatasync(w.file) }

func (w *walWriter) truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return wrapErr(KindIO, "truncate wal", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return wrapErr(KindIO, "seek wal", err)
	}
	w.blockOff = 0
	w.size = 0
	return nil
}

// walReader replays physical records back into logical records, for
// recovery.go.
type walReader struct {
	buf []byte
	pos int
}

// openWALReader loads the whole WAL file into memory. WAL files are
// checkpoint-truncated well before they grow large (MaxWALSize bounds
// them), so buffering the full file for recovery is simple and exact
// about 32 KiB block alignment, unlike a streaming reader that would need
// to track absolute file offsets separately from a sliding buffer.
func openWALReader(file *os.File) (*walReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, wrapErr(KindIO, "seek wal", err)
	}
	buf, err := io.ReadAll(file)
	if err != nil {
		return nil, wrapErr(KindIO, "read wal", err)
	}
	return &walReader{buf: buf}, nil
}

// next returns the next reassembled logical-record payload. It returns
// io.EOF when the log is exhausted, io.ErrUnexpectedEOF when a record is
// cut off part-way, and a KindCorruption error when a physical record
// fails its CRC; recovery stops replaying at any of these.
func (r *walReader) next() ([]byte, error) {
	var assembled []byte
	for {
		typ, chunk, err := r.nextPhysical()
		if err != nil {
			if len(assembled) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		assembled = append(assembled, chunk...)
		if typ == physFull || typ == physLast {
			return assembled, nil
		}
	}
}

func (r *walReader) nextPhysical() (byte, []byte, error) {
	posInBlock := r.pos % walBlockSize
	if walBlockSize-posInBlock < physHeaderSize {
		r.pos += walBlockSize - posInBlock // skip trailing zero padding
	}
	if r.pos+physHeaderSize > len(r.buf) {
		return 0, nil, io.EOF
	}
	hdr := r.buf[r.pos : r.pos+physHeaderSize]
	wantCRC := binary.LittleEndian.Uint32(hdr[0:4])
	length := int(binary.LittleEndian.Uint16(hdr[4:6]))
	typ := hdr[6]
	if typ == 0 {
		return 0, nil, io.EOF // zero padding reached
	}
	if r.pos+physHeaderSize+length > len(r.buf) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	chunk := r.buf[r.pos+physHeaderSize : r.pos+physHeaderSize+length]
	gotCRC := checksum(r.buf[r.pos+4 : r.pos+physHeaderSize+length])
	if gotCRC != wantCRC {
		return 0, nil, wrapErr(KindCorruption, "read wal", ErrWALCorrupt)
	}
	r.pos += physHeaderSize + length
	return typ, chunk, nil
}

func encodeLogical(rec walRecord) []byte {
	buf := []byte{rec.kind}
	var tmp [8]byte
	switch rec.kind {
	case logWalTxID:
		binary.LittleEndian.PutUint64(tmp[:], rec.seq)
		buf = append(buf, tmp[:]...)
	case logBegin, logCommit, logRollback:
		binary.LittleEndian.PutUint64(tmp[:], rec.txid)
		buf = append(buf, tmp[:]...)
	case logSubBucket:
		binary.LittleEndian.PutUint64(tmp[:], rec.txid)
		buf = append(buf, tmp[:]...)
		buf = appendPath(buf, rec.path)
		buf = appendBytes(buf, rec.key)
	case logPut:
		binary.LittleEndian.PutUint64(tmp[:], rec.txid)
		buf = append(buf, tmp[:]...)
		buf = appendPath(buf, rec.path)
		buf = appendBytes(buf, rec.key)
		buf = appendBytes32(buf, rec.value)
	case logDelete:
		binary.LittleEndian.PutUint64(tmp[:], rec.txid)
		buf = append(buf, tmp[:]...)
		buf = appendPath(buf, rec.path)
		buf = appendBytes(buf, rec.key)
	}
	return buf
}

func decodeLogical(buf []byte) (walRecord, error) {
	if len(buf) == 0 {
		return walRecord{}, errors.New("atomkv: empty wal record")
	}
	rec := walRecord{kind: buf[0]}
	b := buf[1:]
	switch rec.kind {
	case logWalTxID:
		if len(b) < 8 {
			return rec, errShortWAL
		}
		rec.seq = binary.LittleEndian.Uint64(b)
	case logBegin, logCommit, logRollback:
		if len(b) < 8 {
			return rec, errShortWAL
		}
		rec.txid = binary.LittleEndian.Uint64(b)
	case logSubBucket:
		if len(b) < 8 {
			return rec, errShortWAL
		}
		rec.txid = binary.LittleEndian.Uint64(b)
		b = b[8:]
		path, b2, err := readPath(b)
		if err != nil {
			return rec, err
		}
		rec.path = path
		key, _, err := readBytes(b2)
		if err != nil {
			return rec, err
		}
		rec.key = key
	case logPut:
		if len(b) < 8 {
			return rec, errShortWAL
		}
		rec.txid = binary.LittleEndian.Uint64(b)
		b = b[8:]
		path, b2, err := readPath(b)
		if err != nil {
			return rec, err
		}
		rec.path = path
		key, b3, err := readBytes(b2)
		if err != nil {
			return rec, err
		}
		rec.key = key
		val, _, err := readBytes32(b3)
		if err != nil {
			return rec, err
		}
		rec.value = val
	case logDelete:
		if len(b) < 8 {
			return rec, errShortWAL
		}
		rec.txid = binary.LittleEndian.Uint64(b)
		b = b[8:]
		path, b2, err := readPath(b)
		if err != nil {
			return rec, err
		}
		rec.path = path
		key, _, err := readBytes(b2)
		if err != nil {
			return rec, err
		}
		rec.key = key
	default:
		return rec, errors.New("atomkv: unknown wal record kind")
	}
	return rec, nil
}

var errShortWAL = wrapErr(KindCorruption, "decode wal record", ErrWALCorrupt)

func appendBytes(buf, v []byte) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

func appendBytes32(buf, v []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

func appendPath(buf []byte, path [][]byte) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(path)))
	buf = append(buf, tmp[:]...)
	for _, seg := range path {
		buf = appendBytes(buf, seg)
	}
	return buf
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errShortWAL
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n {
		return nil, nil, errShortWAL
	}
	return append([]byte(nil), b[2:2+n]...), b[2+n:], nil
}

func readBytes32(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errShortWAL
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) < 4+n {
		return nil, nil, errShortWAL
	}
	return append([]byte(nil), b[4:4+n]...), b[4+n:], nil
}

func readPath(b []byte) ([][]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errShortWAL
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	path := make([][]byte, n)
	for i := 0; i < n; i++ {
		seg, rest, err := readBytes(b)
		if err != nil {
			return nil, nil, err
		}
		path[i] = seg
		b = rest
	}
	return path, b, nil
}
