package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version    byte = 1
	kindSingle byte = 1
)

var (
	ErrCorrupt    = errors.New("querycache: corrupt persisted entry")
	ErrHashLength = errors.New("querycache: entry hash must be 1..65535 bytes")
	magic4        = [...]byte{'Q', 'C', 'P', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is one persisted query: the encoded data plus what is needed to
// validate it on restore.
type Entry struct {
	Gen       uint64
	UpdatedAt time.Time
	Hash      string // full query hash; storage keys are shortened
	Payload   []byte
}

// Single:
//
//	magic(4) | ver(1) | kind(1=single) | gen(u64 be) | updatedAt(i64 be, unix nano)
//	hashLen(u16 be) | hash(hashLen) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) ([]byte, error) {
	if l := len(e.Hash); l == 0 || l > 0xFFFF {
		return nil, ErrHashLength
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 8 + 2 + len(e.Hash) + 4 + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSingle)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], e.Gen)
	buf.Write(u8[:])

	var nanos int64
	if !e.UpdatedAt.IsZero() {
		nanos = e.UpdatedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(nanos))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Hash)))
	buf.Write(u2[:])
	buf.WriteString(e.Hash)

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// Decode parses an entry. Trailing bytes are treated as corruption.
// The returned payload aliases b.
func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindSingle {
		return Entry{}, ErrCorrupt
	}

	off := 6

	var e Entry
	e.Gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	if nanos := int64(binary.BigEndian.Uint64(b[off : off+8])); nanos != 0 {
		e.UpdatedAt = time.Unix(0, nanos)
	}
	off += 8

	// hash
	hlen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if hlen == 0 || hlen > len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.Hash = string(b[off : off+hlen])
	off += hlen

	// vlen
	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // overflow-safe, exact
		return Entry{}, ErrCorrupt
	}

	e.Payload = b[off : off+vlen]
	return e, nil
}
