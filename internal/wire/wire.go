package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version    byte = 1
	kindSingle byte = 1
	kindRecord byte = 2
)

var (
	ErrCorrupt = errors.New("nuster: corrupt record")
	magic4     = [...]byte{'N', 'S', 'T', 'R'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Single: magic(4) | ver(1) | kind(1=single) | gen(u64 be) | vlen(u32 be) | payload(vlen)
func EncodeSingle(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(singleHeader + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSingle)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

const singleHeader = 4 + 1 + 1 + 8 + 4

// DecodeSingle is strict: the frame must span b exactly.
func DecodeSingle(b []byte) (gen uint64, payload []byte, err error) {
	if len(b) < singleHeader || !hasMagic(b) || b[4] != version || b[5] != kindSingle {
		return 0, nil, ErrCorrupt
	}
	off := 6
	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}
	return gen, b[off:], nil
}

// Record is the fixed metadata block at offset 0 of every disk file:
//
//	magic(4) | ver(1) | kind(1=record) | hash(u64) | expire(i64 unix ns, 0=never)
//	proxy(u32) | rule(u32) | keyLen(u32) | hostLen(u32) | pathLen(u32)
//	headerLen(u32) | bodyLen(u64) | headerOff(u64)
//
// followed by key, host and path bytes, then headerLen header bytes at
// headerOff, then bodyLen body bytes. All integers are big endian.
type Record struct {
	Hash      uint64
	Expire    int64
	ProxyID   uint32
	RuleID    uint32
	KeyLen    uint32
	HostLen   uint32
	PathLen   uint32
	HeaderLen uint32
	BodyLen   uint64
	HeaderOff uint64
}

const RecordSize = 4 + 1 + 1 + 8 + 8 + 4*7 + 8 + 8

// bodyLenOff is where BodyLen sits, for in-place patching.
const bodyLenOff = RecordSize - 16

// EncodeRecord returns the RecordSize bytes describing r.
func EncodeRecord(r Record) []byte {
	b := make([]byte, RecordSize)
	copy(b, magic4[:])
	b[4] = version
	b[5] = kindRecord
	off := 6
	binary.BigEndian.PutUint64(b[off:], r.Hash)
	off += 8
	binary.BigEndian.PutUint64(b[off:], uint64(r.Expire))
	off += 8
	for _, v := range [...]uint32{r.ProxyID, r.RuleID, r.KeyLen, r.HostLen, r.PathLen, r.HeaderLen} {
		binary.BigEndian.PutUint32(b[off:], v)
		off += 4
	}
	// one u32 of padding keeps the 64-bit lengths aligned
	off += 4
	binary.BigEndian.PutUint64(b[off:], r.BodyLen)
	off += 8
	binary.BigEndian.PutUint64(b[off:], r.HeaderOff)
	return b
}

// PatchBodyLen returns the bytes to write at BodyLenOffset once the body is
// complete.
func PatchBodyLen(n uint64) []byte {
	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], n)
	return u8[:]
}

// BodyLenOffset is the file offset of the BodyLen field.
func BodyLenOffset() int64 { return bodyLenOff }

func DecodeRecord(b []byte) (Record, error) {
	if len(b) < RecordSize || !hasMagic(b) || b[4] != version || b[5] != kindRecord {
		return Record{}, ErrCorrupt
	}
	var r Record
	off := 6
	r.Hash = binary.BigEndian.Uint64(b[off:])
	off += 8
	r.Expire = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	u := func() uint32 {
		v := binary.BigEndian.Uint32(b[off:])
		off += 4
		return v
	}
	r.ProxyID, r.RuleID = u(), u()
	r.KeyLen, r.HostLen, r.PathLen, r.HeaderLen = u(), u(), u(), u()
	off += 4
	r.BodyLen = binary.BigEndian.Uint64(b[off:])
	off += 8
	r.HeaderOff = binary.BigEndian.Uint64(b[off:])
	if r.HeaderOff != uint64(RecordSize)+uint64(r.KeyLen)+uint64(r.HostLen)+uint64(r.PathLen) {
		return Record{}, ErrCorrupt
	}
	return r, nil
}

// Size is the total file size r describes.
func (r Record) Size() int64 {
	return int64(r.HeaderOff) + int64(r.HeaderLen) + int64(r.BodyLen)
}
