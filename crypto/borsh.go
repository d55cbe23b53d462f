package crypto

import (
	"encoding/binary"
	"fmt"
)

// BorshEncoder accumulates a Borsh-encoded byte stream. Borsh has no
// library implementation anywhere in the retrieved pack, so this is a
// minimal hand-rolled encoder covering only the primitives the NEAR wire
// format needs: fixed-width little-endian integers, length-prefixed byte
// strings, and fixed-size byte arrays.
type BorshEncoder struct {
	buf []byte
}

// NewBorshEncoder returns an empty encoder.
func NewBorshEncoder() *BorshEncoder {
	return &BorshEncoder{}
}

// Bytes returns the accumulated encoding.
func (e *BorshEncoder) Bytes() []byte {
	return e.buf
}

// U8 appends a single byte.
func (e *BorshEncoder) U8(v uint8) *BorshEncoder {
	e.buf = append(e.buf, v)
	return e
}

// U32 appends a little-endian uint32.
func (e *BorshEncoder) U32(v uint32) *BorshEncoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// U64 appends a little-endian uint64.
func (e *BorshEncoder) U64(v uint64) *BorshEncoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// FixedBytes appends raw bytes with no length prefix, for fields whose
// length is fixed by the schema (e.g. a 32-byte public key).
func (e *BorshEncoder) FixedBytes(v []byte) *BorshEncoder {
	e.buf = append(e.buf, v...)
	return e
}

// Raw appends v with no length prefix, for composing a Vec<T> by hand: call
// U32 with the item count, then Raw once per item's own encoding.
func (e *BorshEncoder) Raw(v []byte) *BorshEncoder {
	e.buf = append(e.buf, v...)
	return e
}

// Bytes32 appends raw bytes, panicking if v is not exactly 32 bytes — used
// for public keys and digests, where a short write would silently corrupt
// every field encoded after it.
func (e *BorshEncoder) Bytes32(v []byte) *BorshEncoder {
	if len(v) != 32 {
		panic(fmt.Sprintf("crypto: borsh Bytes32 expected 32 bytes, got %d", len(v)))
	}
	return e.FixedBytes(v)
}

// String appends a Borsh string: a u32 length prefix followed by the UTF-8
// bytes.
func (e *BorshEncoder) String(v string) *BorshEncoder {
	e.U32(uint32(len(v)))
	e.buf = append(e.buf, v...)
	return e
}

// VecBytes appends a Borsh Vec<u8>: a u32 length prefix followed by the raw
// bytes.
func (e *BorshEncoder) VecBytes(v []byte) *BorshEncoder {
	e.U32(uint32(len(v)))
	e.buf = append(e.buf, v...)
	return e
}

// BorshDecoder reads sequentially from a Borsh-encoded byte stream.
type BorshDecoder struct {
	buf []byte
	pos int
}

// NewBorshDecoder wraps buf for sequential reads.
func NewBorshDecoder(buf []byte) *BorshDecoder {
	return &BorshDecoder{buf: buf}
}

func (d *BorshDecoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return fmt.Errorf("crypto: borsh decode: need %d bytes at offset %d, have %d", n, d.pos, len(d.buf)-d.pos)
	}
	return nil
}

// U8 reads a single byte.
func (d *BorshDecoder) U8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// U32 reads a little-endian uint32.
func (d *BorshDecoder) U32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// U64 reads a little-endian uint64.
func (d *BorshDecoder) U64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// FixedBytes reads exactly n raw bytes.
func (d *BorshDecoder) FixedBytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, d.buf[d.pos:d.pos+n])
	d.pos += n
	return v, nil
}

// String reads a Borsh string: a u32 length prefix followed by UTF-8 bytes.
func (d *BorshDecoder) String() (string, error) {
	n, err := d.U32()
	if err != nil {
		return "", err
	}
	b, err := d.FixedBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VecBytes reads a Borsh Vec<u8>: a u32 length prefix followed by raw bytes.
func (d *BorshDecoder) VecBytes() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	return d.FixedBytes(int(n))
}

// Remaining reports how many unread bytes are left, useful to assert a
// decode consumed the whole buffer.
func (d *BorshDecoder) Remaining() int {
	return len(d.buf) - d.pos
}
