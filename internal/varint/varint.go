// Package varint implements the base-128 integers used in metadata records.
//
// Each integer is split into 7-bit groups, most significant group first. Every group but the last has its high bit
// set. Encoders write records back to front so that several fields can be packed into the tail of a buffer with a
// single moving cursor and then sent as one contiguous slice.
package varint

import "errors"

// MaxSize is the length, in bytes, of the largest encoded integer.
const MaxSize = 10

var (
	// ErrTruncated is returned when a record ends in the middle of an integer.
	ErrTruncated = errors.New("varint: truncated integer")

	// ErrOverflow is returned when an encoded integer does not fit in 64 bits.
	ErrOverflow = errors.New("varint: integer overflows 64 bits")
)

// An Encoder writes integers backwards into the tail of a buffer.
type Encoder struct {
	buf []byte
	pos int
}

// NewEncoder returns an Encoder whose cursor starts at the end of buf. The buffer must have room for MaxSize bytes per
// field.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf, pos: len(buf)}
}

// Put writes v immediately before the cursor and returns the new cursor.
//
// The low group is written first with its continuation bit clear, then each higher group with the bit set, so the
// bytes read forward from the cursor are most significant first.
func (e *Encoder) Put(v uint64) int {
	e.pos--
	e.buf[e.pos] = byte(v & 0x7f)
	for v >>= 7; v != 0; v >>= 7 {
		e.pos--
		e.buf[e.pos] = byte(v) | 0x80
	}
	return e.pos
}

// Bytes returns everything written so far, in wire order.
func (e *Encoder) Bytes() []byte {
	return e.buf[e.pos:]
}

// A Reader decodes integers from the front of a record.
type Reader struct {
	b []byte
}

// NewReader returns a Reader over the record b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Uint decodes the next integer.
func (r *Reader) Uint() (uint64, error) {
	var v uint64
	for i, c := range r.b {
		if i == MaxSize || v>>57 != 0 {
			return 0, ErrOverflow
		}
		v = v<<7 | uint64(c&0x7f)
		if c&0x80 == 0 {
			r.b = r.b[i+1:]
			return v, nil
		}
	}
	return 0, ErrTruncated
}

// Len returns the number of undecoded bytes.
func (r *Reader) Len() int {
	return len(r.b)
}
