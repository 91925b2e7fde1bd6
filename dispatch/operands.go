package dispatch

import (
	"encoding/binary"
	"fmt"

	"github.com/codahale/tn/internal/mem"
)

// operands is a bounds-checked view of a command payload. Offsets count from the opcode byte.
type operands []byte

func (o operands) need(off, n int) error {
	if off+n > len(o) {
		return fmt.Errorf("%w: %d bytes at offset %d of a %d-byte %s command",
			ErrTruncatedOperand, n, off, len(o), o.op())
	}
	return nil
}

func (o operands) op() string {
	if len(o) == 0 {
		return "empty"
	}
	return opcodeOf(o).String()
}

func (o operands) uint8(off int) (uint8, error) {
	if err := o.need(off, 1); err != nil {
		return 0, err
	}
	return o[off], nil
}

// optUint8 returns the byte at off, or zero if the command is too short to hold it.
func (o operands) optUint8(off int) uint8 {
	if off < len(o) {
		return o[off]
	}
	return 0
}

func (o operands) uint16(off int) (uint16, error) {
	if err := o.need(off, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(o[off:]), nil
}

func (o operands) uint32(off int) (uint32, error) {
	if err := o.need(off, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(o[off:]), nil
}

// str returns the NUL-terminated string starting at off, which may be empty.
func (o operands) str(off int) (string, error) {
	if err := o.need(off, 0); err != nil {
		return "", err
	}
	return mem.CString(o[off:]), nil
}

// tail returns every byte after off.
func (o operands) tail(off int) ([]byte, error) {
	if err := o.need(off, 0); err != nil {
		return nil, err
	}
	return o[off:], nil
}
