// Package frame reads and writes the length-prefixed packets every protocol message is built from.
//
// A packet is a single length byte followed by that many bytes of payload. An empty packet is a valid packet; its
// meaning (end of stream, end of session, failed query) depends on where it appears.
package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/codahale/tn"
)

// MinBuffer is the smallest buffer ReadPacket accepts: a full payload plus its trailing NUL.
const MinBuffer = tn.MaxPayload + 1

var (
	// ErrShortPacket is returned when the stream ends or fails before a whole packet has been read.
	ErrShortPacket = errors.New("frame: short packet")

	// ErrPayloadTooLarge is returned when writing more than tn.MaxPayload bytes as one packet.
	ErrPayloadTooLarge = errors.New("frame: payload too large")

	// ErrBufferTooSmall is returned when a read buffer cannot hold a maximal payload and its NUL.
	ErrBufferTooSmall = errors.New("frame: buffer too small")
)

// ReadPacket reads exactly one packet from r into buf and returns the payload length. A NUL byte is written after the
// payload so that string operands are always terminated; it is not counted in the length.
//
// Any failure to read the complete packet, including a clean EOF before the length byte, returns an error wrapping
// ErrShortPacket.
func ReadPacket(r io.Reader, buf []byte) (int, error) {
	if len(buf) < MinBuffer {
		return 0, ErrBufferTooSmall
	}

	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrShortPacket, err)
	}

	n := int(buf[0])
	if n > 0 {
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrShortPacket, err)
		}
	}
	buf[n] = 0

	return n, nil
}

// WritePacket writes p to w as a single packet. The length byte and payload go out in one Write call.
func WritePacket(w io.Writer, p []byte) error {
	if len(p) > tn.MaxPayload {
		return ErrPayloadTooLarge
	}

	var b [1 + tn.MaxPayload]byte
	b[0] = byte(len(p))
	n := copy(b[1:], p)
	_, err := w.Write(b[:1+n])
	return err
}

// WriteEmpty writes an empty packet to w.
func WriteEmpty(w io.Writer) error {
	_, err := w.Write([]byte{0})
	return err
}

// WriteStream writes p to w as a sequence of maximal packets. It does not write the terminating empty packet.
func WriteStream(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n := min(len(p), tn.MaxPayload)
		if err := WritePacket(w, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
