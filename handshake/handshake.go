// Package handshake implements the challenge-response authentication run at the start of every connection.
//
// The server sends a fresh 32-byte challenge and its 32-byte identifier as one packet. The client proves knowledge of
// the shared key by replying with a single 32-byte packet containing the Keccak-256 digest of
// challenge ‖ identifier ‖ key:
//
//	<- challenge ‖ identifier
//	-> Keccak-256(challenge ‖ identifier ‖ key)
//	<- "version/arch"
//	<- probe (0x11223344, server byte order)
//	<- ""
//
// Any deviation from the expected response ends the connection with no reply. The handshake authenticates the client
// only; it provides no confidentiality and does not authenticate the server.
package handshake

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/codahale/tn"
	"github.com/codahale/tn/frame"
	"github.com/codahale/tn/sponge"
	"golang.org/x/sys/cpu"
)

// GreetingSize is the size, in bytes, of the server's greeting.
const GreetingSize = tn.ChallengeSize + tn.IdentifierSize

var (
	// ErrAuthFailed is returned when the client's response does not match the expected digest.
	ErrAuthFailed = errors.New("tn/handshake: authentication failed")

	// ErrInvalidBanner is returned to clients when the server's post-authentication banner is malformed.
	ErrInvalidBanner = errors.New("tn/handshake: invalid banner")
)

// A Secret holds the per-connection challenge along with the server's long-lived identifier and shared key.
type Secret struct {
	Challenge  [tn.ChallengeSize]byte
	Identifier [tn.IdentifierSize]byte
	Key        [tn.KeySize]byte
}

// Refresh replaces the challenge with entropy read from rand, then spreads it across every byte with a running sum.
// If rand fails, the previous challenge is diffused again instead, so consecutive challenges still differ.
func (s *Secret) Refresh(rand io.Reader) {
	var fresh [tn.ChallengeSize]byte
	if _, err := io.ReadFull(rand, fresh[:]); err == nil {
		s.Challenge = fresh
	}

	s.Challenge[0]++
	for i := range len(s.Challenge) - 1 {
		s.Challenge[i+1] += s.Challenge[i]
	}
}

// Greeting returns challenge ‖ identifier. The same bytes double as the end marker of OpExec.
func (s *Secret) Greeting() []byte {
	b := make([]byte, 0, GreetingSize)
	b = append(b, s.Challenge[:]...)
	return append(b, s.Identifier[:]...)
}

// Expected returns the response a client holding the right key must send.
func (s *Secret) Expected() [tn.DigestSize]byte {
	var h sponge.State
	h.Absorb(s.Challenge[:])
	h.Absorb(s.Identifier[:])
	h.Absorb(s.Key[:])
	return h.Finalize(sponge.PadKeccak)
}

// Respond runs the server side of the handshake over rw. It returns an error wrapping ErrAuthFailed if the client's
// response is wrong, or the framing error if the client's response is truncated. On success, the banner has been sent
// and the connection is ready for commands.
func Respond(rw io.ReadWriter, s *Secret) error {
	if err := frame.WritePacket(rw, s.Greeting()); err != nil {
		return err
	}
	expected := s.Expected()

	var buf [frame.MinBuffer]byte
	n, err := frame.ReadPacket(rw, buf[:])
	if err != nil {
		return err
	}
	if n != tn.DigestSize || subtle.ConstantTimeCompare(buf[:n], expected[:]) != 1 {
		return fmt.Errorf("%w: %d-byte response", ErrAuthFailed, n)
	}

	if err := frame.WritePacket(rw, []byte(tn.Version+"/"+runtime.GOARCH)); err != nil {
		return err
	}
	if err := frame.WritePacket(rw, Probe()); err != nil {
		return err
	}
	return frame.WriteEmpty(rw)
}

// Probe returns tn.Probe in the host's native byte order.
func Probe() []byte {
	b := make([]byte, 4)
	if cpu.IsBigEndian {
		binary.BigEndian.PutUint32(b, tn.Probe)
	} else {
		binary.LittleEndian.PutUint32(b, tn.Probe)
	}
	return b
}

// Answer returns the response to the given greeting for a client holding key.
func Answer(greeting []byte, key *[tn.KeySize]byte) ([tn.DigestSize]byte, error) {
	if len(greeting) != GreetingSize {
		return [tn.DigestSize]byte{}, fmt.Errorf("%w: %d-byte greeting", ErrInvalidBanner, len(greeting))
	}

	var h sponge.State
	h.Absorb(greeting)
	h.Absorb(key[:])
	return h.Finalize(sponge.PadKeccak), nil
}

// A Banner describes the server, as reported after a successful handshake.
type Banner struct {
	Greeting  []byte // challenge ‖ identifier
	Version   string
	Arch      string
	BigEndian bool
}

// Initiate runs the client side of the handshake over rw using the shared key.
func Initiate(rw io.ReadWriter, key *[tn.KeySize]byte) (Banner, error) {
	var buf [frame.MinBuffer]byte

	n, err := frame.ReadPacket(rw, buf[:])
	if err != nil {
		return Banner{}, err
	}
	greeting := append([]byte(nil), buf[:n]...)

	response, err := Answer(greeting, key)
	if err != nil {
		return Banner{}, err
	}
	if err := frame.WritePacket(rw, response[:]); err != nil {
		return Banner{}, err
	}

	n, err = frame.ReadPacket(rw, buf[:])
	if err != nil {
		return Banner{}, err
	}
	version, arch, ok := strings.Cut(string(buf[:n]), "/")
	if !ok {
		return Banner{}, fmt.Errorf("%w: version %q", ErrInvalidBanner, buf[:n])
	}

	n, err = frame.ReadPacket(rw, buf[:])
	if err != nil {
		return Banner{}, err
	}
	var bigEndian bool
	switch {
	case n == 4 && binary.BigEndian.Uint32(buf[:4]) == tn.Probe:
		bigEndian = true
	case n == 4 && binary.LittleEndian.Uint32(buf[:4]) == tn.Probe:
		bigEndian = false
	default:
		return Banner{}, fmt.Errorf("%w: probe %x", ErrInvalidBanner, buf[:n])
	}

	if n, err = frame.ReadPacket(rw, buf[:]); err != nil {
		return Banner{}, err
	} else if n != 0 {
		return Banner{}, fmt.Errorf("%w: %d-byte terminator", ErrInvalidBanner, n)
	}

	return Banner{Greeting: greeting, Version: version, Arch: arch, BigEndian: bigEndian}, nil
}
