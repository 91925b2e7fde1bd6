// Package sponge implements a Keccak-f[1600] sponge with a 1088-bit rate and a 256-bit digest.
//
// A State absorbs input into the rate portion of the permutation state, running the permutation each time 136 bytes
// have been absorbed. Finalizing pads the state with one of two domain separation bytes and returns the first 32 bytes
// of the permuted state: PadKeccak gives the original Keccak-256, PadSHA3 gives FIPS 202 SHA3-256.
package sponge

import (
	"hash"

	"github.com/codahale/tn/internal/keccak"
	"github.com/codahale/tn/internal/mem"
)

const (
	// Rate is the number of bytes absorbed between permutations.
	Rate = 136

	// Size is the size, in bytes, of a digest.
	Size = 32
)

// Padding selects the domain separation byte applied at finalization.
type Padding byte

const (
	// PadKeccak is the original Keccak padding.
	PadKeccak Padding = 0x01

	// PadSHA3 is the FIPS 202 SHA-3 padding.
	PadSHA3 Padding = 0x06
)

// A State is a single sponge computation. The zero value is ready to absorb.
//
// A State is finished once Finalize is called and must be Reset before reuse. States are not concurrent-safe, but
// separate States share nothing.
type State struct {
	state        [200]byte
	inqueue      int
	permutations uint64
	finalized    bool
}

// Reset zeroes the state and the absorption cursor.
func (s *State) Reset() {
	*s = State{}
}

// Absorb XORs b into the state at the cursor, running the permutation whenever the cursor reaches the rate.
//
// Absorb panics if the state has been finalized.
func (s *State) Absorb(b []byte) {
	if s.finalized {
		panic("sponge: absorb after finalize")
	}

	for len(b) > 0 {
		remain := min(len(b), Rate-s.inqueue)
		dst := s.state[s.inqueue : s.inqueue+remain]
		mem.XOR(dst, dst, b[:remain])
		s.inqueue += remain
		if s.inqueue == Rate {
			s.permute()
		}
		b = b[remain:]
	}
}

// Write absorbs p. It never returns an error.
func (s *State) Write(p []byte) (int, error) {
	s.Absorb(p)
	return len(p), nil
}

// Finalize pads the state with the given domain separation byte and the final 0x80 bit, runs the permutation one last
// time, and returns the digest.
//
// Finalize panics if the state has already been finalized.
func (s *State) Finalize(pad Padding) [Size]byte {
	if s.finalized {
		panic("sponge: finalize after finalize")
	}

	s.state[s.inqueue] ^= byte(pad)
	s.state[Rate-1] ^= 0x80
	s.permute()
	s.finalized = true
	return [Size]byte(s.state[:Size])
}

// Cursor returns the position in the rate at which the next byte will be absorbed.
func (s *State) Cursor() int {
	return s.inqueue
}

// Permutations returns the number of times the permutation has run.
func (s *State) Permutations() uint64 {
	return s.permutations
}

func (s *State) permute() {
	keccak.F1600(&s.state)
	s.inqueue = 0
	s.permutations++
}

// Sum returns the digest of data using the given padding.
func Sum(pad Padding, data []byte) [Size]byte {
	var s State
	s.Absorb(data)
	return s.Finalize(pad)
}

// New returns a new hash.Hash which computes digests with the given padding.
func New(pad Padding) hash.Hash {
	return &digest{pad: pad} //nolint:exhaustruct // zero State is ready
}

type digest struct {
	s   State
	pad Padding
}

func (d *digest) Write(p []byte) (n int, err error) {
	return d.s.Write(p)
}

func (d *digest) Sum(b []byte) []byte {
	s := d.s
	sum := s.Finalize(d.pad)
	ret, out := mem.SliceForAppend(b, Size)
	copy(out, sum[:])
	return ret
}

func (d *digest) Reset() {
	d.s.Reset()
}

func (d *digest) Size() int {
	return Size
}

func (d *digest) BlockSize() int {
	return Rate
}

var _ hash.Hash = (*digest)(nil)
