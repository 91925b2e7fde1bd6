// Package keccak implements the Keccak-f[1600] permutation.
//
// The state is held as 200 bytes. Lanes are little-endian 64-bit words regardless of the host's byte order: they are
// loaded before the rounds run and stored back afterwards, which is a plain copy on little-endian hosts and a byte swap
// on big-endian ones.
package keccak

import (
	"encoding/binary"
	"math/bits"
)

// Rounds is the number of rounds of Keccak-f[1600].
const Rounds = 24

// Rotation offsets applied by rho, in the order lanes are visited by pi.
var rotc = [24]uint8{
	1, 3, 6, 10, 15, 21, 28, 36, 45, 55, 2, 14, 27, 41, 56, 8, 25, 43, 62, 18, 39, 61, 20, 44,
}

// Destination lanes of pi, starting from lane 1.
var piln = [24]uint8{
	10, 7, 11, 17, 18, 3, 5, 16, 8, 21, 24, 4, 15, 23, 19, 13, 12, 2, 20, 14, 22, 9, 6, 1,
}

// F1600 applies the Keccak-f[1600] permutation to the state (24 rounds).
func F1600(state *[200]byte) {
	var a [25]uint64
	for i := range a {
		a[i] = binary.LittleEndian.Uint64(state[i*8:])
	}

	permute(&a)

	for i := range a {
		binary.LittleEndian.PutUint64(state[i*8:], a[i])
	}
}

func permute(a *[25]uint64) {
	var bc [5]uint64
	lfsr := uint8(1)

	for range Rounds {
		// Theta
		for x := range 5 {
			bc[x] = a[x] ^ a[x+5] ^ a[x+10] ^ a[x+15] ^ a[x+20]
		}
		for x := range 5 {
			t := bc[(x+4)%5] ^ bits.RotateLeft64(bc[(x+1)%5], 1)
			for y := 0; y < 25; y += 5 {
				a[y+x] ^= t
			}
		}

		// Rho and pi, carrying one rotated lane around the cycle.
		t := a[1]
		for i, j := range piln {
			next := a[j]
			a[j] = bits.RotateLeft64(t, int(rotc[i]))
			t = next
		}

		// Chi
		for y := 0; y < 25; y += 5 {
			copy(bc[:], a[y:y+5])
			for x := range 5 {
				a[y+x] = bc[x] ^ (^bc[(x+1)%5] & bc[(x+2)%5])
			}
		}

		// Iota
		a[0] ^= roundConstant(&lfsr)
	}
}

// roundConstant derives the next iota constant from the degree-8 LFSR, advancing it seven times. Output bit k of the
// LFSR lands at lane bit 2^k-1.
func roundConstant(lfsr *uint8) uint64 {
	var rc uint64
	for k := range 7 {
		if *lfsr&1 != 0 {
			rc |= 1 << (1<<k - 1)
		}
		if *lfsr&0x80 != 0 {
			*lfsr = *lfsr<<1 ^ 0x71
		} else {
			*lfsr <<= 1
		}
	}
	return rc
}
