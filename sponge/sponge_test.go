package sponge_test

import (
	"bytes"
	"encoding/hex"
	"io"
	"testing"

	"github.com/codahale/tn/sponge"
	fuzz "github.com/trailofbits/go-fuzz-utils"
	"golang.org/x/crypto/sha3"
)

func TestSum_KnownAnswers(t *testing.T) {
	tests := []struct {
		name  string
		pad   sponge.Padding
		input string
		want  string
	}{
		{"keccak empty", sponge.PadKeccak, "", "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"},
		{"keccak abc", sponge.PadKeccak, "abc", "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45"},
		{"sha3 empty", sponge.PadSHA3, "", "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a"},
		{"sha3 abc", sponge.PadSHA3, "abc", "3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sponge.Sum(tt.pad, []byte(tt.input))
			if hex.EncodeToString(got[:]) != tt.want {
				t.Errorf("Sum(%q) = %x, want = %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestSum_Reference(t *testing.T) {
	input := make([]byte, 3*sponge.Rate+1)
	for i := range input {
		input[i] = byte(i * 7)
	}

	for n := range len(input) + 1 {
		msg := input[:n]

		ref := sha3.NewLegacyKeccak256()
		_, _ = ref.Write(msg)
		if got, want := sponge.Sum(sponge.PadKeccak, msg), ref.Sum(nil); !bytes.Equal(got[:], want) {
			t.Fatalf("Keccak(%d bytes) = %x, want = %x", n, got, want)
		}

		if got, want := sponge.Sum(sponge.PadSHA3, msg), sha3.Sum256(msg); got != want {
			t.Fatalf("SHA3(%d bytes) = %x, want = %x", n, got, want)
		}
	}
}

func TestSum_PaddingSeparation(t *testing.T) {
	msg := []byte("same input")
	if sponge.Sum(sponge.PadKeccak, msg) == sponge.Sum(sponge.PadSHA3, msg) {
		t.Error("Keccak and SHA-3 padding produced the same digest")
	}
}

func TestState_CursorInvariant(t *testing.T) {
	for _, n := range []int{0, 1, 135, 136, 137, 272, 1000} {
		var s sponge.State
		s.Absorb(make([]byte, n))

		if got, want := s.Cursor(), n%sponge.Rate; got != want {
			t.Errorf("after %d bytes: Cursor() = %d, want = %d", n, got, want)
		}
		if got, want := s.Permutations(), uint64(n/sponge.Rate); got != want {
			t.Errorf("after %d bytes: Permutations() = %d, want = %d", n, got, want)
		}
	}
}

func TestState_IncrementalAbsorb(t *testing.T) {
	msg := bytes.Repeat([]byte("incremental"), 50)
	want := sponge.Sum(sponge.PadKeccak, msg)

	var s sponge.State
	for rest := msg; len(rest) > 0; {
		n := min(len(rest), 13)
		s.Absorb(rest[:n])
		rest = rest[n:]
	}
	if got := s.Finalize(sponge.PadKeccak); got != want {
		t.Errorf("incremental = %x, want = %x", got, want)
	}
}

func TestState_Reset(t *testing.T) {
	var s sponge.State
	s.Absorb([]byte("junk"))
	_ = s.Finalize(sponge.PadSHA3)

	s.Reset()
	if got, want := s.Finalize(sponge.PadKeccak), sponge.Sum(sponge.PadKeccak, nil); got != want {
		t.Errorf("after Reset = %x, want = %x", got, want)
	}
}

func TestState_AbsorbAfterFinalize(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Absorb after Finalize should have panicked")
		}
	}()

	var s sponge.State
	_ = s.Finalize(sponge.PadKeccak)
	s.Absorb([]byte("x"))
}

func TestNew(t *testing.T) {
	h := sponge.New(sponge.PadSHA3)
	_, _ = io.WriteString(h, "hello")

	sum1 := h.Sum([]byte("prefix"))
	if !bytes.HasPrefix(sum1, []byte("prefix")) || len(sum1) != len("prefix")+sponge.Size {
		t.Fatalf("Sum(prefix) = %x", sum1)
	}

	// Sum must not disturb the running state.
	_, _ = io.WriteString(h, " world")
	want := sha3.Sum256([]byte("hello world"))
	if got := h.Sum(nil); !bytes.Equal(got, want[:]) {
		t.Errorf("Sum() = %x, want = %x", got, want)
	}

	h.Reset()
	want = sha3.Sum256(nil)
	if got := h.Sum(nil); !bytes.Equal(got, want[:]) {
		t.Errorf("Sum() after Reset = %x, want = %x", got, want)
	}

	if got, want := h.BlockSize(), sponge.Rate; got != want {
		t.Errorf("BlockSize() = %d, want = %d", got, want)
	}
}

func FuzzSum(f *testing.F) {
	f.Add([]byte("seed"))
	f.Add(make([]byte, 300))

	f.Fuzz(func(t *testing.T, data []byte) {
		tp, err := fuzz.NewTypeProvider(data)
		if err != nil {
			t.Skip(err)
		}

		msg, err := tp.GetBytes()
		if err != nil {
			t.Skip(err)
		}

		ref := sha3.NewLegacyKeccak256()
		_, _ = ref.Write(msg)
		if got, want := sponge.Sum(sponge.PadKeccak, msg), ref.Sum(nil); !bytes.Equal(got[:], want) {
			t.Fatalf("Keccak(%x) = %x, want = %x", msg, got, want)
		}
	})
}

func BenchmarkSum(b *testing.B) {
	msg := make([]byte, 16*1024)
	b.SetBytes(int64(len(msg)))
	b.ReportAllocs()
	for b.Loop() {
		sponge.Sum(sponge.PadKeccak, msg)
	}
}
