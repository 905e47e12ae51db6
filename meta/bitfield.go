package meta

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"
)

// Bitfield records which chunks of a revision are present. The zero value is
// an empty bitfield of length 0.
type Bitfield struct {
	n    int
	bits []byte
}

// NewBitfield returns an all-zero bitfield of n bits.
func NewBitfield(n int) Bitfield {
	if n < 0 {
		n = 0
	}
	return Bitfield{n: n, bits: make([]byte, (n+7)/8)}
}

// Len returns the number of bits.
func (b Bitfield) Len() int { return b.n }

// Set marks bit i present. Out-of-range indices are ignored.
func (b Bitfield) Set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.bits[i/8] |= 0x80 >> (i % 8)
}

// Test reports whether bit i is set.
func (b Bitfield) Test(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits[i/8]&(0x80>>(i%8)) != 0
}

// Count returns the number of set bits.
func (b Bitfield) Count() int {
	total := 0
	for _, v := range b.bits {
		total += bits.OnesCount8(v)
	}
	return total
}

// All reports whether every bit is set.
func (b Bitfield) All() bool { return b.Count() == b.n }

// Clone returns an independent copy.
func (b Bitfield) Clone() Bitfield {
	return Bitfield{n: b.n, bits: append([]byte(nil), b.bits...)}
}

func (b Bitfield) String() string {
	var sb strings.Builder
	for i := 0; i < b.n; i++ {
		if b.Test(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

type bitfieldWire struct {
	N    int    `json:"n"`
	Bits []byte `json:"bits"`
}

func (b Bitfield) MarshalJSON() ([]byte, error) {
	return json.Marshal(bitfieldWire{N: b.n, Bits: b.bits})
}

func (b *Bitfield) UnmarshalJSON(data []byte) error {
	var wire bitfieldWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.N < 0 || len(wire.Bits) != (wire.N+7)/8 {
		return fmt.Errorf("%w: bitfield of %d bits carries %d bytes", ErrMalformed, wire.N, len(wire.Bits))
	}
	b.n = wire.N
	b.bits = wire.Bits
	return nil
}
