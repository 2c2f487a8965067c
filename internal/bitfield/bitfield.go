// Package bitfield implements the piece availability payload exchanged after handshake.
package bitfield

import (
	"encoding/hex"
	"math/bits"
)

// BitField holds one bit per piece. Bit 0 is the most significant bit of the first byte.
type BitField struct {
	b      []byte
	length uint32
}

// New creates a new BitField value of length bits.
func New(length uint32) *BitField {
	return &BitField{b: make([]byte, SizeBytes(length)), length: length}
}

// NewBytes returns a new BitField value from b. Bytes in b are not copied.
// Spare bits in the last byte are cleared.
// Panics if b is not big enough to hold "length" bits.
func NewBytes(b []byte, length uint32) *BitField {
	n := SizeBytes(length)
	if uint32(len(b)) < n {
		panic("not enough bytes in slice for specified length")
	}
	f := &BitField{b: b[:n], length: length}
	f.clearSpare()
	return f
}

// SizeBytes returns the number of bytes needed for length bits.
func SizeBytes(length uint32) uint32 {
	return (length + 7) / 8
}

// Bytes returns the backing slice. Modifying it modifies the bits in b.
func (b *BitField) Bytes() []byte { return b.b }

// Len returns the number of bits.
func (b *BitField) Len() uint32 { return b.length }

// SizeBytes returns the length of the wire payload.
func (b *BitField) SizeBytes() uint32 { return uint32(len(b.b)) }

// Hex returns bytes as string.
func (b *BitField) Hex() string { return hex.EncodeToString(b.b) }

// Set bit i. Panics if i >= b.Len().
func (b *BitField) Set(i uint32) {
	b.checkIndex(i)
	b.b[i/8] |= 1 << (7 - i%8)
}

// Clear bit i. Panics if i >= b.Len().
func (b *BitField) Clear(i uint32) {
	b.checkIndex(i)
	b.b[i/8] &^= 1 << (7 - i%8)
}

// Test bit i. Panics if i >= b.Len().
func (b *BitField) Test(i uint32) bool {
	b.checkIndex(i)
	return b.b[i/8]&(1<<(7-i%8)) != 0
}

// SetAll sets every bit.
func (b *BitField) SetAll() {
	for i := range b.b {
		b.b[i] = 0xff
	}
	b.clearSpare()
}

// Count returns the count of set bits.
func (b *BitField) Count() uint32 {
	var total int
	for _, v := range b.b {
		total += bits.OnesCount8(v)
	}
	return uint32(total)
}

// All returns true if all bits are set.
func (b *BitField) All() bool {
	return b.Count() == b.length
}

// Validate reports whether the spare bits in the last byte are zero,
// as required for a bitfield received from a peer.
func (b *BitField) Validate() bool {
	mod := b.length % 8
	if mod == 0 || len(b.b) == 0 {
		return true
	}
	return b.b[len(b.b)-1]&(0xff>>mod) == 0
}

func (b *BitField) clearSpare() {
	if mod := b.length % 8; mod != 0 {
		b.b[len(b.b)-1] &^= 0xff >> mod
	}
}

func (b *BitField) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}
