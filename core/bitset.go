package core

import (
	"math/bits"
)

// A Bitset is a fixed-length set of small integers, one bit per member. The consensus engine uses it to track
// per-epoch participation (eg. which snapshot positions failed to reveal) keyed by leaf index.
type Bitset struct {
	size int
	buf  []byte
}

func NewBitset(size int) *Bitset {
	if size < 0 {
		size = 0
	}
	return &Bitset{size: size, buf: make([]byte, (size+7)/8)}
}

// NewBitsetFromBuffer wraps a serialized bitset. The size is the number of bits in the buffer.
func NewBitsetFromBuffer(buf []byte) *Bitset {
	return &Bitset{size: len(buf) * 8, buf: buf}
}

// Size returns the number of addressable bits.
func (b *Bitset) Size() int {
	return b.size
}

// Count returns the number of members.
func (b *Bitset) Count() int {
	count := 0
	for _, x := range b.buf {
		count += bits.OnesCount8(x)
	}
	return count
}

// Insert adds i to the set. Out of range values are ignored.
func (b *Bitset) Insert(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.buf[i/8] |= 1 << uint(i%8)
}

// Remove deletes i from the set.
func (b *Bitset) Remove(i int) {
	if i < 0 || i >= b.size {
		return
	}
	b.buf[i/8] &^= 1 << uint(i%8)
}

func (b *Bitset) Contains(i int) bool {
	if i < 0 || i >= b.size {
		return false
	}
	return b.buf[i/8]&(1<<uint(i%8)) != 0
}

// Indices returns the members in ascending order.
func (b *Bitset) Indices() []int {
	var indices []int
	for i := 0; i < b.size; i++ {
		if b.Contains(i) {
			indices = append(indices, i)
		}
	}
	return indices
}

func (b *Bitset) Bytes() []byte {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}
