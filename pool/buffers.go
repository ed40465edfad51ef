// File: pool/buffers.go
// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

// MaxPooledBuffer is the largest capacity kept for reuse. Bigger buffers
// come from rare huge messages and are left to the GC.
const MaxPooledBuffer = 1 << 20

// Buffers is a pool of growable byte slices.
type Buffers struct {
	p *SyncPool[*[]byte]
}

// NewBuffers returns a pool whose fresh slices have capacity initial.
func NewBuffers(initial int) *Buffers {
	p := NewSyncPool(func() *[]byte {
		b := make([]byte, 0, initial)
		return &b
	}).WithReset(func(b *[]byte) bool {
		if cap(*b) > MaxPooledBuffer {
			return false
		}
		*b = (*b)[:0]
		return true
	})
	return &Buffers{p: p}
}

// Get returns an empty slice.
func (b *Buffers) Get() *[]byte { return b.p.Get() }

// Put recycles buf. The caller must not use it afterwards.
func (b *Buffers) Put(buf *[]byte) {
	if buf != nil {
		b.p.Put(buf)
	}
}
