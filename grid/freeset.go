package grid

import "sync"

// FreeSet tracks, for every grid address, whether it is referenced by a
// live table as of the last checkpoint (spec §3: "A block is free in the
// free-set iff no live table references it as of the last checkpoint").
// Reclamation — actually allowing a freed address to be reused — only
// happens at checkpoint boundaries, never mid-checkpoint, so that a crash
// can always roll back to the prior checkpoint's view of the grid.
type FreeSet struct {
	mu   sync.Mutex
	bits []bool // true = allocated (live)
}

// NewFreeSet returns a FreeSet for n addresses (1-based; index 0 unused).
func NewFreeSet(n uint64) *FreeSet {
	return &FreeSet{bits: make([]bool, n+1)}
}

// Acquire finds the lowest free address, marks it allocated, and returns
// it. Returns ok=false if the grid is full.
func (f *FreeSet) Acquire() (address uint64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i < len(f.bits); i++ {
		if !f.bits[i] {
			f.bits[i] = true
			return uint64(i), true
		}
	}
	return 0, false
}

// Release marks address free again. Callers must only do this at a
// checkpoint boundary, once no live table can possibly still reference it.
func (f *FreeSet) Release(address uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bits[address] = false
}

// IsFree reports whether address is currently unallocated.
func (f *FreeSet) IsFree(address uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.bits[address]
}

// Live returns every currently allocated address, in ascending order. The
// scrubber walks this set to decide what to verify.
func (f *FreeSet) Live() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint64
	for i := 1; i < len(f.bits); i++ {
		if f.bits[i] {
			out = append(out, uint64(i))
		}
	}
	return out
}

// Snapshot returns the byte encoding of the free-set for persisting
// alongside a checkpoint; the caller computes spec §4.3's FreeSetChecksum
// over these bytes.
func (f *FreeSet) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(f.bits))
	for i, b := range f.bits {
		if b {
			buf[i] = 1
		}
	}
	return buf
}

// Restore replaces the free-set's contents from a snapshot produced by
// Snapshot, e.g. after installing a synced checkpoint (spec §4.7).
func (f *FreeSet) Restore(buf []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bits = make([]bool, len(buf))
	for i, b := range buf {
		f.bits[i] = b != 0
	}
}
