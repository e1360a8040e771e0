// Package lidspace owns the local document identity space: which lids are
// valid, which are active (visible to query serving), which are free for
// reuse, and which are retired but still held back until no concurrent
// reader can observe them.
//
// Reclamation is generation-safe: unregistered lids park in per-generation
// hold lists and only move to the free list once the generation tracker
// confirms that no in-flight reader predates their retirement. A lid is
// therefore never handed out again while a stale reader might still
// dereference it as the old document.
package lidspace

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docstore/core"
)

// LidSpace is the identity allocator.
//
// Invariants, enforced on every mutation:
//   - active is a subset of valid
//   - a lid on the free list is not valid
//   - a lid in any hold bucket is not valid and not on the free list
type LidSpace struct {
	mu     sync.Mutex
	valid  *LidStateVector
	active *LidStateVector
	free   *roaring.Bitmap
	holds  []holdBucket

	freeListConstructed bool
}

// holdBucket collects the lids retired under one generation.
type holdBucket struct {
	generation uint64
	lids       []core.Lid
}

// New creates a lid space with the given initial lid-space limit.
// Lid 0 is reserved, so the limit is never below 1.
func New(size uint32) *LidSpace {
	if size < 1 {
		size = 1
	}
	return &LidSpace{
		valid:  NewLidStateVector(size),
		active: NewLidStateVector(size),
		free:   roaring.New(),
	}
}

func (s *LidSpace) ensureSpaceLocked(wantedSize uint32) {
	if wantedSize > s.valid.Size() {
		s.valid.Resize(wantedSize)
		s.active.Resize(wantedSize)
	}
}

// RegisterLid marks lid as valid, growing the lid space as needed.
// Registering lid 0 or an already-valid lid is a programming error.
func (s *LidSpace) RegisterLid(lid core.Lid) {
	if lid == 0 {
		panic("lidspace: lid 0 is reserved")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureSpaceLocked(uint32(lid) + 1)
	if s.valid.TestBit(lid) {
		panic(fmt.Sprintf("lidspace: lid %d already valid", lid))
	}
	s.free.Remove(uint32(lid))
	s.valid.SetBit(lid)
}

// GetFreeLid returns the smallest reusable lid from the free list. If the
// free list is empty it returns currentSize and grows the lid space by one;
// the caller is responsible for registering the returned lid.
//
// The returned lid is never 0 and never a lid still parked in a hold list.
func (s *LidSpace) GetFreeLid(currentSize uint32) core.Lid {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.free.IsEmpty() {
		lid := s.free.Minimum()
		s.free.Remove(lid)
		return core.Lid(lid)
	}
	if currentSize == 0 {
		currentSize = 1
	}
	s.ensureSpaceLocked(currentSize + 1)
	return core.Lid(currentSize)
}

// UpdateActiveLids toggles lid's visibility to query serving.
// The lid must be valid.
func (s *LidSpace) UpdateActiveLids(lid core.Lid, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid.TestBit(lid) {
		panic(fmt.Sprintf("lidspace: cannot activate invalid lid %d", lid))
	}
	if active {
		s.active.SetBit(lid)
	} else {
		s.active.ClearBit(lid)
	}
}

// UnregisterLid removes lid from valid and active. The lid does not become
// reusable yet: the caller must hand it to HoldLids so reuse is deferred
// until concurrent readers have drained.
//
// Only legal once the free list has been constructed.
func (s *LidSpace) UnregisterLid(lid core.Lid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requireFreeListLocked()
	if !s.valid.TestBit(lid) {
		panic(fmt.Sprintf("lidspace: lid %d not valid", lid))
	}
	s.active.ClearBit(lid)
	s.valid.ClearBit(lid)
}

// UnregisterLids is the batch form of UnregisterLid. It produces the same
// final state as per-lid calls while amortizing bitset maintenance across
// the whole set.
func (s *LidSpace) UnregisterLids(lids []core.Lid) {
	if len(lids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requireFreeListLocked()
	s.active.ConsiderClearBits(lids)
	s.valid.AssertSetThenClearBits(lids)
}

func (s *LidSpace) requireFreeListLocked() {
	if !s.freeListConstructed {
		panic("lidspace: free list not constructed")
	}
}

// HoldLids parks retired lids in the hold bucket for the given generation.
// Every lid must already be unregistered and must lie below currentSize.
// Buckets are handed in with non-decreasing generations.
func (s *LidSpace) HoldLids(lids []core.Lid, currentSize uint32, generation uint64) {
	if len(lids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lid := range lids {
		if lid == 0 || uint32(lid) >= currentSize {
			panic(fmt.Sprintf("lidspace: held lid %d outside space of size %d", lid, currentSize))
		}
		if s.valid.TestBit(lid) {
			panic(fmt.Sprintf("lidspace: held lid %d still valid", lid))
		}
		if s.free.Contains(uint32(lid)) {
			panic(fmt.Sprintf("lidspace: held lid %d already free", lid))
		}
	}
	if n := len(s.holds); n > 0 && s.holds[n-1].generation > generation {
		panic("lidspace: hold generations must be non-decreasing")
	}

	held := make([]core.Lid, len(lids))
	copy(held, lids)
	s.holds = append(s.holds, holdBucket{generation: generation, lids: held})
}

// TrimHoldLists releases to the free list every lid held under a generation
// at or below safeGeneration. Callers obtain safeGeneration from the
// generation tracker; passing a stale (too low) value is a harmless no-op.
func (s *LidSpace) TrimHoldLists(safeGeneration uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	for ; i < len(s.holds) && s.holds[i].generation <= safeGeneration; i++ {
		for _, lid := range s.holds[i].lids {
			s.free.Add(uint32(lid))
		}
	}
	if i > 0 {
		s.holds = append(s.holds[:0], s.holds[i:]...)
	}
}

// ConstructFreeList builds the initial free list from the complement of the
// valid set over [1, spaceSize). It is a one-time O(spaceSize) scan; after
// SetFreeListConstructed, incremental maintenance takes over. Returns the
// number of free lids found.
func (s *LidSpace) ConstructFreeList(spaceSize uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freeListConstructed {
		panic("lidspace: free list already constructed")
	}
	s.ensureSpaceLocked(spaceSize)

	count := uint32(0)
	for lid := uint32(1); lid < spaceSize; lid++ {
		if !s.valid.TestBit(core.Lid(lid)) {
			s.free.Add(lid)
			count++
		}
	}
	return count
}

// SetFreeListConstructed marks the free list as materialized, enabling
// unregistration.
func (s *LidSpace) SetFreeListConstructed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeListConstructed = true
}

// FreeListConstructed reports whether the free list has been materialized.
func (s *LidSpace) FreeListConstructed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeListConstructed
}

// ValidLid reports whether lid currently denotes a live document.
func (s *LidSpace) ValidLid(lid core.Lid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid.TestBit(lid)
}

// GetActiveLids returns a snapshot of the active bitset. The copy never
// changes under the caller, so it can be iterated with NextTrueBit without
// holding any lock.
func (s *LidSpace) GetActiveLids() *LidStateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Clone()
}

// GetValidLids returns a snapshot of the valid bitset.
func (s *LidSpace) GetValidLids() *LidStateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid.Clone()
}

// Size returns the current lid-space limit.
func (s *LidSpace) Size() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid.Size()
}

// ValidCount returns the number of valid lids.
func (s *LidSpace) ValidCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid.Count()
}

// CanShrink reports whether the lid space can shrink to wantedLimit: no
// valid lid, no held lid and no free-listed growth may sit at or above it.
func (s *LidSpace) CanShrink(wantedLimit uint32) bool {
	if wantedLimit < 1 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canShrinkLocked(wantedLimit)
}

func (s *LidSpace) canShrinkLocked(wantedLimit uint32) bool {
	if wantedLimit > s.valid.Size() {
		return false
	}
	if high, ok := s.valid.Highest(); ok && uint32(high) >= wantedLimit {
		return false
	}
	for _, bucket := range s.holds {
		for _, lid := range bucket.lids {
			if uint32(lid) >= wantedLimit {
				return false
			}
		}
	}
	return true
}

// Shrink truncates the lid space to wantedLimit, dropping free-list entries
// at or above it. Shrinking below a valid or held lid is a programming error;
// callers gate on CanShrink after the generation tracker has confirmed the
// retiring generation safe.
func (s *LidSpace) Shrink(wantedLimit uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canShrinkLocked(wantedLimit) {
		panic(fmt.Sprintf("lidspace: cannot shrink to %d", wantedLimit))
	}
	s.valid.Resize(wantedLimit)
	s.active.Resize(wantedLimit)
	s.free.RemoveRange(uint64(wantedLimit), uint64(core.MaxLid)+1)
}

// MemoryUsed returns the approximate in-memory footprint of the allocator.
func (s *LidSpace) MemoryUsed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := uint64(0)
	for _, bucket := range s.holds {
		held += uint64(len(bucket.lids)) * 4
	}
	return s.valid.ByteSize() + s.active.ByteSize() + s.free.GetSizeInBytes() + held
}
