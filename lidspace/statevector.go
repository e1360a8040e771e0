package lidspace

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docstore/core"
)

// LidStateVector is a bounded bitset over lids backed by a Roaring Bitmap.
//
// Unlike the raw bitmap it carries an explicit size: the current lid-space
// limit. Bits at or above the limit do not exist, and addressing them is a
// programming error.
type LidStateVector struct {
	bits *roaring.Bitmap
	size uint32
}

// NewLidStateVector creates a state vector sized to the given lid-space limit.
func NewLidStateVector(size uint32) *LidStateVector {
	return &LidStateVector{
		bits: roaring.New(),
		size: size,
	}
}

// Size returns the lid-space limit.
func (v *LidStateVector) Size() uint32 {
	return v.size
}

// Count returns the number of set bits.
func (v *LidStateVector) Count() uint32 {
	return uint32(v.bits.GetCardinality())
}

// Empty returns true if no bit is set.
func (v *LidStateVector) Empty() bool {
	return v.bits.IsEmpty()
}

func (v *LidStateVector) checkRange(lid core.Lid) {
	if uint32(lid) >= v.size {
		panic(fmt.Sprintf("lidspace: lid %d out of range (size %d)", lid, v.size))
	}
}

// TestBit reports whether the bit for lid is set. Lids at or above the size
// report false rather than panicking, so read paths can probe freely.
func (v *LidStateVector) TestBit(lid core.Lid) bool {
	if uint32(lid) >= v.size {
		return false
	}
	return v.bits.Contains(uint32(lid))
}

// SetBit sets the bit for lid.
func (v *LidStateVector) SetBit(lid core.Lid) {
	v.checkRange(lid)
	v.bits.Add(uint32(lid))
}

// ClearBit clears the bit for lid.
func (v *LidStateVector) ClearBit(lid core.Lid) {
	v.checkRange(lid)
	v.bits.Remove(uint32(lid))
}

// AssertNotSetThenSetBits sets every bit in lids, panicking if any was
// already set. Batch form amortizes bitmap maintenance over the whole set.
func (v *LidStateVector) AssertNotSetThenSetBits(lids []core.Lid) {
	for _, lid := range lids {
		v.checkRange(lid)
		if v.bits.Contains(uint32(lid)) {
			panic(fmt.Sprintf("lidspace: lid %d already set", lid))
		}
	}
	for _, lid := range lids {
		v.bits.Add(uint32(lid))
	}
}

// AssertSetThenClearBits clears every bit in lids, panicking if any was not set.
func (v *LidStateVector) AssertSetThenClearBits(lids []core.Lid) {
	for _, lid := range lids {
		v.checkRange(lid)
		if !v.bits.Contains(uint32(lid)) {
			panic(fmt.Sprintf("lidspace: lid %d not set", lid))
		}
	}
	for _, lid := range lids {
		v.bits.Remove(uint32(lid))
	}
}

// ConsiderClearBits clears the bits in lids that are set, ignoring the rest.
func (v *LidStateVector) ConsiderClearBits(lids []core.Lid) {
	for _, lid := range lids {
		if uint32(lid) < v.size {
			v.bits.Remove(uint32(lid))
		}
	}
}

// NextTrueBit returns the first set bit at or after lid.
// ok is false when no such bit exists below the size limit.
func (v *LidStateVector) NextTrueBit(lid core.Lid) (core.Lid, bool) {
	it := v.bits.Iterator()
	it.AdvanceIfNeeded(uint32(lid))
	if !it.HasNext() {
		return 0, false
	}
	next := it.Next()
	if next >= v.size {
		return 0, false
	}
	return core.Lid(next), true
}

// Lowest returns the smallest set bit. ok is false on an empty vector.
func (v *LidStateVector) Lowest() (core.Lid, bool) {
	if v.bits.IsEmpty() {
		return 0, false
	}
	return core.Lid(v.bits.Minimum()), true
}

// Highest returns the largest set bit. ok is false on an empty vector.
func (v *LidStateVector) Highest() (core.Lid, bool) {
	if v.bits.IsEmpty() {
		return 0, false
	}
	return core.Lid(v.bits.Maximum()), true
}

// Resize changes the lid-space limit. Shrinking drops bits at or above the
// new limit.
func (v *LidStateVector) Resize(newSize uint32) {
	if newSize < v.size {
		v.bits.RemoveRange(uint64(newSize), uint64(v.size))
	}
	v.size = newSize
}

// Clone returns an independent copy sharing no state with the receiver.
func (v *LidStateVector) Clone() *LidStateVector {
	return &LidStateVector{
		bits: v.bits.Clone(),
		size: v.size,
	}
}

// ByteSize returns the approximate in-memory footprint of the vector.
func (v *LidStateVector) ByteSize() uint64 {
	return v.bits.GetSizeInBytes()
}
