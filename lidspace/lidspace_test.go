package lidspace

import (
	"testing"

	"github.com/hupe1980/docstore/core"
	"github.com/hupe1980/docstore/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerLids(s *LidSpace, lids ...core.Lid) {
	for _, lid := range lids {
		s.RegisterLid(lid)
	}
}

func activateLids(s *LidSpace, active bool, lids ...core.Lid) {
	for _, lid := range lids {
		s.UpdateActiveLids(lid, active)
	}
}

func constructFreeList(s *LidSpace) {
	s.ConstructFreeList(s.Size())
	s.SetFreeListConstructed()
}

func allocLids(s *LidSpace, count int) []core.Lid {
	result := make([]core.Lid, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, s.GetFreeLid(s.Size()))
	}
	return result
}

func validLids(s *LidSpace) []core.Lid {
	var result []core.Lid
	snapshot := s.GetValidLids()
	for lid, ok := snapshot.NextTrueBit(1); ok; lid, ok = snapshot.NextTrueBit(lid + 1) {
		result = append(result, lid)
	}
	return result
}

func activeLids(s *LidSpace) []core.Lid {
	var result []core.Lid
	snapshot := s.GetActiveLids()
	for lid, ok := snapshot.NextTrueBit(1); ok; lid, ok = snapshot.NextTrueBit(lid + 1) {
		result = append(result, lid)
	}
	return result
}

func TestLidSpace_UnregisterAndReuse(t *testing.T) {
	s := New(1)

	registerLids(s, 1, 2, 3, 4, 5, 6)
	activateLids(s, true, 4, 5, 6)
	assert.Equal(t, []core.Lid{1, 2, 3, 4, 5, 6}, validLids(s))
	assert.Equal(t, []core.Lid{4, 5, 6}, activeLids(s))

	constructFreeList(s)
	s.UnregisterLids([]core.Lid{1, 3, 5})
	assert.Equal(t, []core.Lid{2, 4, 6}, validLids(s))
	assert.Equal(t, []core.Lid{4, 6}, activeLids(s))

	tracker := generation.NewTracker()
	retired := tracker.Current()
	s.HoldLids([]core.Lid{1, 3, 5}, s.Size(), retired)
	tracker.Increment()

	require.GreaterOrEqual(t, tracker.SafeGeneration(), retired)
	s.TrimHoldLists(tracker.SafeGeneration())

	// Reclaimed lids come back smallest-first before the space grows.
	assert.Equal(t, []core.Lid{1, 3, 5, 7, 8}, allocLids(s, 5))
}

func TestLidSpace_BatchAndSingleUnregisterAgree(t *testing.T) {
	build := func() *LidSpace {
		s := New(1)
		registerLids(s, 1, 2, 3, 4, 5, 6, 7)
		activateLids(s, true, 2, 4, 6)
		constructFreeList(s)
		return s
	}

	batch := build()
	batch.UnregisterLids([]core.Lid{2, 3, 5})

	single := build()
	for _, lid := range []core.Lid{2, 3, 5} {
		single.UnregisterLid(lid)
	}

	assert.Equal(t, validLids(single), validLids(batch))
	assert.Equal(t, activeLids(single), activeLids(batch))
	assert.Equal(t, single.Size(), batch.Size())
}

func TestLidSpace_HeldLidsAreNotAllocatable(t *testing.T) {
	s := New(1)
	registerLids(s, 1, 2, 3)
	constructFreeList(s)

	s.UnregisterLids([]core.Lid{1, 2})
	s.HoldLids([]core.Lid{1, 2}, s.Size(), 1)

	// Nothing trimmed yet: allocation must grow the space instead of
	// reusing held lids.
	got := allocLids(s, 2)
	assert.Equal(t, []core.Lid{4, 5}, got)

	s.TrimHoldLists(1)
	assert.Equal(t, []core.Lid{1, 2}, allocLids(s, 2))
}

func TestLidSpace_TrimWithStaleGenerationIsNoop(t *testing.T) {
	s := New(1)
	registerLids(s, 1)
	constructFreeList(s)
	s.UnregisterLid(1)
	s.HoldLids([]core.Lid{1}, s.Size(), 5)

	s.TrimHoldLists(4)
	assert.Equal(t, core.Lid(2), s.GetFreeLid(s.Size()))

	s.TrimHoldLists(5)
	assert.Equal(t, core.Lid(1), s.GetFreeLid(s.Size()))
}

func TestLidSpace_FreeListAndValidAreDisjoint(t *testing.T) {
	s := New(1)
	registerLids(s, 1, 2, 3, 4)
	constructFreeList(s)
	s.UnregisterLids([]core.Lid{2, 4})
	s.HoldLids([]core.Lid{2, 4}, s.Size(), 1)
	s.TrimHoldLists(1)

	// Allocate one reclaimed lid and re-register it: it must leave the
	// free list and become valid again.
	lid := s.GetFreeLid(s.Size())
	require.Equal(t, core.Lid(2), lid)
	s.RegisterLid(lid)
	assert.True(t, s.ValidLid(lid))

	// The other reclaimed lid is still free, not valid.
	assert.False(t, s.ValidLid(4))
	assert.Equal(t, core.Lid(4), s.GetFreeLid(s.Size()))
}

func TestLidSpace_GrowthWhenFreeListEmpty(t *testing.T) {
	s := New(1)
	registerLids(s, 1, 2)
	constructFreeList(s)

	lid := s.GetFreeLid(s.Size())
	assert.Equal(t, core.Lid(3), lid)
	s.RegisterLid(lid)
	assert.Equal(t, uint32(4), s.Size())
}

func TestLidSpace_Preconditions(t *testing.T) {
	t.Run("register lid zero", func(t *testing.T) {
		s := New(1)
		assert.Panics(t, func() { s.RegisterLid(0) })
	})

	t.Run("register twice", func(t *testing.T) {
		s := New(1)
		s.RegisterLid(1)
		assert.Panics(t, func() { s.RegisterLid(1) })
	})

	t.Run("unregister before free list construction", func(t *testing.T) {
		s := New(1)
		s.RegisterLid(1)
		assert.Panics(t, func() { s.UnregisterLid(1) })
		assert.Panics(t, func() { s.UnregisterLids([]core.Lid{1}) })
	})

	t.Run("unregister invalid lid", func(t *testing.T) {
		s := New(1)
		registerLids(s, 1)
		constructFreeList(s)
		assert.Panics(t, func() { s.UnregisterLid(2) })
	})

	t.Run("activate invalid lid", func(t *testing.T) {
		s := New(1)
		assert.Panics(t, func() { s.UpdateActiveLids(1, true) })
	})

	t.Run("hold still-valid lid", func(t *testing.T) {
		s := New(1)
		registerLids(s, 1)
		constructFreeList(s)
		assert.Panics(t, func() { s.HoldLids([]core.Lid{1}, s.Size(), 1) })
	})

	t.Run("construct free list twice", func(t *testing.T) {
		s := New(1)
		constructFreeList(s)
		assert.Panics(t, func() { s.ConstructFreeList(s.Size()) })
	})
}

func TestLidSpace_Shrink(t *testing.T) {
	s := New(1)
	registerLids(s, 1, 2, 3, 4, 5)
	constructFreeList(s)

	assert.False(t, s.CanShrink(4), "valid lid 4 and 5 block shrinking")

	s.UnregisterLids([]core.Lid{4, 5})
	s.HoldLids([]core.Lid{4, 5}, s.Size(), 1)
	assert.False(t, s.CanShrink(4), "held lids block shrinking")

	s.TrimHoldLists(1)
	require.True(t, s.CanShrink(4))
	s.Shrink(4)

	assert.Equal(t, uint32(4), s.Size())
	assert.Equal(t, []core.Lid{1, 2, 3}, validLids(s))

	// Freed growth above the new limit is gone; allocation grows again.
	assert.Equal(t, core.Lid(4), s.GetFreeLid(s.Size()))
}

func TestLidSpace_ConstructFreeListScansComplement(t *testing.T) {
	s := New(1)
	registerLids(s, 2, 5)

	free := s.ConstructFreeList(s.Size())
	s.SetFreeListConstructed()

	// Space is [1,6): lids 1, 3, 4 are free.
	assert.Equal(t, uint32(3), free)
	assert.Equal(t, []core.Lid{1, 3, 4}, allocLids(s, 3))
}
