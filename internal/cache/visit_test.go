package cache

import (
	"testing"

	"github.com/hupe1980/docstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisitCache_ExactSequenceKey(t *testing.T) {
	c := NewVisitCache(4096, nil)

	lids := []core.Lid{3, 1, 2}
	result := VisitResult{
		Lids: []core.Lid{3, 1, 2},
		Docs: [][]byte{[]byte("c"), []byte("a"), []byte("b")},
	}
	c.Set(lids, result)

	got, ok := c.Get([]core.Lid{3, 1, 2})
	require.True(t, ok)
	assert.Equal(t, result, got)

	// Same lids, different order: different key.
	_, ok = c.Get([]core.Lid{1, 2, 3})
	assert.False(t, ok)

	// Prefix of the sequence: different key.
	_, ok = c.Get([]core.Lid{3, 1})
	assert.False(t, ok)
}

func TestVisitCache_InvalidateLid(t *testing.T) {
	c := NewVisitCache(4096, nil)

	c.Set([]core.Lid{1, 2}, VisitResult{Lids: []core.Lid{1, 2}, Docs: [][]byte{[]byte("a"), []byte("b")}})
	c.Set([]core.Lid{2, 3}, VisitResult{Lids: []core.Lid{2, 3}, Docs: [][]byte{[]byte("b"), []byte("c")}})
	c.Set([]core.Lid{4}, VisitResult{Lids: []core.Lid{4}, Docs: [][]byte{[]byte("d")}})

	// Lid 2 is a member of the first two entries; both go, the third stays.
	c.InvalidateLid(2)

	_, ok := c.Get([]core.Lid{1, 2})
	assert.False(t, ok)
	_, ok = c.Get([]core.Lid{2, 3})
	assert.False(t, ok)
	_, ok = c.Get([]core.Lid{4})
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestVisitCache_ByteBudgetEviction(t *testing.T) {
	c := NewVisitCache(64, nil)

	big := VisitResult{Lids: []core.Lid{1}, Docs: [][]byte{make([]byte, 40)}}
	c.Set([]core.Lid{1}, big)

	// Second entry forces the first out.
	c.Set([]core.Lid{2}, VisitResult{Lids: []core.Lid{2}, Docs: [][]byte{make([]byte, 40)}})

	_, ok := c.Get([]core.Lid{1})
	assert.False(t, ok)
	_, ok = c.Get([]core.Lid{2})
	assert.True(t, ok)
}

func TestVisitCache_ResultMayOmitDeadLids(t *testing.T) {
	c := NewVisitCache(4096, nil)

	// Requested {1, 2, 3} but only 1 and 3 resolved; the key is still the
	// requested sequence, and lid 2 is not a member.
	c.Set([]core.Lid{1, 2, 3}, VisitResult{Lids: []core.Lid{1, 3}, Docs: [][]byte{[]byte("a"), []byte("c")}})

	got, ok := c.Get([]core.Lid{1, 2, 3})
	require.True(t, ok)
	assert.Equal(t, []core.Lid{1, 3}, got.Lids)
}

func TestVisitCache_Clear(t *testing.T) {
	c := NewVisitCache(4096, nil)

	c.Set([]core.Lid{1}, VisitResult{Lids: []core.Lid{1}, Docs: [][]byte{[]byte("a")}})
	c.Set([]core.Lid{2}, VisitResult{Lids: []core.Lid{2}, Docs: [][]byte{[]byte("b")}})
	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
	_, ok := c.Get([]core.Lid{1})
	assert.False(t, ok)
}

func TestVisitCache_Stats(t *testing.T) {
	c := NewVisitCache(4096, nil)

	c.Set([]core.Lid{1}, VisitResult{Lids: []core.Lid{1}, Docs: [][]byte{[]byte("a")}})
	c.Get([]core.Lid{1})
	c.Get([]core.Lid{9})

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}
