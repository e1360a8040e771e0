package lidspace

import (
	"testing"

	"github.com/hupe1980/docstore/core"
	"github.com/stretchr/testify/assert"
)

func TestLidStateVector_SetClearTest(t *testing.T) {
	v := NewLidStateVector(10)

	v.SetBit(3)
	v.SetBit(7)
	assert.True(t, v.TestBit(3))
	assert.True(t, v.TestBit(7))
	assert.False(t, v.TestBit(4))
	assert.Equal(t, uint32(2), v.Count())

	v.ClearBit(3)
	assert.False(t, v.TestBit(3))
	assert.Equal(t, uint32(1), v.Count())
}

func TestLidStateVector_OutOfRange(t *testing.T) {
	v := NewLidStateVector(4)

	assert.False(t, v.TestBit(4), "probing beyond the limit is allowed")
	assert.Panics(t, func() { v.SetBit(4) })
	assert.Panics(t, func() { v.ClearBit(100) })
}

func TestLidStateVector_BatchForms(t *testing.T) {
	v := NewLidStateVector(10)

	v.AssertNotSetThenSetBits([]core.Lid{1, 4, 9})
	assert.Equal(t, uint32(3), v.Count())
	assert.Panics(t, func() { v.AssertNotSetThenSetBits([]core.Lid{2, 4}) })

	v.AssertSetThenClearBits([]core.Lid{1, 9})
	assert.Equal(t, uint32(1), v.Count())
	assert.Panics(t, func() { v.AssertSetThenClearBits([]core.Lid{9}) })

	v.ConsiderClearBits([]core.Lid{4, 9})
	assert.True(t, v.Empty())
}

func TestLidStateVector_NextTrueBit(t *testing.T) {
	v := NewLidStateVector(100)
	for _, lid := range []core.Lid{2, 17, 63, 64, 99} {
		v.SetBit(lid)
	}

	var got []core.Lid
	for lid, ok := v.NextTrueBit(1); ok; lid, ok = v.NextTrueBit(lid + 1) {
		got = append(got, lid)
	}
	assert.Equal(t, []core.Lid{2, 17, 63, 64, 99}, got)

	next, ok := v.NextTrueBit(65)
	assert.True(t, ok)
	assert.Equal(t, core.Lid(99), next)

	_, ok = v.NextTrueBit(100)
	assert.False(t, ok)
}

func TestLidStateVector_LowestHighest(t *testing.T) {
	v := NewLidStateVector(50)

	_, ok := v.Lowest()
	assert.False(t, ok)
	_, ok = v.Highest()
	assert.False(t, ok)

	v.SetBit(12)
	v.SetBit(33)

	low, ok := v.Lowest()
	assert.True(t, ok)
	assert.Equal(t, core.Lid(12), low)

	high, ok := v.Highest()
	assert.True(t, ok)
	assert.Equal(t, core.Lid(33), high)
}

func TestLidStateVector_ResizeDropsBits(t *testing.T) {
	v := NewLidStateVector(10)
	v.SetBit(2)
	v.SetBit(8)

	v.Resize(5)
	assert.Equal(t, uint32(5), v.Size())
	assert.True(t, v.TestBit(2))
	assert.False(t, v.TestBit(8))

	v.Resize(20)
	assert.Equal(t, uint32(20), v.Size())
	assert.False(t, v.TestBit(8), "growth does not resurrect bits")
}

func TestLidStateVector_CloneIsIndependent(t *testing.T) {
	v := NewLidStateVector(10)
	v.SetBit(1)

	c := v.Clone()
	v.SetBit(2)
	c.ClearBit(1)

	assert.True(t, v.TestBit(1))
	assert.True(t, v.TestBit(2))
	assert.False(t, c.TestBit(1))
	assert.False(t, c.TestBit(2))
}
