// Package generation implements epoch-based deferred reclamation.
//
// Writers retire resources under the current generation and advance the
// counter; readers pin the generation that was current when they started.
// A retired resource may only be reused once no reader can still observe the
// generation it was retired under. This keeps the reclamation rule explicit
// instead of leaning on the garbage collector, which cannot know that a stale
// reader would misinterpret a reused lid as a different document.
package generation

import "sync"

// Tracker is a monotonically increasing epoch counter with reader pinning.
//
// Generations start at 1 so that SafeGeneration can always be expressed as an
// inclusive upper bound (generation 0 is never used to retire anything).
type Tracker struct {
	mu      sync.Mutex
	current uint64
	readers map[uint64]int
}

// NewTracker creates a tracker with the current generation set to 1.
func NewTracker() *Tracker {
	return &Tracker{
		current: 1,
		readers: make(map[uint64]int),
	}
}

// Current returns the current generation.
func (t *Tracker) Current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Increment advances the current generation by one and returns the new value.
// Called by the writer/maintenance side after retiring resources, so that
// subsequent readers pin a generation strictly above the retirement point.
func (t *Tracker) Increment() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current++
	return t.current
}

// Guard pins the current generation for a reader. The returned guard must be
// released exactly once; until then FirstUsed will not move past it.
func (t *Tracker) Guard() *Guard {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readers[t.current]++
	return &Guard{tracker: t, generation: t.current}
}

// FirstUsed returns the oldest generation still pinned by a reader,
// or the current generation when no reader is active.
func (t *Tracker) FirstUsed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstUsedLocked()
}

func (t *Tracker) firstUsedLocked() uint64 {
	first := t.current
	for gen := range t.readers {
		if gen < first {
			first = gen
		}
	}
	return first
}

// SafeGeneration returns the highest generation G such that no active reader
// can still observe a resource retired under any generation <= G. It is
// always safe to trim hold lists with this value, and always safe to use a
// stale (lower) value.
func (t *Tracker) SafeGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstUsedLocked() - 1
}

// ActiveReaders returns the number of unreleased guards.
func (t *Tracker) ActiveReaders() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.readers {
		n += c
	}
	return n
}

// Guard pins one generation on behalf of a reader.
type Guard struct {
	tracker    *Tracker
	generation uint64
	released   bool
}

// Generation returns the pinned generation.
func (g *Guard) Generation() uint64 {
	return g.generation
}

// Release unpins the generation. Releasing twice is a no-op.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true

	t := g.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.readers[g.generation]; n > 1 {
		t.readers[g.generation] = n - 1
	} else {
		delete(t.readers, g.generation)
	}
}
