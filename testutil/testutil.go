// Package testutil provides deterministic generators for tests and
// benchmarks.
package testutil

import (
	"fmt"
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), // nolint gosec
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Document generates a semi-compressible JSON-like document of roughly
// the given size. Field values repeat, so block compression finds
// something to work with, as real documents do.
func (r *RNG) Document(size int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	words := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	doc := []byte(fmt.Sprintf(`{"id":%d,"body":"`, r.rand.Uint64()))
	for len(doc) < size {
		doc = append(doc, words[r.rand.Intn(len(words))]...)
		doc = append(doc, ' ')
	}
	return append(doc, `"}`...)
}

// Documents generates n documents of roughly the given size each.
func (r *RNG) Documents(n, size int) [][]byte {
	docs := make([][]byte, n)
	for i := range docs {
		docs[i] = r.Document(size)
	}
	return docs
}
