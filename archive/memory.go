package archive

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory ObjectStore for testing.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ ObjectStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
	}
}

// Put writes an object atomically.
func (s *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	s.objects[name] = copied
	return nil
}

// Create opens an object for streaming writes; the object appears on Close.
func (s *MemoryStore) Create(_ context.Context, name string) (WritableObject, error) {
	return &memoryWritableObject{store: s, name: name}, nil
}

// Size returns the size of an object.
func (s *MemoryStore) Size(_ context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[name]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

// Delete removes an object.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, name)
	return nil
}

// List returns all object names with the given prefix, sorted.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name := range s.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Get returns an object's bytes. Test hook.
func (s *MemoryStore) Get(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[name]
	return data, ok
}

type memoryWritableObject struct {
	store   *MemoryStore
	name    string
	buf     bytes.Buffer
	aborted bool
}

func (o *memoryWritableObject) Write(p []byte) (int, error) {
	return o.buf.Write(p)
}

func (o *memoryWritableObject) Close() error {
	if o.aborted {
		return nil
	}
	return o.store.Put(context.Background(), o.name, o.buf.Bytes())
}

func (o *memoryWritableObject) Abort() error {
	o.aborted = true
	return nil
}
