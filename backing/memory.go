package backing

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docstore/core"
)

// MemoryStore is an in-memory Store implementation for testing.
//
// It keeps the full mutation log so that SimulateCrash can roll the store
// back to its durable prefix: every mutation with a token above the last
// flushed one is dropped, mirroring what a real crash does to an unflushed
// log file.
type MemoryStore struct {
	mu sync.RWMutex

	docs map[core.Lid][]byte
	log  []memRecord

	docIdLimit   uint32
	lastToken    core.SyncToken
	flushedToken core.SyncToken
	flushedLen   int
}

type memRecord struct {
	lid    core.Lid
	token  core.SyncToken
	remove bool
	data   []byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory backing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       make(map[core.Lid][]byte),
		docIdLimit: 1,
	}
}

// Read returns the payload last written for lid.
func (m *MemoryStore) Read(_ context.Context, lid core.Lid) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.docs[lid]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

// Write stores data for lid.
func (m *MemoryStore) Write(_ context.Context, syncToken core.SyncToken, lid core.Lid, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	m.docs[lid] = copied
	m.log = append(m.log, memRecord{lid: lid, token: syncToken, data: copied})
	m.noteLocked(syncToken, lid)
	return nil
}

// Remove deletes the document for lid.
func (m *MemoryStore) Remove(_ context.Context, syncToken core.SyncToken, lid core.Lid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, lid)
	m.log = append(m.log, memRecord{lid: lid, token: syncToken, remove: true})
	m.noteLocked(syncToken, lid)
	return nil
}

func (m *MemoryStore) noteLocked(syncToken core.SyncToken, lid core.Lid) {
	if syncToken > m.lastToken {
		m.lastToken = syncToken
	}
	if uint32(lid)+1 > m.docIdLimit {
		m.docIdLimit = uint32(lid) + 1
	}
}

// Flush marks every mutation with token <= syncToken durable. Idempotent.
func (m *MemoryStore) Flush(_ context.Context, syncToken core.SyncToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if syncToken <= m.flushedToken {
		return nil
	}
	// Mutations arrive in token order, so the durable prefix is a log prefix.
	i := m.flushedLen
	for ; i < len(m.log) && m.log[i].token <= syncToken; i++ {
	}
	m.flushedLen = i
	if i > 0 {
		m.flushedToken = m.log[i-1].token
	}
	return nil
}

// SimulateCrash drops every mutation above the durable prefix and rebuilds
// the document map from what remains. Test hook.
func (m *MemoryStore) SimulateCrash() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = m.log[:m.flushedLen]
	m.lastToken = m.flushedToken

	m.docs = make(map[core.Lid][]byte)
	m.docIdLimit = 1
	for _, rec := range m.log {
		if rec.remove {
			delete(m.docs, rec.lid)
		} else {
			m.docs[rec.lid] = rec.data
		}
		if uint32(rec.lid)+1 > m.docIdLimit {
			m.docIdLimit = uint32(rec.lid) + 1
		}
	}
}

// CompactBloat drops superseded log entries. The document map is unchanged.
func (m *MemoryStore) CompactBloat(_ context.Context, syncToken core.SyncToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactLocked()
	return nil
}

// CompactSpread behaves like CompactBloat for the in-memory store; there is
// no physical fragmentation to repair.
func (m *MemoryStore) CompactSpread(_ context.Context, syncToken core.SyncToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactLocked()
	return nil
}

func (m *MemoryStore) compactLocked() {
	latest := make(map[core.Lid]int, len(m.docs))
	for i, rec := range m.log {
		latest[rec.lid] = i
	}
	compacted := m.log[:0]
	for i, rec := range m.log {
		if !rec.remove && latest[rec.lid] == i {
			compacted = append(compacted, rec)
		}
	}
	m.log = compacted
	// The rewritten log is durable in its entirety, as with a real
	// compaction that fsyncs before publishing.
	m.flushedLen = len(m.log)
	m.flushedToken = m.lastToken
}

// TruncateLids lowers the doc-id limit. Lids at or above limit must already
// be removed.
func (m *MemoryStore) TruncateLids(limit core.Lid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for lid := range m.docs {
		if lid >= limit {
			panic("backing: cannot truncate below live lid")
		}
	}
	m.docIdLimit = uint32(limit)
	return nil
}

// LastSyncToken returns the token of the most recently applied mutation.
func (m *MemoryStore) LastSyncToken() core.SyncToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastToken
}

// LastFlushedToken returns the highest token known durable.
func (m *MemoryStore) LastFlushedToken() core.SyncToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushedToken
}

// DocIdLimit returns one past the highest lid seen.
func (m *MemoryStore) DocIdLimit() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.docIdLimit
}

// LiveLids returns the set of lids with a live document.
func (m *MemoryStore) LiveLids() *roaring.Bitmap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	live := roaring.New()
	for lid := range m.docs {
		live.Add(uint32(lid))
	}
	return live
}

// Stats returns a footprint snapshot; all byte counts are logical.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	live := uint64(0)
	for _, data := range m.docs {
		live += uint64(len(data))
	}
	total := uint64(0)
	for _, rec := range m.log {
		total += uint64(len(rec.data))
	}
	return Stats{
		DiskFootprint: total,
		DiskBloat:     total - live,
		MemoryUsed:    total,
	}
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
