package docstore

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/docstore/backing"
	"github.com/hupe1980/docstore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, optFns ...Option) (*Store, *backing.MemoryStore) {
	t.Helper()
	b := backing.NewMemoryStore()
	s, err := New(b, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, b
}

func TestStore_WriteReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	lid := s.AllocLid()
	require.Equal(t, core.Lid(1), lid)

	doc := []byte(`{"title":"hello"}`)
	require.NoError(t, s.Write(ctx, 100, lid, doc))

	got, err := s.Read(ctx, lid)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	// Unknown lid is a normal not-found, not corruption.
	_, err = s.Read(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsCorruption(err))
}

func TestStore_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Write(ctx, 100, 10, []byte("A")))
	got, err := s.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), got)

	require.NoError(t, s.Write(ctx, 101, 10, []byte("B")))
	got, err = s.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), got)

	require.NoError(t, s.Remove(ctx, 102, 10))
	_, err = s.Read(ctx, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CrashKeepsDurablePrefix(t *testing.T) {
	ctx := context.Background()
	b := backing.NewMemoryStore()
	s, err := New(b)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, 100, 10, []byte("A")))
	require.NoError(t, s.Write(ctx, 101, 10, []byte("B")))
	require.NoError(t, s.Flush(ctx, 101))
	require.NoError(t, s.Remove(ctx, 102, 10))

	// Crash before the remove is flushed: only the prefix up to 101 survives.
	b.SimulateCrash()
	s2, err := New(b)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Read(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), got)
	assert.Equal(t, core.SyncToken(101), s2.LastSyncToken())
}

func TestStore_NonMonotonicTokenPanics(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Write(ctx, 100, 1, []byte("a")))
	assert.Equal(t, core.SyncToken(100), s.LastSyncToken())

	assert.Panics(t, func() {
		_ = s.Write(ctx, 99, 2, []byte("b"))
	})
	assert.Panics(t, func() {
		_ = s.Remove(ctx, 99, 1)
	})

	// Equal tokens are allowed; the mark never decreases.
	require.NoError(t, s.Write(ctx, 100, 2, []byte("b")))
	assert.Equal(t, core.SyncToken(100), s.LastSyncToken())
}

func TestStore_FlushIdempotent(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(t)

	require.NoError(t, s.Write(ctx, 100, 1, []byte("a")))
	require.NoError(t, s.Flush(ctx, 100))
	first := b.LastFlushedToken()

	require.NoError(t, s.Flush(ctx, 100))
	assert.Equal(t, first, b.LastFlushedToken())
}

func TestStore_LidReuseAfterRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	token := core.SyncToken(100)
	for i := 1; i <= 6; i++ {
		lid := s.AllocLid()
		require.Equal(t, core.Lid(i), lid)
		require.NoError(t, s.Write(ctx, token, lid, []byte{byte(i)}))
		token++
	}
	for _, lid := range []core.Lid{4, 5, 6} {
		s.SetActive(lid, true)
	}

	for _, lid := range []core.Lid{1, 3, 5} {
		require.NoError(t, s.Remove(ctx, token, lid))
		token++
	}

	// Reclaimed lids come back lowest-first, then the space grows.
	var got []core.Lid
	for i := 0; i < 5; i++ {
		lid := s.AllocLid()
		got = append(got, lid)
		require.NoError(t, s.Write(ctx, token, lid, []byte("new")))
		token++
	}
	assert.Equal(t, []core.Lid{1, 3, 5, 7, 8}, got)
}

func TestStore_VisitOrderAndSkips(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Write(ctx, 100, 1, []byte("one")))
	require.NoError(t, s.Write(ctx, 101, 2, []byte("two")))
	require.NoError(t, s.Write(ctx, 102, 4, []byte("four")))

	var visited []core.Lid
	err := s.Visit(ctx, []core.Lid{4, 1, 3, 2}, func(lid core.Lid, data []byte, readErr error) error {
		require.NoError(t, readErr)
		visited = append(visited, lid)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []core.Lid{4, 1, 2}, visited)
}

func TestStore_VisitCache(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithAllowVisitCaching(true))

	require.NoError(t, s.Write(ctx, 100, 1, []byte("one")))
	require.NoError(t, s.Write(ctx, 101, 2, []byte("two")))

	count := func() int {
		n := 0
		err := s.Visit(ctx, []core.Lid{1, 2}, func(core.Lid, []byte, error) error {
			n++
			return nil
		})
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count())
	stats := s.VisitCacheStats()
	assert.Equal(t, int64(1), stats.Hits)

	// A write to a member lid drops the whole cached entry.
	require.NoError(t, s.Write(ctx, 102, 2, []byte("two'")))
	assert.Equal(t, 2, count())
	stats = s.VisitCacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.GreaterOrEqual(t, stats.Misses, int64(2))
}

func TestStore_VisitReportsCorruptDocuments(t *testing.T) {
	ctx := context.Background()
	b := backing.NewMemoryStore()

	// A payload below the header size can only come from corruption.
	require.NoError(t, b.Write(ctx, 100, 1, []byte{0x01}))

	s, err := New(b)
	require.NoError(t, err)
	defer s.Close()

	// Skippable: the visitor swallows the error and the visit continues.
	sawErr := false
	err = s.Visit(ctx, []core.Lid{1}, func(lid core.Lid, data []byte, readErr error) error {
		sawErr = readErr != nil
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawErr)

	// Fatal: returning the error aborts the visit.
	err = s.Visit(ctx, []core.Lid{1}, func(lid core.Lid, data []byte, readErr error) error {
		return readErr
	})
	assert.Error(t, err)

	_, err = s.Read(ctx, 1)
	assert.Error(t, err)
}

func TestStore_UpdateStrategies(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		name     string
		strategy UpdateStrategy
	}{
		{name: "invalidate", strategy: UpdateStrategyInvalidate},
		{name: "update", strategy: UpdateStrategyUpdate},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, WithUpdateStrategy(tt.strategy))

			require.NoError(t, s.Write(ctx, 100, 1, []byte("old")))
			got, err := s.Read(ctx, 1) // populate the cache
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), got)

			require.NoError(t, s.Write(ctx, 101, 1, []byte("new")))
			got, err = s.Read(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, []byte("new"), got)
		})
	}
}

func TestStore_CompactionPreservesReads(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	docs := map[core.Lid][]byte{
		1: []byte("one"),
		2: []byte("two"),
		3: []byte("three"),
	}
	token := core.SyncToken(100)
	for lid, doc := range docs {
		require.NoError(t, s.Write(ctx, token, lid, doc))
		token++
	}
	require.NoError(t, s.Write(ctx, token, 2, []byte("two'")))
	token++
	require.NoError(t, s.Remove(ctx, token, 3))
	token++

	before := s.LastSyncToken()
	require.NoError(t, s.CompactBloat(ctx, token))
	assert.Equal(t, before, s.LastSyncToken())

	got, err := s.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
	got, err = s.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("two'"), got)
	_, err = s.Read(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ShrinkLidSpace(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	token := core.SyncToken(100)
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Write(ctx, token, core.Lid(i), []byte("doc")))
		token++
	}
	require.NoError(t, s.Remove(ctx, token, 4))
	token++
	require.NoError(t, s.Remove(ctx, token, 5))
	token++

	assert.False(t, s.CanShrinkLidSpace(), "no shrink target recorded yet")
	assert.Zero(t, s.GetEstimatedShrinkLidSpaceGain())

	s.CompactLidSpace(4)
	assert.True(t, s.CanShrinkLidSpace())
	assert.NotZero(t, s.GetEstimatedShrinkLidSpaceGain())

	require.True(t, s.ShrinkLidSpace())
	assert.Equal(t, uint32(4), s.Stats().DocIdLimit)

	// Lids below the limit stay readable.
	got, err := s.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("doc"), got)
}

func TestStore_TypedDocumentRoundtrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	type article struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	in := article{Title: "hello", Tags: []string{"a", "b"}}
	require.NoError(t, s.WriteDocument(ctx, 100, 1, in))

	var out article
	require.NoError(t, s.ReadDocument(ctx, 1, &out))
	assert.Equal(t, in, out)
}

func TestStore_ReconfigureKeepsOldDocumentsReadable(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithCompression(CompressionLZ4))

	require.NoError(t, s.Write(ctx, 100, 1, []byte("written under lz4")))
	s.Reconfigure(WithCompression(CompressionZstd), WithMaxCacheBytes(1<<20))

	got, err := s.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("written under lz4"), got)

	require.NoError(t, s.Write(ctx, 101, 2, []byte("written under zstd")))
	got, err = s.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("written under zstd"), got)
}

func TestStore_InitFlush(t *testing.T) {
	ctx := context.Background()
	exec := NewGoExecutor(nil)
	s, b := newTestStore(t, WithExecutor(exec))

	require.NoError(t, s.Write(ctx, 100, 1, []byte("a")))

	// The committed token is capped at the high-water mark.
	committed := s.InitFlush(500)
	assert.Equal(t, core.SyncToken(100), committed)

	exec.Wait()
	assert.Equal(t, core.SyncToken(100), b.LastFlushedToken())
	assert.False(t, s.LastFlushTime().IsZero())
}

func TestStore_WarmupCache(t *testing.T) {
	ctx := context.Background()
	exec := NewGoExecutor(nil)
	s, _ := newTestStore(t, WithExecutor(exec))

	require.NoError(t, s.Write(ctx, 100, 1, []byte("one")))
	require.NoError(t, s.Write(ctx, 101, 2, []byte("two")))
	s.SetActive(1, true)
	s.SetActive(2, true)

	s.WarmupCache(ctx)
	exec.Wait()

	stats := s.DocCacheStats()
	assert.Equal(t, 2, stats.Elements)
}

func TestStore_UncachedLookups(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithMaxCacheBytes(0))

	require.NoError(t, s.Write(ctx, 100, 1, []byte("one")))
	_, err := s.Read(ctx, 1)
	require.NoError(t, err)
	_, err = s.Read(ctx, 1)
	require.NoError(t, err)

	stats := s.DocCacheStats()
	assert.Equal(t, int64(2), stats.UncachedLookups)
	assert.Equal(t, 0, stats.Elements)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	b := backing.NewMemoryStore()
	s, err := New(b)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, 100, 1, []byte("a")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")

	_, err = s.Read(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Write(ctx, 101, 1, []byte("b")), ErrClosed)
	assert.ErrorIs(t, s.Flush(ctx, 100), ErrClosed)
}

func TestStore_OpenRebuildsLidSpace(t *testing.T) {
	ctx := context.Background()
	b := backing.NewMemoryStore()
	s, err := New(b)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, 100, 1, []byte("one")))
	require.NoError(t, s.Write(ctx, 101, 3, []byte("three")))
	require.NoError(t, s.Flush(ctx, 101))
	require.NoError(t, s.Close())

	s2, err := New(b)
	require.NoError(t, err)
	defer s2.Close()

	// Lid 2 was never written, so it is the first free lid after reopen.
	assert.Equal(t, core.Lid(2), s2.AllocLid())
	got, err := s2.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), got)
}

// gatedBacking parks one Read after it has fetched its result, letting a
// test interleave a write between a backing read and its cache populate.
type gatedBacking struct {
	backing.Store
	armed   atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func (g *gatedBacking) Read(ctx context.Context, lid core.Lid) ([]byte, error) {
	data, err := g.Store.Read(ctx, lid)
	if g.armed.CompareAndSwap(true, false) {
		g.parked <- struct{}{}
		<-g.release
	}
	return data, err
}

func TestStore_ReadRacingWriteDoesNotPoisonCache(t *testing.T) {
	ctx := context.Background()
	g := &gatedBacking{
		Store:   backing.NewMemoryStore(),
		parked:  make(chan struct{}),
		release: make(chan struct{}),
	}
	s, err := New(g)
	require.NoError(t, err)
	defer s.Close()

	lid := s.AllocLid()
	require.NoError(t, s.Write(ctx, 100, lid, []byte("A")))

	g.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Racing reader: holds the pre-write payload while it is parked,
		// and may legitimately return it.
		_, _ = s.Read(ctx, lid)
	}()

	<-g.parked
	require.NoError(t, s.Write(ctx, 101, lid, []byte("B")))
	close(g.release)
	<-done

	// A read that starts after the write must see the new value, even
	// though the racing reader's populate arrived after the invalidate.
	got, err := s.Read(ctx, lid)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), got)
}

func TestStore_VisitRacingWriteNotCached(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithAllowVisitCaching(true))

	lid1 := s.AllocLid()
	lid2 := s.AllocLid()
	require.NoError(t, s.Write(ctx, 100, lid1, []byte("one")))
	require.NoError(t, s.Write(ctx, 101, lid2, []byte("two")))

	// Overwrite lid1 mid-visit, after its old value was already emitted.
	// The result must not be cached: the entry did not exist yet when the
	// write ran its invalidation.
	err := s.Visit(ctx, []core.Lid{lid1, lid2}, func(lid core.Lid, data []byte, readErr error) error {
		require.NoError(t, readErr)
		if lid == lid2 {
			require.NoError(t, s.Write(ctx, 102, lid1, []byte("uno")))
		}
		return nil
	})
	require.NoError(t, err)

	docs := make(map[core.Lid][]byte)
	err = s.Visit(ctx, []core.Lid{lid1, lid2}, func(lid core.Lid, data []byte, readErr error) error {
		require.NoError(t, readErr)
		docs[lid] = data
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), docs[lid1])
	assert.Equal(t, []byte("two"), docs[lid2])
}

// notFoundBacking reports not-found for one lid regardless of contents,
// standing in for a remove landing between the validity check and the
// backing read.
type notFoundBacking struct {
	backing.Store
	drop core.Lid
}

func (b *notFoundBacking) Read(ctx context.Context, lid core.Lid) ([]byte, error) {
	if lid == b.drop {
		return nil, backing.ErrNotFound
	}
	return b.Store.Read(ctx, lid)
}

func TestStore_VisitSkipsConcurrentlyRemovedLid(t *testing.T) {
	ctx := context.Background()
	nb := &notFoundBacking{Store: backing.NewMemoryStore(), drop: 2}
	s, err := New(nb)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(ctx, 100, s.AllocLid(), []byte("one")))
	require.NoError(t, s.Write(ctx, 101, s.AllocLid(), []byte("two")))
	require.NoError(t, s.Write(ctx, 102, s.AllocLid(), []byte("three")))

	var visited []core.Lid
	err = s.Visit(ctx, []core.Lid{1, 2, 3}, func(lid core.Lid, data []byte, readErr error) error {
		require.NoError(t, readErr)
		visited = append(visited, lid)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []core.Lid{1, 3}, visited)
}
