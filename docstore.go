package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/docstore/backing"
	"github.com/hupe1980/docstore/core"
	"github.com/hupe1980/docstore/generation"
	"github.com/hupe1980/docstore/internal/cache"
	"github.com/hupe1980/docstore/lidspace"
)

// Visitor receives one document per visited lid, in request order. A non-nil
// readErr reports per-document corruption; returning it aborts the visit,
// returning nil skips the document and continues.
type Visitor func(lid core.Lid, data []byte, readErr error) error

// Store is the document store facade. It owns the backing store, the lid
// allocator and the caches exclusively; collaborators hold non-owning
// references at most.
//
// Writes to different lids are not serialized by the store. Writes to the
// same lid are linearized by the caller's sync-token discipline.
type Store struct {
	backing backing.Store
	lids    *lidspace.LidSpace
	gens    *generation.Tracker

	// mu guards opts and the cache pointers across Reconfigure, and the
	// pending-shrink bookkeeping.
	mu   sync.RWMutex
	opts options

	docCache   *cache.DocumentCache
	visitCache *cache.VisitCache

	wantedLidLimit   uint32
	shrinkGeneration uint64

	lastToken       atomic.Uint64
	lastFlushTime   atomic.Int64
	uncachedLookups atomic.Int64
	closed          atomic.Bool

	// mutations are striped per-lid counters. A lid's counter advances once
	// its backing write or remove is visible, before the caches are
	// invalidated; a read-through populate that snapshotted an older count
	// read pre-mutation bytes and must not be admitted.
	mutations [mutationStripes]atomic.Uint64
}

// mutationStripes sizes the striped mutation counters. Power of two so the
// stripe index is a mask. Sharing a stripe only ever rejects a populate, it
// never admits a stale one.
const mutationStripes = 256

// New creates a Store on top of b, rebuilding the lid allocator from the
// backing store's live lids.
func New(b backing.Store, optFns ...Option) (*Store, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	if o.executor == nil {
		o.executor = NewGoExecutor(o.resourceController)
	}

	lids := lidspace.New(b.DocIdLimit())
	it := b.LiveLids().Iterator()
	for it.HasNext() {
		lids.RegisterLid(core.Lid(it.Next()))
	}
	lids.ConstructFreeList(b.DocIdLimit())
	lids.SetFreeListConstructed()

	s := &Store{
		backing: b,
		lids:    lids,
		gens:    generation.NewTracker(),
		opts:    o,
	}
	s.rebuildCachesLocked()
	s.lastToken.Store(uint64(b.LastSyncToken()))
	return s, nil
}

// rebuildCachesLocked replaces both caches from the current options.
// Callers hold s.mu exclusively (or own the store, during New).
func (s *Store) rebuildCachesLocked() {
	if s.docCache != nil {
		s.docCache.Clear()
	}
	if s.visitCache != nil {
		s.visitCache.Clear()
	}
	s.docCache = nil
	s.visitCache = nil
	if s.opts.maxCacheBytes > 0 {
		s.docCache = cache.NewDocumentCache(s.opts.maxCacheBytes, s.opts.initialCacheEntries, s.opts.resourceController)
		if s.opts.allowVisitCaching {
			s.visitCache = cache.NewVisitCache(s.opts.maxCacheBytes, s.opts.resourceController)
		}
	}
}

// Reconfigure atomically replaces the cache and compression configuration.
// Both caches are rebuilt empty; stored documents are unaffected, since every
// payload is self-describing.
func (s *Store) Reconfigure(optFns ...Option) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fn := range optFns {
		fn(&s.opts)
	}
	s.rebuildCachesLocked()
}

// caches returns the current cache pair under the read lock.
func (s *Store) caches() (*cache.DocumentCache, *cache.VisitCache) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docCache, s.visitCache
}

// checkToken panics on a non-monotonic sync token. Silently reordering
// writes would corrupt the durable-prefix contract.
func (s *Store) checkToken(t core.SyncToken) {
	if last := core.SyncToken(s.lastToken.Load()); t < last {
		panic(fmt.Sprintf("docstore: non-monotonic sync token %d, high-water mark %d", t, last))
	}
}

func (s *Store) mutationStamp(lid core.Lid) uint64 {
	return s.mutations[uint32(lid)&(mutationStripes-1)].Load()
}

func (s *Store) bumpMutation(lid core.Lid) {
	s.mutations[uint32(lid)&(mutationStripes-1)].Add(1)
}

// commitToken raises the token high-water mark after a successful mutation.
func (s *Store) commitToken(t core.SyncToken) {
	for {
		last := s.lastToken.Load()
		if uint64(t) <= last || s.lastToken.CompareAndSwap(last, uint64(t)) {
			return
		}
	}
}

// AllocLid hands out the smallest reusable lid, growing the lid space when
// none is free. The lid becomes valid on its first Write.
func (s *Store) AllocLid() core.Lid {
	return s.lids.GetFreeLid(s.lids.Size())
}

// SetActive toggles a lid's visibility to query serving. The lid must be
// valid.
func (s *Store) SetActive(lid core.Lid, active bool) {
	s.lids.UpdateActiveLids(lid, active)
}

// Read returns the document stored for lid, or ErrNotFound if lid does not
// denote a live document. Safe to call concurrently with writes; a read
// racing a write to the same lid sees the whole old or whole new value.
func (s *Store) Read(ctx context.Context, lid core.Lid) ([]byte, error) {
	start := time.Now()
	data, err := s.read(ctx, lid)
	s.opts.metricsCollector.RecordRead(time.Since(start), err)
	return data, err
}

func (s *Store) read(ctx context.Context, lid core.Lid) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !s.lids.ValidLid(lid) {
		return nil, ErrNotFound
	}

	// Pin the generation so the lid cannot be reclaimed and reused under us.
	guard := s.gens.Guard()
	defer guard.Release()

	dc, _ := s.caches()
	if dc != nil {
		if doc, ok := dc.Get(lid); ok {
			return doc, nil
		}
	} else {
		s.uncachedLookups.Add(1)
	}

	stamp := s.mutationStamp(lid)
	raw, err := s.backing.Read(ctx, lid)
	if err != nil {
		return nil, err
	}
	doc, err := decompressPayload(raw)
	if err != nil {
		return nil, err
	}
	if dc != nil {
		dc.SetIfFresh(lid, doc, func() bool { return s.mutationStamp(lid) == stamp })
	}
	return doc, nil
}

// Visit bulk-reads an explicit lid sequence, invoking visitor per document in
// input order. Lids that do not denote a live document are skipped; that is a
// normal outcome, not an error. Corrupt documents are handed to the visitor
// via its readErr argument so the caller chooses fatal versus skippable.
func (s *Store) Visit(ctx context.Context, lids []core.Lid, visitor Visitor) error {
	start := time.Now()
	err := s.visit(ctx, lids, visitor)
	s.opts.metricsCollector.RecordVisit(len(lids), time.Since(start), err)
	return err
}

func (s *Store) visit(ctx context.Context, lids []core.Lid, visitor Visitor) error {
	if s.closed.Load() {
		return ErrClosed
	}

	guard := s.gens.Guard()
	defer guard.Release()

	dc, vc := s.caches()
	if vc != nil {
		if result, ok := vc.Get(lids); ok {
			for i, lid := range result.Lids {
				if err := visitor(lid, result.Docs[i], nil); err != nil {
					return err
				}
			}
			return nil
		}
	}

	var result cache.VisitResult
	cacheable := vc != nil
	var stamps []uint64
	if cacheable {
		// Snapshot every member's mutation count before the first backing
		// read; the result is only cached if none has moved by then.
		stamps = make([]uint64, len(lids))
		for i, lid := range lids {
			stamps[i] = s.mutationStamp(lid)
		}
	}
	for _, lid := range lids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.lids.ValidLid(lid) {
			continue
		}

		doc, hit := []byte(nil), false
		if dc != nil {
			doc, hit = dc.Get(lid)
		}
		if !hit {
			stamp := s.mutationStamp(lid)
			raw, err := s.backing.Read(ctx, lid)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					// A remove landed between the validity check and the
					// backing read; the lid is simply no longer live.
					continue
				}
				if IsCorruption(err) {
					cacheable = false
					if verr := visitor(lid, nil, err); verr != nil {
						return verr
					}
					continue
				}
				return err
			}
			doc, err = decompressPayload(raw)
			if err != nil {
				cacheable = false
				if verr := visitor(lid, nil, err); verr != nil {
					return verr
				}
				continue
			}
			if dc != nil {
				dc.SetIfFresh(lid, doc, func() bool { return s.mutationStamp(lid) == stamp })
			}
		}

		if err := visitor(lid, doc, nil); err != nil {
			return err
		}
		if cacheable {
			result.Lids = append(result.Lids, lid)
			result.Docs = append(result.Docs, doc)
		}
	}

	if cacheable {
		vc.SetIfFresh(lids, result, func() bool {
			for i, lid := range lids {
				if s.mutationStamp(lid) != stamps[i] {
					return false
				}
			}
			return true
		})
	}
	return nil
}

// Write stores data for lid under syncToken, registering the lid if it is
// new. syncToken must be at or above the current high-water mark; a lower
// token panics.
func (s *Store) Write(ctx context.Context, syncToken core.SyncToken, lid core.Lid, data []byte) error {
	start := time.Now()
	err := s.write(ctx, syncToken, lid, data)
	s.opts.metricsCollector.RecordWrite(time.Since(start), err)
	s.opts.logger.LogWrite(ctx, lid, syncToken, len(data), err)
	return err
}

func (s *Store) write(ctx context.Context, syncToken core.SyncToken, lid core.Lid, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.checkToken(syncToken)

	s.mu.RLock()
	compression := s.opts.compression
	strategy := s.opts.updateStrategy
	s.mu.RUnlock()

	payload, err := compressPayload(data, compression)
	if err != nil {
		return err
	}
	if err := s.backing.Write(ctx, syncToken, lid, payload); err != nil {
		return err
	}
	s.commitToken(syncToken)
	s.bumpMutation(lid)

	if !s.lids.ValidLid(lid) {
		s.lids.RegisterLid(lid)
	}

	dc, vc := s.caches()
	if dc != nil {
		switch strategy {
		case UpdateStrategyUpdate:
			doc := make([]byte, len(data))
			copy(doc, data)
			dc.UpdateInPlace(lid, doc)
		default:
			dc.Invalidate(lid)
		}
	}
	if vc != nil {
		vc.InvalidateLid(lid)
	}
	return nil
}

// Remove tombstones lid under syncToken. The lid is unregistered and parked
// in the hold list for the current generation; it becomes reusable only once
// the generation tracker confirms no reader can still observe it. Removing a
// lid that is not valid is a no-op on the allocator but still records the
// tombstone.
func (s *Store) Remove(ctx context.Context, syncToken core.SyncToken, lid core.Lid) error {
	start := time.Now()
	err := s.remove(ctx, syncToken, lid)
	s.opts.metricsCollector.RecordRemove(time.Since(start), err)
	s.opts.logger.LogRemove(ctx, lid, syncToken, err)
	return err
}

func (s *Store) remove(ctx context.Context, syncToken core.SyncToken, lid core.Lid) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.checkToken(syncToken)

	if err := s.backing.Remove(ctx, syncToken, lid); err != nil {
		return err
	}
	s.commitToken(syncToken)
	s.bumpMutation(lid)

	if s.lids.ValidLid(lid) {
		retiring := s.gens.Current()
		s.lids.UnregisterLid(lid)
		s.lids.HoldLids([]core.Lid{lid}, s.lids.Size(), retiring)
		s.gens.Increment()
		s.lids.TrimHoldLists(s.gens.SafeGeneration())
	}

	dc, vc := s.caches()
	if dc != nil {
		dc.Invalidate(lid)
	}
	if vc != nil {
		vc.InvalidateLid(lid)
	}
	return nil
}

// Flush durably persists every mutation with token <= syncToken. Idempotent;
// safe to call concurrently with writes at higher tokens, which may or may
// not be included. A failed flush leaves token bookkeeping untouched so a
// retry is safe.
func (s *Store) Flush(ctx context.Context, syncToken core.SyncToken) error {
	start := time.Now()
	err := s.flush(ctx, syncToken)
	s.opts.metricsCollector.RecordFlush(time.Since(start), err)
	s.opts.logger.LogFlush(ctx, syncToken, err)
	return err
}

func (s *Store) flush(ctx context.Context, syncToken core.SyncToken) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.backing.Flush(ctx, syncToken); err != nil {
		return err
	}
	s.lastFlushTime.Store(time.Now().UnixNano())
	return nil
}

// InitFlush begins an asynchronous flush on the store's executor and returns
// immediately with the token it committed to: the requested token capped at
// the current high-water mark.
func (s *Store) InitFlush(syncToken core.SyncToken) core.SyncToken {
	committed := syncToken
	if last := s.LastSyncToken(); committed > last {
		committed = last
	}
	s.mu.RLock()
	exec := s.opts.executor
	s.mu.RUnlock()
	exec.Submit(func() {
		_ = s.Flush(context.Background(), committed)
	})
	return committed
}

// CompactBloat reclaims space held by removed and superseded records without
// reordering live ones. Reads and writes proceed during the run; documents
// not mutated meanwhile read identically before and after.
func (s *Store) CompactBloat(ctx context.Context, syncToken core.SyncToken) error {
	start := time.Now()
	err := s.backing.CompactBloat(ctx, syncToken)
	s.opts.metricsCollector.RecordCompaction("bloat", time.Since(start), err)
	s.opts.logger.LogCompaction(ctx, "bloat", err)
	return err
}

// CompactSpread defragments live records into ascending lid order, which also
// drops bloat.
func (s *Store) CompactSpread(ctx context.Context, syncToken core.SyncToken) error {
	start := time.Now()
	err := s.backing.CompactSpread(ctx, syncToken)
	s.opts.metricsCollector.RecordCompaction("spread", time.Since(start), err)
	s.opts.logger.LogCompaction(ctx, "spread", err)
	return err
}

// CompactLidSpace records wantedLimit as the shrink target and the current
// generation as the retirement point, then advances the generation. The
// actual shrink happens in ShrinkLidSpace once no reader can still observe
// the retired range.
func (s *Store) CompactLidSpace(wantedLimit uint32) {
	if wantedLimit < 1 {
		panic("docstore: lid-space limit must be at least 1")
	}
	s.mu.Lock()
	s.wantedLidLimit = wantedLimit
	s.shrinkGeneration = s.gens.Current()
	s.mu.Unlock()
	s.gens.Increment()
}

// CanShrinkLidSpace reports whether a recorded shrink target can proceed: the
// retiring generation must be confirmed safe and no valid or held lid may sit
// at or above the target.
func (s *Store) CanShrinkLidSpace() bool {
	s.mu.RLock()
	limit, gen := s.wantedLidLimit, s.shrinkGeneration
	s.mu.RUnlock()

	if limit == 0 {
		return false
	}
	if s.gens.SafeGeneration() < gen {
		return false
	}
	return s.lids.CanShrink(limit)
}

// GetEstimatedShrinkLidSpaceGain returns the approximate number of bytes of
// allocator bookkeeping a shrink would release. Advisory; a maintenance
// scheduler uses it to decide whether shrinking is worthwhile.
func (s *Store) GetEstimatedShrinkLidSpaceGain() uint64 {
	if !s.CanShrinkLidSpace() {
		return 0
	}
	s.mu.RLock()
	limit := s.wantedLidLimit
	s.mu.RUnlock()

	size := s.lids.Size()
	if size <= limit {
		return 0
	}
	// Two bitset bits plus a free-list entry per retired lid.
	return uint64(size-limit)/8*2 + uint64(size-limit)*4
}

// ShrinkLidSpace performs the recorded shrink. Returns false when the target
// is not yet safe; the caller retries after more generations have drained.
func (s *Store) ShrinkLidSpace() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, gen := s.wantedLidLimit, s.shrinkGeneration
	if limit == 0 {
		return false
	}
	safe := s.gens.SafeGeneration()
	if safe < gen {
		return false
	}
	s.lids.TrimHoldLists(safe)
	if !s.lids.CanShrink(limit) {
		return false
	}
	s.lids.Shrink(limit)
	if err := s.backing.TruncateLids(core.Lid(limit)); err != nil {
		return false
	}
	s.wantedLidLimit = 0
	s.shrinkGeneration = 0
	return true
}

// WarmupCache pre-reads every active lid through the document cache on the
// store's executor. Returns immediately.
func (s *Store) WarmupCache(ctx context.Context) {
	s.mu.RLock()
	exec := s.opts.executor
	s.mu.RUnlock()

	exec.Submit(func() {
		active := s.lids.GetActiveLids()
		for lid, ok := active.Lowest(); ok; lid, ok = active.NextTrueBit(lid + 1) {
			if ctx.Err() != nil {
				return
			}
			_, _ = s.Read(ctx, lid)
		}
	})
}

// LastSyncToken returns the token high-water mark across writes and removes.
// Non-decreasing for the life of the store.
func (s *Store) LastSyncToken() core.SyncToken {
	return core.SyncToken(s.lastToken.Load())
}

// LastFlushedToken returns the highest token known durable.
func (s *Store) LastFlushedToken() core.SyncToken {
	return s.backing.LastFlushedToken()
}

// LastFlushTime returns the wall-clock time of the last successful flush, or
// the zero time if none happened yet.
func (s *Store) LastFlushTime() time.Time {
	nanos := s.lastFlushTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// CacheStats is a read-only snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits            int64
	Misses          int64
	Elements        int
	Bytes           int64
	UncachedLookups int64
}

// DocCacheStats returns document-cache counters.
func (s *Store) DocCacheStats() CacheStats {
	dc, _ := s.caches()
	stats := CacheStats{UncachedLookups: s.uncachedLookups.Load()}
	if dc != nil {
		stats.Hits, stats.Misses = dc.Stats()
		stats.Elements = dc.Len()
		stats.Bytes = dc.Size()
	}
	return stats
}

// VisitCacheStats returns visit-cache counters.
func (s *Store) VisitCacheStats() CacheStats {
	_, vc := s.caches()
	var stats CacheStats
	if vc != nil {
		stats.Hits, stats.Misses = vc.Stats()
		stats.Elements = vc.Len()
		stats.Bytes = vc.Size()
	}
	return stats
}

// StoreStats aggregates footprint numbers across the backing store, the
// allocator and the caches.
type StoreStats struct {
	DiskFootprint    uint64
	DiskBloat        uint64
	MaxSpreadAsBloat uint64
	MemoryUsed       uint64
	DocIdLimit       uint32
	LastSyncToken    core.SyncToken
	LastFlushedToken core.SyncToken
}

// Stats returns a footprint snapshot. Read-only, no side effects.
func (s *Store) Stats() StoreStats {
	b := s.backing.Stats()
	return StoreStats{
		DiskFootprint:    b.DiskFootprint,
		DiskBloat:        b.DiskBloat,
		MaxSpreadAsBloat: b.MaxSpreadAsBloat,
		MemoryUsed:       s.MemoryUsed(),
		DocIdLimit:       s.backing.DocIdLimit(),
		LastSyncToken:    s.LastSyncToken(),
		LastFlushedToken: s.LastFlushedToken(),
	}
}

// MemoryUsed returns the approximate in-memory footprint of the store.
func (s *Store) MemoryUsed() uint64 {
	dc, vc := s.caches()
	used := s.backing.Stats().MemoryUsed + s.lids.MemoryUsed()
	if dc != nil {
		used += uint64(dc.Size())
	}
	if vc != nil {
		used += uint64(vc.Size())
	}
	return used
}

// Close releases the backing store and drops both caches. Further operations
// return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docCache != nil {
		s.docCache.Clear()
	}
	if s.visitCache != nil {
		s.visitCache.Clear()
	}
	return s.backing.Close()
}
