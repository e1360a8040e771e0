// Package backing provides the physical storage consumed by the document
// store facade: an append-only, compactable byte store keyed by lid.
//
// The facade treats implementations as opaque. The contract is per-lid
// atomicity (a reader sees a whole former or whole current value, never a
// torn one) and durable-prefix flushing: after Flush(t) every mutation with
// sync token <= t survives a crash.
package backing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docstore/core"
)

// ErrNotFound is returned when no live document exists for a lid.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Stats is a read-only snapshot of a store's footprint.
type Stats struct {
	// DiskFootprint is the total number of bytes occupied on disk.
	DiskFootprint uint64
	// DiskBloat is the number of bytes held by removed or superseded
	// records, reclaimable by CompactBloat.
	DiskBloat uint64
	// MaxSpreadAsBloat expresses fragmentation of live records as
	// bloat-equivalent bytes, reclaimable by CompactSpread.
	MaxSpreadAsBloat uint64
	// MemoryUsed is the approximate in-memory footprint of the store's
	// bookkeeping structures.
	MemoryUsed uint64
}

// Store is the backing-store contract consumed by the document store.
type Store interface {
	// Read returns the payload last written for lid, or ErrNotFound if the
	// lid holds no live document. A *CorruptionError signals malformed
	// stored bytes and is never silently swallowed.
	Read(ctx context.Context, lid core.Lid) ([]byte, error)

	// Write stores data for lid under the given sync token.
	Write(ctx context.Context, syncToken core.SyncToken, lid core.Lid, data []byte) error

	// Remove tombstones lid. Physical space is reclaimed at compaction.
	Remove(ctx context.Context, syncToken core.SyncToken, lid core.Lid) error

	// Flush durably persists all mutations with token <= syncToken.
	// Idempotent: calling with an already-flushed token is a no-op.
	Flush(ctx context.Context, syncToken core.SyncToken) error

	// CompactBloat rewrites the store dropping removed/superseded records,
	// preserving the file order of live records.
	CompactBloat(ctx context.Context, syncToken core.SyncToken) error

	// CompactSpread rewrites the store in ascending lid order, defragmenting
	// live records (and, as a side effect, dropping bloat).
	CompactSpread(ctx context.Context, syncToken core.SyncToken) error

	// TruncateLids discards directory state for lids at or above limit and
	// lowers the doc-id limit. Every lid at or above limit must already be
	// removed; a live one is a programming error.
	TruncateLids(limit core.Lid) error

	// LastSyncToken returns the token of the most recently applied mutation.
	LastSyncToken() core.SyncToken

	// LastFlushedToken returns the highest token known durable.
	LastFlushedToken() core.SyncToken

	// DocIdLimit returns one past the highest lid the store has seen.
	DocIdLimit() uint32

	// LiveLids returns the set of lids currently holding a live document.
	// Used to rebuild in-memory lid bookkeeping on open.
	LiveLids() *roaring.Bitmap

	// Stats returns a footprint snapshot.
	Stats() Stats

	// Close releases file handles and other resources.
	Close() error
}

// CorruptionError reports malformed bytes read back from the store.
// The core never attempts automatic repair; callers decide whether a corrupt
// document is fatal or skippable.
type CorruptionError struct {
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("backing: corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// IsCorruption returns true if err is a *CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
