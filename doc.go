// Package docstore provides a cached, compacting document store keyed by
// local document ids (lids).
//
// A Store combines three layers:
//
//   - a lid allocator with generation-safe reclamation (package lidspace):
//     retired lids are parked in hold lists and only become reusable once no
//     in-flight reader can still observe them
//   - a backing store (package backing): an append-only, per-lid-atomic byte
//     store with durable-prefix flushing and online compaction
//   - byte-budget LRU caches for single reads and bulk visits
//
// # Quick Start
//
//	b, _ := backing.OpenLogStore("./docs.log")
//	ds, _ := docstore.New(b,
//	    docstore.WithCompression(docstore.CompressionLZ4),
//	    docstore.WithMaxCacheBytes(64<<20),
//	)
//	defer ds.Close()
//
//	lid := ds.AllocLid()
//	_ = ds.Write(ctx, token, lid, []byte(`{"title":"hello"}`))
//	data, _ := ds.Read(ctx, lid)
//
// # Durability Model
//
// Writes carry a caller-supplied monotonic sync token. Flush(token) makes
// every mutation at or below that token durable; after a crash the store
// recovers exactly the flushed prefix. Tokens are the caller's discipline:
// writing with a token below the current high-water mark is a programming
// error and panics.
//
// # Space Reclamation
//
// Remove only tombstones a document. Physical space is reclaimed by
// CompactBloat (drops removed/superseded records) and CompactSpread
// (additionally rewrites live records in lid order). Both run online:
// reads and writes proceed during compaction. The addressable lid range
// shrinks via CompactLidSpace/ShrinkLidSpace once the generation tracker
// confirms no reader can still observe the retired range.
package docstore
