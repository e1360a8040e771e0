package core

// Lid is a dense, node-local identifier for a stored document.
// It is strictly 32-bit and 1-based: lid 0 is reserved and never valid.
// Used for all hot-path structures (state vectors, free list, cache keys).
type Lid uint32

// MaxLid is the maximum possible value for a Lid.
const MaxLid = ^Lid(0)

// SyncToken is a monotonically non-decreasing write-ahead marker stamped on
// every mutation. Flush durability is expressed as a token prefix: after
// Flush(t), every mutation with token <= t is on stable storage.
type SyncToken = uint64
