package backing

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/docstore/core"
	"github.com/hupe1980/docstore/resource"
)

// LogStoreOptions configures a LogStore.
type LogStoreOptions struct {
	// ResourceController, when set, throttles compaction rewrites against
	// the shared IO budget. Nil means unlimited.
	ResourceController *resource.Controller
}

// LogStore is an append-only, single-file Store implementation.
//
// Every mutation appends a checksummed record; an in-memory directory maps
// each live lid to its latest record. Removed and superseded records stay in
// the file as bloat until CompactBloat or CompactSpread rewrites it.
// Compaction snapshots the directory, rewrites live records into a temp
// file while writes continue, replays the tail appended meanwhile, and
// publishes the result with an atomic rename.
type LogStore struct {
	mu sync.RWMutex
	// compactMu serializes whole compaction runs; mu alone only covers the
	// snapshot and publish phases.
	compactMu sync.Mutex
	path      string
	f         *os.File
	rc        *resource.Controller

	dir        map[core.Lid]lidInfo
	end        int64
	docIdLimit uint32

	lastToken    core.SyncToken
	flushedToken core.SyncToken

	bloat int64
}

type lidInfo struct {
	offset     int64
	size       int64 // whole record, header included
	payloadLen uint32
}

var _ Store = (*LogStore)(nil)

// OpenLogStore opens (or creates) the log file at path and rebuilds the lid
// directory from it. A torn tail from an earlier crash is truncated away;
// corruption before the tail is reported as a *CorruptionError.
func OpenLogStore(path string, optFns ...func(o *LogStoreOptions)) (*LogStore, error) {
	var opts LogStoreOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("backing: open log: %w", err)
	}

	s := &LogStore{
		path:       path,
		f:          f,
		rc:         opts.ResourceController,
		dir:        make(map[core.Lid]lidInfo),
		docIdLimit: 1,
	}
	if err := s.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *LogStore) load() error {
	st, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("backing: stat log: %w", err)
	}
	size := st.Size()

	if size == 0 {
		if _, err := s.f.WriteAt(encodeFileHeader(), 0); err != nil {
			return fmt.Errorf("backing: write log header: %w", err)
		}
		s.end = fileHeaderSize
		return nil
	}

	var hdr [fileHeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(s.f, 0, fileHeaderSize), hdr[:]); err != nil {
		return &CorruptionError{Offset: 0, Reason: "short file header"}
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:]); magic != logMagic {
		return &CorruptionError{Offset: 0, Reason: fmt.Sprintf("bad magic 0x%x", magic)}
	}
	if version := binary.LittleEndian.Uint32(hdr[4:]); version != logVersion {
		return &CorruptionError{Offset: 4, Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	off := int64(fileHeaderSize)
	for off < size {
		recSize, rec, err := s.readRecordAt(off, size)
		if err != nil {
			if truncErr, ok := err.(*tornTailError); ok {
				// Partial final record from a crash before flush.
				if terr := s.f.Truncate(truncErr.offset); terr != nil {
					return fmt.Errorf("backing: truncate torn tail: %w", terr)
				}
				size = truncErr.offset
				break
			}
			return err
		}
		s.applyLocked(rec, off, recSize)
		off += recSize
	}
	s.end = off
	if s.end > size {
		s.end = size
	}
	// Everything read back was on disk already.
	s.flushedToken = s.lastToken
	return nil
}

// tornTailError marks a partial record at the end of the file.
type tornTailError struct{ offset int64 }

func (e *tornTailError) Error() string {
	return fmt.Sprintf("torn tail at offset %d", e.offset)
}

// readRecordAt reads and verifies one record. fileSize bounds the read so a
// short final record is classified as a torn tail instead of corruption.
func (s *LogStore) readRecordAt(off, fileSize int64) (int64, record, error) {
	if off+recHeaderSize > fileSize {
		return 0, record{}, &tornTailError{offset: off}
	}
	var hdr [recHeaderSize]byte
	if _, err := s.f.ReadAt(hdr[:], off); err != nil {
		return 0, record{}, fmt.Errorf("backing: read record header: %w", err)
	}
	rec, payloadLen, crc := decodeHeader(hdr[:])
	recSize := int64(recHeaderSize) + int64(payloadLen)
	if off+recSize > fileSize {
		return 0, record{}, &tornTailError{offset: off}
	}
	payload := make([]byte, payloadLen)
	if _, err := s.f.ReadAt(payload, off+recHeaderSize); err != nil {
		return 0, record{}, fmt.Errorf("backing: read record payload: %w", err)
	}
	if !verifyRecord(hdr[:], payload, crc) {
		return 0, record{}, &CorruptionError{Offset: off, Reason: "crc mismatch"}
	}
	rec.payload = payload
	return recSize, rec, nil
}

// applyLocked folds one record into the directory and bloat accounting.
func (s *LogStore) applyLocked(rec record, off, recSize int64) {
	if prev, ok := s.dir[rec.lid]; ok {
		s.bloat += prev.size
	}
	if rec.tombstone() {
		s.bloat += recSize
		delete(s.dir, rec.lid)
	} else {
		s.dir[rec.lid] = lidInfo{offset: off, size: recSize, payloadLen: uint32(len(rec.payload))}
	}
	if uint32(rec.lid)+1 > s.docIdLimit {
		s.docIdLimit = uint32(rec.lid) + 1
	}
	if rec.token > s.lastToken {
		s.lastToken = rec.token
	}
}

func (s *LogStore) appendLocked(rec record) error {
	buf := rec.encode(nil)
	if _, err := s.f.WriteAt(buf, s.end); err != nil {
		return fmt.Errorf("backing: append record: %w", err)
	}
	s.applyLocked(rec, s.end, int64(len(buf)))
	s.end += int64(len(buf))
	return nil
}

// Read returns the live payload for lid.
func (s *LogStore) Read(ctx context.Context, lid core.Lid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.dir[lid]
	if !ok {
		return nil, ErrNotFound
	}

	buf := make([]byte, info.size)
	if _, err := s.f.ReadAt(buf, info.offset); err != nil {
		return nil, fmt.Errorf("backing: read lid %d: %w", lid, err)
	}
	stored := binary.LittleEndian.Uint32(buf[17:])
	if !verifyRecord(buf[:recHeaderSize], buf[recHeaderSize:], stored) {
		return nil, &CorruptionError{Offset: info.offset, Reason: "crc mismatch"}
	}
	return buf[recHeaderSize:], nil
}

// Write appends a document record for lid.
func (s *LogStore) Write(ctx context.Context, syncToken core.SyncToken, lid core.Lid, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(record{lid: lid, token: syncToken, payload: data})
}

// Remove appends a tombstone record for lid.
func (s *LogStore) Remove(ctx context.Context, syncToken core.SyncToken, lid core.Lid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(record{lid: lid, token: syncToken, flags: flagRemove})
}

// Flush fsyncs all appended records. Tokens at or below the flushed
// high-water mark are no-ops.
func (s *LogStore) Flush(ctx context.Context, syncToken core.SyncToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if syncToken <= s.flushedToken {
		return nil
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("backing: fsync log: %w", err)
	}
	// The sync covered everything appended so far, which is at least the
	// requested prefix.
	s.flushedToken = s.lastToken
	return nil
}

// CompactBloat rewrites the file keeping live records in file order.
func (s *LogStore) CompactBloat(ctx context.Context, syncToken core.SyncToken) error {
	return s.compact(ctx, false)
}

// CompactSpread rewrites the file in ascending lid order.
func (s *LogStore) CompactSpread(ctx context.Context, syncToken core.SyncToken) error {
	return s.compact(ctx, true)
}

func (s *LogStore) compact(ctx context.Context, orderByLid bool) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	// Phase 1: snapshot the directory and the current end of file.
	s.mu.RLock()
	entries := make([]struct {
		lid  core.Lid
		info lidInfo
	}, 0, len(s.dir))
	for lid, info := range s.dir {
		entries = append(entries, struct {
			lid  core.Lid
			info lidInfo
		}{lid, info})
	}
	snapEnd := s.end
	s.mu.RUnlock()

	if orderByLid {
		sort.Slice(entries, func(i, j int) bool { return entries[i].lid < entries[j].lid })
	} else {
		sort.Slice(entries, func(i, j int) bool { return entries[i].info.offset < entries[j].info.offset })
	}

	// Phase 2: rewrite live records into a temp file, no lock held.
	tmpPath := s.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("backing: create compaction file: %w", err)
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	var w io.Writer = tmp
	if s.rc != nil {
		w = resource.NewRateLimitedWriter(ctx, tmp, s.rc)
	}
	if _, err := w.Write(encodeFileHeader()); err != nil {
		return fmt.Errorf("backing: write compaction header: %w", err)
	}

	newDir := make(map[core.Lid]lidInfo, len(entries))
	newEnd := int64(fileHeaderSize)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := make([]byte, e.info.size)
		if _, err := s.f.ReadAt(buf, e.info.offset); err != nil {
			return fmt.Errorf("backing: compaction read lid %d: %w", e.lid, err)
		}
		stored := binary.LittleEndian.Uint32(buf[17:])
		if !verifyRecord(buf[:recHeaderSize], buf[recHeaderSize:], stored) {
			return &CorruptionError{Offset: e.info.offset, Reason: "crc mismatch during compaction"}
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("backing: compaction write: %w", err)
		}
		newDir[e.lid] = lidInfo{offset: newEnd, size: e.info.size, payloadLen: e.info.payloadLen}
		newEnd += e.info.size
	}

	// Phase 3: take the write lock, replay the tail appended during phase 2,
	// then publish via atomic rename.
	s.mu.Lock()
	defer s.mu.Unlock()

	newBloat := int64(0)
	for off := snapEnd; off < s.end; {
		recSize, rec, rerr := s.readRecordAt(off, s.end)
		if rerr != nil {
			return rerr
		}
		raw := rec.encode(nil)
		if _, werr := tmp.WriteAt(raw, newEnd); werr != nil {
			return fmt.Errorf("backing: compaction tail write: %w", werr)
		}
		if prev, ok := newDir[rec.lid]; ok {
			newBloat += prev.size
		}
		if rec.tombstone() {
			newBloat += recSize
			delete(newDir, rec.lid)
		} else {
			newDir[rec.lid] = lidInfo{offset: newEnd, size: recSize, payloadLen: uint32(len(rec.payload))}
		}
		newEnd += recSize
		off += recSize
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("backing: fsync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return fmt.Errorf("backing: close compaction file: %w", err)
	}
	tmp = nil
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("backing: publish compaction file: %w", err)
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("backing: reopen compacted log: %w", err)
	}
	_ = s.f.Close()
	s.f = f
	s.dir = newDir
	s.end = newEnd
	s.bloat = newBloat
	// The compacted file was fully fsynced before the rename.
	s.flushedToken = s.lastToken
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("backing: open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("backing: fsync dir: %w", err)
	}
	return nil
}

// TruncateLids lowers the doc-id limit. Lids at or above limit must already
// be removed.
func (s *LogStore) TruncateLids(limit core.Lid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for lid := range s.dir {
		if lid >= limit {
			panic(fmt.Sprintf("backing: cannot truncate below live lid %d", lid))
		}
	}
	s.docIdLimit = uint32(limit)
	return nil
}

// LastSyncToken returns the token of the most recently applied mutation.
func (s *LogStore) LastSyncToken() core.SyncToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastToken
}

// LastFlushedToken returns the highest token known durable.
func (s *LogStore) LastFlushedToken() core.SyncToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushedToken
}

// DocIdLimit returns one past the highest lid seen.
func (s *LogStore) DocIdLimit() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docIdLimit
}

// LiveLids returns the set of lids with a live record.
func (s *LogStore) LiveLids() *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := roaring.New()
	for lid := range s.dir {
		live.Add(uint32(lid))
	}
	return live
}

// Stats returns a footprint snapshot. Spread is computed on demand: every
// live record stored out of ascending lid order counts toward it.
func (s *LogStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type ent struct {
		lid    core.Lid
		offset int64
		size   int64
	}
	ents := make([]ent, 0, len(s.dir))
	for lid, info := range s.dir {
		ents = append(ents, ent{lid, info.offset, info.size})
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].offset < ents[j].offset })

	spread := uint64(0)
	for i := 1; i < len(ents); i++ {
		if ents[i].lid < ents[i-1].lid {
			spread += uint64(ents[i].size)
		}
	}

	return Stats{
		DiskFootprint:    uint64(s.end),
		DiskBloat:        uint64(s.bloat),
		MaxSpreadAsBloat: spread,
		MemoryUsed:       uint64(len(s.dir)) * 32,
	}
}

// Close releases the underlying file handle.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
