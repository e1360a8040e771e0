// Package archive copies backing-store files to object storage after
// compaction. It is an optional collaborator for the maintenance layer; the
// document store core never calls it.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/hupe1980/docstore/core"
	"github.com/hupe1980/docstore/resource"
)

// ErrNotFound is returned when an archived object does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ObjectStore is an abstraction over S3-compatible object storage.
type ObjectStore interface {
	// Put writes an object atomically.
	Put(ctx context.Context, name string, data []byte) error

	// Create opens an object for streaming writes. The object becomes
	// visible on Close; Abort discards it.
	Create(ctx context.Context, name string) (WritableObject, error)

	// Size returns the size of an object, or ErrNotFound.
	Size(ctx context.Context, name string) (int64, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all object names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WritableObject is a streaming upload in progress.
type WritableObject interface {
	io.Writer
	// Close finishes the upload and returns its final error.
	Close() error
	// Abort discards the upload.
	Abort() error
}

// Key names an archived backing file by its flushed token:
// "<base>-<token as 16 hex digits>.log". Hex padding keeps lexical order
// equal to token order, so List returns archives oldest first.
func Key(base string, token core.SyncToken) string {
	return fmt.Sprintf("%s-%016x.log", base, uint64(token))
}

// ParseKey recovers the token from an archive key, or false if the key does
// not follow the naming scheme.
func ParseKey(key string) (core.SyncToken, bool) {
	name := path.Base(key)
	name = strings.TrimSuffix(name, ".log")
	i := strings.LastIndexByte(name, '-')
	if i < 0 || len(name)-i-1 != 16 {
		return 0, false
	}
	token, err := strconv.ParseUint(name[i+1:], 16, 64)
	if err != nil {
		return 0, false
	}
	return core.SyncToken(token), true
}

// Archiver streams backing files into an object store under a stable naming
// scheme and prunes old archives.
type Archiver struct {
	store ObjectStore
	base  string
	rc    *resource.Controller
}

// ArchiverOptions configures an Archiver.
type ArchiverOptions struct {
	// ResourceController, when set, throttles uploads against the shared IO
	// budget. Nil means unlimited.
	ResourceController *resource.Controller
}

// NewArchiver creates an archiver writing objects named "<base>-<token>.log".
func NewArchiver(store ObjectStore, base string, optFns ...func(o *ArchiverOptions)) *Archiver {
	var opts ArchiverOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Archiver{
		store: store,
		base:  base,
		rc:    opts.ResourceController,
	}
}

// Archive uploads the file at filePath as the archive for flushedToken and
// returns the object key. Callers archive after a compaction has flushed, so
// the uploaded bytes are a consistent snapshot.
func (a *Archiver) Archive(ctx context.Context, filePath string, flushedToken core.SyncToken) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("archive: open source: %w", err)
	}
	defer f.Close()

	key := Key(a.base, flushedToken)
	obj, err := a.store.Create(ctx, key)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", key, err)
	}

	var w io.Writer = obj
	if a.rc != nil {
		w = resource.NewRateLimitedWriter(ctx, obj, a.rc)
	}
	if _, err := io.Copy(w, f); err != nil {
		_ = obj.Abort()
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}
	if err := obj.Close(); err != nil {
		return "", fmt.Errorf("archive: finish %s: %w", key, err)
	}
	return key, nil
}

// Prune deletes all but the newest keep archives.
func (a *Archiver) Prune(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}
	names, err := a.store.List(ctx, a.base+"-")
	if err != nil {
		return fmt.Errorf("archive: list: %w", err)
	}

	// Keys sort oldest first; keep the tail.
	sort.Strings(names)
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := a.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("archive: delete %s: %w", name, err)
		}
	}
	return nil
}

// Latest returns the key and token of the newest archive, or ErrNotFound.
func (a *Archiver) Latest(ctx context.Context) (string, core.SyncToken, error) {
	names, err := a.store.List(ctx, a.base+"-")
	if err != nil {
		return "", 0, fmt.Errorf("archive: list: %w", err)
	}
	sort.Strings(names)
	for i := len(names) - 1; i >= 0; i-- {
		if token, ok := ParseKey(names[i]); ok {
			return names[i], token, nil
		}
	}
	return "", 0, ErrNotFound
}
