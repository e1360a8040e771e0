package docstore

import (
	"errors"

	"github.com/hupe1980/docstore/backing"
)

var (
	// ErrNotFound is returned when a lid does not denote a live document.
	ErrNotFound = backing.ErrNotFound

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("docstore: store is closed")
)

// IsCorruption reports whether err carries a storage-corruption cause.
// Corrupt documents are surfaced, never silently swallowed; during a visit
// the caller decides per document whether corruption is fatal or skippable.
func IsCorruption(err error) bool {
	return backing.IsCorruption(err)
}
