package docstore

import (
	"context"

	"github.com/hupe1980/docstore/codec"
	"github.com/hupe1980/docstore/core"
)

// codecFor returns the configured codec.
func (s *Store) codecFor() codec.Codec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts.codec
}

// WriteDocument encodes v with the configured codec and writes it at lid.
func (s *Store) WriteDocument(ctx context.Context, syncToken core.SyncToken, lid core.Lid, v any) error {
	data, err := s.codecFor().Marshal(v)
	if err != nil {
		return err
	}
	return s.Write(ctx, syncToken, lid, data)
}

// ReadDocument reads the document at lid and decodes it into v.
func (s *Store) ReadDocument(ctx context.Context, lid core.Lid, v any) error {
	data, err := s.Read(ctx, lid)
	if err != nil {
		return err
	}
	return s.codecFor().Unmarshal(data, v)
}
