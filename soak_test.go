package docstore

import (
	"context"
	"testing"

	"github.com/hupe1980/docstore/core"
	"github.com/hupe1980/docstore/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Randomized write/overwrite/remove soak against a model map. Deterministic
// seed, so failures reproduce.
func TestStore_RandomizedAgainstModel(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(42)

	s, _ := newTestStore(t, WithAllowVisitCaching(true))
	model := make(map[core.Lid][]byte)
	token := core.SyncToken(1)

	for i := 0; i < 500; i++ {
		switch op := rng.Intn(10); {
		case op < 6: // write (new or overwrite)
			var lid core.Lid
			if len(model) > 0 && rng.Intn(2) == 0 {
				for l := range model {
					lid = l
					break
				}
			} else {
				lid = s.AllocLid()
			}
			doc := rng.Document(64 + rng.Intn(256))
			require.NoError(t, s.Write(ctx, token, lid, doc))
			model[lid] = doc
			token++

		case op < 8: // remove
			for lid := range model {
				require.NoError(t, s.Remove(ctx, token, lid))
				delete(model, lid)
				token++
				break
			}

		case op < 9: // compact
			if rng.Intn(2) == 0 {
				require.NoError(t, s.CompactBloat(ctx, token))
			} else {
				require.NoError(t, s.CompactSpread(ctx, token))
			}

		default: // flush
			require.NoError(t, s.Flush(ctx, token-1))
		}
	}

	for lid, want := range model {
		got, err := s.Read(ctx, lid)
		require.NoError(t, err)
		assert.Equal(t, want, got, "lid %d", lid)
	}

	// A lid never appears both valid and allocatable: allocating must not
	// return a lid the model still holds.
	seen := make(map[core.Lid]bool)
	for i := 0; i < 20; i++ {
		lid := s.AllocLid()
		assert.NotContains(t, model, lid)
		assert.False(t, seen[lid], "alloc returned %d twice without a write", lid)
		seen[lid] = true
		require.NoError(t, s.Write(ctx, token, lid, []byte("fill")))
		token++
	}
}
