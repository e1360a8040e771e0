package docstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionRoundtrip(t *testing.T) {
	// Repetitive content so LZ4 and Zstd actually compress.
	doc := bytes.Repeat([]byte("the quick brown fox "), 100)

	for _, tt := range []struct {
		name string
		typ  CompressionType
	}{
		{name: "none", typ: CompressionNone},
		{name: "lz4", typ: CompressionLZ4},
		{name: "zstd", typ: CompressionZstd},
	} {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := compressPayload(doc, tt.typ)
			require.NoError(t, err)

			if tt.typ != CompressionNone {
				assert.Less(t, len(stored), len(doc))
			}

			got, err := decompressPayload(stored)
			require.NoError(t, err)
			assert.Equal(t, doc, got)
		})
	}
}

func TestCompressionIncompressibleFallsBackToStored(t *testing.T) {
	// High-entropy bytes defeat block compression; storage must fall back
	// rather than inflate.
	doc := make([]byte, 256)
	for i := range doc {
		doc[i] = byte(i*7 + 13)
	}

	stored, err := compressPayload(doc, CompressionLZ4)
	require.NoError(t, err)
	assert.Equal(t, uint8(CompressionNone), stored[0])

	got, err := decompressPayload(stored)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestCompressionEmptyDocument(t *testing.T) {
	for _, typ := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZstd} {
		stored, err := compressPayload(nil, typ)
		require.NoError(t, err)
		got, err := decompressPayload(stored)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestDecompressRejectsMalformedPayload(t *testing.T) {
	_, err := decompressPayload([]byte{0x01})
	assert.Error(t, err)

	// Unknown algorithm byte.
	_, err = decompressPayload([]byte{0xFF, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestCompressionTypeString(t *testing.T) {
	assert.Equal(t, "none", CompressionNone.String())
	assert.Equal(t, "lz4", CompressionLZ4.String())
	assert.Equal(t, "zstd", CompressionZstd.String())
}
