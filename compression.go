package docstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the algorithm applied to document payloads before
// they reach the backing store.
type CompressionType uint8

const (
	// CompressionNone stores documents uncompressed.
	CompressionNone CompressionType = 0
	// CompressionLZ4 uses LZ4 block compression (fast, good for hot data).
	CompressionLZ4 CompressionType = 1
	// CompressionZstd uses Zstandard block compression (better ratio, good
	// for cold data).
	CompressionZstd CompressionType = 2
)

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ZSTD encoder/decoder pools for efficiency
var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Stored payload format: [type uint8][uncompressedSize uint32][data...]
//
// The type prefix makes every stored document self-describing, so documents
// written before a Reconfigure that changed the compression setting stay
// readable.
const payloadHeaderSize = 5

// compressPayload wraps data for storage. Incompressible data (ratio above
// 0.9) falls back to CompressionNone.
func compressPayload(data []byte, compressionType CompressionType) ([]byte, error) {
	var compressed []byte
	var err error

	switch compressionType {
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed = compressZstd(data)
	case CompressionNone:
	default:
		return nil, fmt.Errorf("docstore: unknown compression type %d", compressionType)
	}
	if err != nil {
		return nil, err
	}

	if compressed == nil || float64(len(compressed)) > float64(len(data))*0.9 {
		result := make([]byte, payloadHeaderSize+len(data))
		result[0] = uint8(CompressionNone)
		binary.LittleEndian.PutUint32(result[1:], uint32(len(data)))
		copy(result[payloadHeaderSize:], data)
		return result, nil
	}

	result := make([]byte, payloadHeaderSize+len(compressed))
	result[0] = uint8(compressionType)
	binary.LittleEndian.PutUint32(result[1:], uint32(len(data)))
	copy(result[payloadHeaderSize:], compressed)
	return result, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // Incompressible
	}
	return compressed[:n], nil
}

func compressZstd(data []byte) []byte {
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)
	return enc.EncodeAll(data, nil)
}

// decompressPayload unwraps a stored payload. The algorithm is taken from
// the payload's own type prefix, not from the current configuration.
func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < payloadHeaderSize {
		return nil, fmt.Errorf("docstore: payload too small for header")
	}
	compressionType := CompressionType(data[0])
	uncompressedSize := binary.LittleEndian.Uint32(data[1:])
	body := data[payloadHeaderSize:]

	switch compressionType {
	case CompressionNone:
		if uint32(len(body)) != uncompressedSize {
			return nil, fmt.Errorf("docstore: stored size mismatch: header %d, body %d", uncompressedSize, len(body))
		}
		return body, nil

	case CompressionLZ4:
		result := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(body, result)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressedSize {
			return nil, fmt.Errorf("docstore: decompressed size mismatch: header %d, got %d", uncompressedSize, n)
		}
		return result, nil

	case CompressionZstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		decoded, err := dec.DecodeAll(body, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, fmt.Errorf("docstore: decompressed size mismatch: header %d, got %d", uncompressedSize, len(decoded))
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("docstore: unknown compression type %d", compressionType)
	}
}
