// Package compress provides block compression for the klog, vlog, and
// B+tree node formats.
//
// Each on-disk block is stored with a 1-byte compression type trailer
// followed by a checksum, so blocks are independently decodable. MinLZ
// blocks above the format's size limit fall back to Snappy, which MinLZ
// decodes transparently.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minlz"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm. The value is persisted in block
// trailers and must not change.
type Type uint8

const (
	// NoCompression stores blocks verbatim.
	NoCompression Type = 0x0

	// SnappyCompression uses Google Snappy.
	SnappyCompression Type = 0x1

	// LZ4Compression uses LZ4 in high-compression mode.
	LZ4Compression Type = 0x2

	// LZ4FastCompression uses LZ4 in fast mode (lower ratio, higher speed).
	LZ4FastCompression Type = 0x3

	// ZstdCompression uses Zstandard.
	ZstdCompression Type = 0x4

	// MinLZCompression uses MinLZ.
	MinLZCompression Type = 0x5
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case LZ4Compression:
		return "LZ4"
	case LZ4FastCompression:
		return "LZ4Fast"
	case ZstdCompression:
		return "Zstd"
	case MinLZCompression:
		return "MinLZ"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// IsSupported reports whether the compression type is implemented.
func (t Type) IsSupported() bool {
	return t <= MinLZCompression
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll on shared codecs are safe for concurrent use.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
}

// Compress compresses data using the specified compression type.
// The input slice is returned unchanged for NoCompression.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Encode(nil, data), nil

	case LZ4Compression:
		return compressLZ4(data, lz4.Level4)

	case LZ4FastCompression:
		return compressLZ4(data, lz4.Fast)

	case ZstdCompression:
		return zstdEncoder.EncodeAll(data, nil), nil

	case MinLZCompression:
		if len(data) > minlz.MaxBlockSize {
			// MinLZ cannot encode blocks this large but decodes Snappy.
			return snappy.Encode(nil, data), nil
		}
		return minlz.Encode(nil, data, minlz.LevelBalanced)

	default:
		return nil, fmt.Errorf("compress: unsupported type %s", t)
	}
}

// Decompress decompresses data that was compressed with type t.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil

	case SnappyCompression:
		return snappy.Decode(nil, data)

	case LZ4Compression, LZ4FastCompression:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)

	case ZstdCompression:
		return zstdDecoder.DecodeAll(data, nil)

	case MinLZCompression:
		return minlz.Decode(nil, data)

	default:
		return nil, fmt.Errorf("compress: unsupported type %s", t)
	}
}

// compressLZ4 compresses data with the LZ4 frame format at the given level.
func compressLZ4(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}
