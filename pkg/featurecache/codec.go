package featurecache

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"trainableseg/internal/models"
)

// Codec selects the compression of cache files
type Codec uint8

const (
	// CodecNone stores payloads uncompressed
	CodecNone Codec = 0
	// CodecLZ4 uses LZ4 block compression (fast)
	CodecLZ4 Codec = 1
	// CodecZstd uses zstd (better ratio)
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return "none"
	}
}

// ParseCodec maps "none", "lz4" or "zstd" to a Codec. An empty name is zstd.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "none":
		return CodecNone, nil
	}
	return 0, models.NewConfigurationError("unknown cache codec %q", name)
}

const (
	// maxPayloadSize caps the decoded size a cache header may claim
	maxPayloadSize = 1 << 32

	// lz4MaxRatio bounds the expansion of one LZ4 block
	lz4MaxRatio = 255
)

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

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	return dec
}

// compress returns the compressed payload, or nil when compression does
// not shrink it and the payload should be stored raw.
func compress(data []byte, codec Codec) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var out []byte
	switch codec {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		out = buf[:n]
	case CodecZstd:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		out = enc.EncodeAll(data, nil)
	default:
		return nil, nil
	}

	// Incompressible
	if len(out) == 0 || len(out) >= len(data) {
		return nil, nil
	}
	return out, nil
}

// checkSize rejects a claimed decoded size the stored bytes cannot expand to
func checkSize(data []byte, codec Codec, size uint64) error {
	if size > maxPayloadSize {
		return fmt.Errorf("decoded size %d exceeds %d", size, uint64(maxPayloadSize))
	}
	if codec == CodecLZ4 && size > uint64(len(data))*lz4MaxRatio {
		return fmt.Errorf("decoded size %d is out of reach of %d lz4 bytes", size, len(data))
	}
	return nil
}

func decompress(data []byte, codec Codec, size uint64) ([]byte, error) {
	if err := checkSize(data, codec, size); err != nil {
		return nil, err
	}
	switch codec {
	case CodecLZ4:
		result := make([]byte, size)
		n, err := lz4.UncompressBlock(data, result)
		if err != nil {
			return nil, err
		}
		if uint64(n) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return result, nil
	case CodecZstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(data, make([]byte, 0, min(size, uint64(len(data))*lz4MaxRatio)))
		if err != nil {
			return nil, err
		}
		if uint64(len(decoded)) != size {
			return nil, errors.New("decompressed size mismatch")
		}
		return decoded, nil
	default:
		return nil, errors.New("payload is compressed but codec is none")
	}
}
