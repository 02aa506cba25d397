package content

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the on-disk encoding of a block. The numeric values are
// persisted in catalogs and must not change.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Policy selects how new blocks are compressed.
type Policy string

const (
	PolicyAuto Policy = "auto"
	PolicyZstd Policy = "zstd"
	PolicyLZ4  Policy = "lz4"
	PolicyNone Policy = "none"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAuto, PolicyZstd, PolicyLZ4, PolicyNone:
		return Policy(s), nil
	case "":
		return PolicyAuto, nil
	}
	return "", fmt.Errorf("unknown compression policy: %q", s)
}

// minCompressSize is the smallest block worth trying to compress.
const minCompressSize = 64

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("content: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("content: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses data under the policy. Data that does not shrink is
// stored as CodecNone. The returned slice may alias data.
func Encode(data []byte, policy Policy) (Codec, []byte, error) {
	if len(data) < minCompressSize || policy == PolicyNone {
		return CodecNone, data, nil
	}

	var (
		codec Codec
		out   []byte
		err   error
	)
	switch policy {
	case PolicyLZ4:
		codec = CodecLZ4
		out, err = compressLZ4(data)
	case PolicyZstd, PolicyAuto:
		codec = CodecZstd
		out, err = compressZstd(data)
		// auto falls back to lz4 for data zstd cannot shrink
		if errors.Is(err, errIncompressible) && policy == PolicyAuto {
			codec = CodecLZ4
			out, err = compressLZ4(data)
		}
	default:
		return 0, nil, fmt.Errorf("unknown compression policy: %q", policy)
	}
	if errors.Is(err, errIncompressible) {
		return CodecNone, data, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return codec, out, nil
}

// Decode reverses Encode. size is the plaintext length recorded with
// the block and is verified.
func Decode(codec Codec, stored []byte, size int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(stored) != size {
			return nil, fmt.Errorf("raw block: size %d does not match expected %d", len(stored), size)
		}
		return stored, nil
	case CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %d", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
