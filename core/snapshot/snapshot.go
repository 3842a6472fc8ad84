// Package snapshot wraps encoded engine state in a compressed, checksummed
// envelope suitable for files and blobs.
//
// Envelope layout, big-endian:
//
//	magic "MGSN" | version u8 | compression u8 | raw size u32 |
//	blake3-256 of the raw state (32 bytes) | compressed state
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/marginalia/core/codec"
	merrors "github.com/FocuswithJustin/marginalia/core/errors"
)

// Magic opens every snapshot.
const Magic = "MGSN"

// Version is the envelope version written by Encode.
const Version uint8 = 1

// HeaderSize is the size of the fixed envelope header.
const HeaderSize = 4 + 1 + 1 + 4 + 32

// Compression identifies the algorithm applied to the state bytes.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionXZ   Compression = 1
	CompressionZstd Compression = 2
	CompressionLZ4  Compression = 3
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionXZ:
		return "xz"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name. Empty means xz.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xz":
		return CompressionXZ, nil
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return 0, merrors.NewUnsupported("compression", s)
}

// Options configures Encode.
type Options struct {
	Compression Compression
	// Level is the zstd encoder level (1-4); zero means the default.
	Level int
}

// DefaultOptions compresses with xz.
func DefaultOptions() Options {
	return Options{Compression: CompressionXZ}
}

// Header describes an envelope without decompressing it.
type Header struct {
	Version     uint8       `json:"version"`
	Compression Compression `json:"compression"`
	RawSize     uint32      `json:"raw_size"`
	Digest      [32]byte    `json:"-"`
}

// Injectable for tests.
var (
	xzNewWriter = xz.NewWriter
	xzNewReader = xz.NewReader
)

var (
	zstdEncoders sync.Pool
	zstdDecoders sync.Pool
)

// Encode marshals state and wraps it in an envelope.
func Encode(state codec.SaveState, opts Options) ([]byte, error) {
	raw, err := codec.Marshal(state)
	if err != nil {
		return nil, err
	}
	return Wrap(raw, opts)
}

// Decode verifies an envelope and unmarshals the state inside.
func Decode(b []byte) (codec.SaveState, error) {
	raw, err := Unwrap(b)
	if err != nil {
		return codec.SaveState{}, err
	}
	return codec.Unmarshal(raw)
}

// Wrap compresses raw state bytes into an envelope.
func Wrap(raw []byte, opts Options) ([]byte, error) {
	if uint64(len(raw)) > uint64(^uint32(0)) {
		return nil, merrors.NewValidation("state", "state exceeds 4 GiB")
	}
	body, c, err := compress(raw, opts)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, Magic...)
	out = append(out, Version, uint8(c))
	out = binary.BigEndian.AppendUint32(out, uint32(len(raw)))
	digest := blake3.Sum256(raw)
	out = append(out, digest[:]...)
	return append(out, body...), nil
}

// Unwrap verifies an envelope and returns the raw state bytes.
func Unwrap(b []byte) ([]byte, error) {
	h, err := Inspect(b)
	if err != nil {
		return nil, err
	}
	raw, err := decompress(b[HeaderSize:], h)
	if err != nil {
		return nil, err
	}
	if uint32(len(raw)) != h.RawSize {
		return nil, merrors.NewCodec(HeaderSize, "snapshot.body", fmt.Sprintf("decompressed %d bytes, header says %d", len(raw), h.RawSize))
	}
	if blake3.Sum256(raw) != h.Digest {
		return nil, merrors.NewCodec(HeaderSize, "snapshot.body", "checksum mismatch")
	}
	return raw, nil
}

// Inspect reads the envelope header.
func Inspect(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, merrors.NewCodec(len(b), "snapshot.header", "truncated header")
	}
	if string(b[:4]) != Magic {
		return Header{}, merrors.NewCodec(0, "snapshot.magic", fmt.Sprintf("bad magic %q", b[:4]))
	}
	h := Header{
		Version:     b[4],
		Compression: Compression(b[5]),
		RawSize:     binary.BigEndian.Uint32(b[6:10]),
	}
	copy(h.Digest[:], b[10:HeaderSize])
	if h.Version > Version {
		return Header{}, merrors.NewUnsupported("snapshot version", fmt.Sprintf("%d is newer than %d", h.Version, Version))
	}
	if h.Compression > CompressionLZ4 {
		return Header{}, merrors.NewCodec(5, "snapshot.compression", fmt.Sprintf("unknown compression %d", b[5]))
	}
	return h, nil
}

func compress(raw []byte, opts Options) ([]byte, Compression, error) {
	switch opts.Compression {
	case CompressionNone:
		return raw, CompressionNone, nil

	case CompressionXZ:
		var buf bytes.Buffer
		w, err := xzNewWriter(&buf)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create xz writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, 0, fmt.Errorf("failed to write xz stream: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("failed to close xz stream: %w", err)
		}
		return buf.Bytes(), CompressionXZ, nil

	case CompressionZstd:
		enc, err := zstdEncoder(opts.Level)
		if err != nil {
			return nil, 0, err
		}
		out := enc.EncodeAll(raw, nil)
		if opts.Level == 0 {
			zstdEncoders.Put(enc)
		}
		return out, CompressionZstd, nil

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input is stored as is.
			return raw, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	}
	return nil, 0, merrors.NewUnsupported("compression", opts.Compression.String())
}

func decompress(body []byte, h Header) ([]byte, error) {
	switch h.Compression {
	case CompressionNone:
		return body, nil

	case CompressionXZ:
		r, err := xzNewReader(bytes.NewReader(body))
		if err != nil {
			return nil, merrors.NewCodec(HeaderSize, "snapshot.body", fmt.Sprintf("xz: %v", err))
		}
		raw, err := io.ReadAll(io.LimitReader(r, int64(h.RawSize)+1))
		if err != nil {
			return nil, merrors.NewCodec(HeaderSize, "snapshot.body", fmt.Sprintf("xz: %v", err))
		}
		return raw, nil

	case CompressionZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoders.Put(dec)
		raw, err := dec.DecodeAll(body, make([]byte, 0, h.RawSize))
		if err != nil {
			return nil, merrors.NewCodec(HeaderSize, "snapshot.body", fmt.Sprintf("zstd: %v", err))
		}
		return raw, nil

	case CompressionLZ4:
		raw := make([]byte, h.RawSize)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, merrors.NewCodec(HeaderSize, "snapshot.body", fmt.Sprintf("lz4: %v", err))
		}
		return raw[:n], nil
	}
	return nil, merrors.NewCodec(5, "snapshot.compression", "unknown compression")
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	if level == 0 {
		if v := zstdEncoders.Get(); v != nil {
			return v.(*zstd.Encoder), nil
		}
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	if level < int(zstd.SpeedFastest) || level > int(zstd.SpeedBestCompression) {
		return nil, merrors.NewValidation("level", fmt.Sprintf("zstd level %d outside 1-4", level))
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
}

func zstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoders.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}
