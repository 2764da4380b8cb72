// Package codec compresses payloads and frames them with the encoding id
// that tells a reader which schema version and codec produced them.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"groupregistry/internal/schema/types"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// MaxPayloadSize bounds the decompressed size of a single payload.
const MaxPayloadSize = 64 << 20

var errPayloadTooLarge = fmt.Errorf("decompressed payload exceeds %d bytes", MaxPayloadSize)

// Codec compresses and decompresses payloads.
type Codec interface {
	Type() types.CodecType
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// For returns the codec implementing c. The only custom codec is "zstd".
func For(c types.CodecType) (Codec, error) {
	c = c.Normalize()
	switch c.Kind {
	case types.CodecNone:
		return none{}, nil
	case types.CodecGZip:
		return gzipCodec{}, nil
	case types.CodecSnappy:
		return snappyCodec{}, nil
	case types.CodecCustom:
		if c.Name == "zstd" {
			return newZstd(c)
		}
	}
	return nil, fmt.Errorf("%w: no implementation for %s", types.ErrCodecNotRegistered, c)
}

type none struct{}

func (none) Type() types.CodecType                 { return types.NoCodec }
func (none) Compress(src []byte) ([]byte, error)   { return src, nil }
func (none) Decompress(src []byte) ([]byte, error) { return src, nil }

type gzipCodec struct{}

func (gzipCodec) Type() types.CodecType { return types.GZipCodec }

func (gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxPayloadSize {
		return nil, errPayloadTooLarge
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Type() types.CodecType { return types.SnappyCodec }

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > MaxPayloadSize {
		return nil, errPayloadTooLarge
	}
	return snappy.Decode(nil, src)
}

// zstdCodec honors a "level" property: fastest, default, better or best.
type zstdCodec struct {
	typ   types.CodecType
	level zstd.EncoderLevel
}

func newZstd(c types.CodecType) (Codec, error) {
	level := zstd.SpeedDefault
	if name, ok := c.Properties["level"]; ok {
		ok, l := zstd.EncoderLevelFromString(name)
		if !ok {
			return nil, fmt.Errorf("zstd: unknown level %q", name)
		}
		level = l
	}
	return zstdCodec{typ: c, level: level}, nil
}

func (z zstdCodec) Type() types.CodecType { return z.typ }

func (z zstdCodec) Compress(src []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(z.level))
	if err != nil {
		return nil, err
	}
	defer w.Close() //nolint:errcheck
	return w.EncodeAll(src, nil), nil
}

func (zstdCodec) Decompress(src []byte) ([]byte, error) {
	r, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.DecodeAll(src, nil)
}
