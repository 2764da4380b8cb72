package codec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"groupregistry/internal/schema/types"
)

const (
	MagicByte  = 0x0
	headerSize = 5
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame prefixes payload with the magic byte and the big-endian encoding id.
func Frame(id types.EncodingID, payload []byte) []byte {
	out := make([]byte, headerSize, headerSize+len(payload))
	out[0] = MagicByte
	binary.BigEndian.PutUint32(out[1:], uint32(id))
	return append(out, payload...)
}

// Unframe splits a frame produced by Frame.
func Unframe(data []byte) (types.EncodingID, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	if data[0] != MagicByte {
		return 0, nil, fmt.Errorf("%w: magic byte %#x", ErrMalformedFrame, data[0])
	}
	return types.EncodingID(binary.BigEndian.Uint32(data[1:headerSize])), data[headerSize:], nil
}

// Resolver maps (version, codec) pairs to encoding ids and back.
type Resolver interface {
	GetOrGenerateEncodingID(ctx context.Context, version types.VersionInfo, codec types.CodecType) (types.EncodingID, error)
	GetEncodingInfo(ctx context.Context, id types.EncodingID) (types.EncodingInfo, error)
}

// Serializer compresses and frames payloads of one group.
type Serializer struct {
	resolver Resolver
}

func NewSerializer(r Resolver) *Serializer {
	return &Serializer{resolver: r}
}

// Encode compresses payload, already serialized with version, using c.
func (s *Serializer) Encode(ctx context.Context, version types.VersionInfo, c types.CodecType, payload []byte) ([]byte, error) {
	impl, err := For(c)
	if err != nil {
		return nil, err
	}
	id, err := s.resolver.GetOrGenerateEncodingID(ctx, version, impl.Type())
	if err != nil {
		return nil, fmt.Errorf("resolve encoding id: %w", err)
	}
	compressed, err := impl.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("compress with %s: %w", impl.Type(), err)
	}
	return Frame(id, compressed), nil
}

// Decode returns the payload of a frame and the encoding it was written with.
func (s *Serializer) Decode(ctx context.Context, data []byte) (types.EncodingInfo, []byte, error) {
	id, body, err := Unframe(data)
	if err != nil {
		return types.EncodingInfo{}, nil, err
	}
	info, err := s.resolver.GetEncodingInfo(ctx, id)
	if err != nil {
		return types.EncodingInfo{}, nil, fmt.Errorf("resolve encoding %d: %w", id, err)
	}
	impl, err := For(info.Codec)
	if err != nil {
		return types.EncodingInfo{}, nil, err
	}
	payload, err := impl.Decompress(body)
	if err != nil {
		return types.EncodingInfo{}, nil, fmt.Errorf("%w: decompress with %s: %v", ErrMalformedFrame, info.Codec, err)
	}
	return info, payload, nil
}
