package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"groupregistry/internal/schema/types"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("groupregistry "), 200)

	for _, c := range []types.CodecType{
		types.NoCodec,
		types.GZipCodec,
		types.SnappyCodec,
		types.CustomCodec("zstd", nil),
		types.CustomCodec("zstd", map[string]string{"level": "best"}),
	} {
		t.Run(c.String(), func(t *testing.T) {
			impl, err := For(c)
			require.NoError(t, err)

			compressed, err := impl.Compress(payload)
			require.NoError(t, err)
			if c.Kind != types.CodecNone {
				assert.Less(t, len(compressed), len(payload))
			}

			got, err := impl.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestUnknownCodec(t *testing.T) {
	_, err := For(types.CustomCodec("brotli", nil))
	assert.ErrorIs(t, err, types.ErrCodecNotRegistered)

	_, err = For(types.CustomCodec("zstd", map[string]string{"level": "ludicrous"}))
	assert.Error(t, err)
}

func TestFrame(t *testing.T) {
	frame := Frame(258, []byte("abc"))
	assert.Equal(t, []byte{0x0, 0x0, 0x0, 0x1, 0x2, 'a', 'b', 'c'}, frame)

	id, body, err := Unframe(frame)
	require.NoError(t, err)
	assert.Equal(t, types.EncodingID(258), id)
	assert.Equal(t, []byte("abc"), body)

	_, _, err = Unframe([]byte{0x0, 0x1})
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, _, err = Unframe([]byte{0x7, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

type staticResolver struct {
	infos map[types.EncodingID]types.EncodingInfo
}

func (r staticResolver) GetOrGenerateEncodingID(_ context.Context, v types.VersionInfo, c types.CodecType) (types.EncodingID, error) {
	for id, info := range r.infos {
		if info.Version == v && info.Codec.Equal(c) {
			return id, nil
		}
	}
	return 0, types.ErrCodecNotRegistered
}

func (r staticResolver) GetEncodingInfo(_ context.Context, id types.EncodingID) (types.EncodingInfo, error) {
	return r.infos[id], nil
}

func TestSerializer(t *testing.T) {
	v := types.VersionInfo{ObjectType: "user", Version: 1, Ordinal: 3}
	s := NewSerializer(staticResolver{infos: map[types.EncodingID]types.EncodingInfo{
		7: {Version: v, Codec: types.GZipCodec},
	}})
	ctx := context.Background()

	frame, err := s.Encode(ctx, v, types.GZipCodec, []byte("hello"))
	require.NoError(t, err)
	id, _, err := Unframe(frame)
	require.NoError(t, err)
	assert.Equal(t, types.EncodingID(7), id)

	info, payload, err := s.Decode(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, v, info.Version)
	assert.Equal(t, []byte("hello"), payload)

	_, err = s.Encode(ctx, v, types.SnappyCodec, []byte("hello"))
	assert.ErrorIs(t, err, types.ErrCodecNotRegistered)
}

func TestDecodeCorruptBody(t *testing.T) {
	v := types.VersionInfo{ObjectType: "user", Version: 1}
	zstd := types.CustomCodec("zstd", nil)
	s := NewSerializer(staticResolver{infos: map[types.EncodingID]types.EncodingInfo{
		1: {Version: v, Codec: types.GZipCodec},
		2: {Version: v, Codec: types.SnappyCodec},
		3: {Version: v, Codec: zstd},
	}})
	truncated := snappy.Encode(nil, bytes.Repeat([]byte("groupregistry "), 20))
	truncated = truncated[:len(truncated)-3]

	for _, tc := range []struct {
		name  string
		frame []byte
	}{
		{"gzip", Frame(1, []byte("not gzip"))},
		{"snappy truncated", Frame(2, truncated)},
		{"snappy oversized", Frame(2, binary.AppendUvarint(nil, MaxPayloadSize+1))},
		{"zstd", Frame(3, []byte("not zstd"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.Decode(context.Background(), tc.frame)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestGZipDecompressIsBounded(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	chunk := make([]byte, 1<<20)
	for i := 0; i <= MaxPayloadSize>>20; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	impl, err := For(types.GZipCodec)
	require.NoError(t, err)
	_, err = impl.Decompress(buf.Bytes())
	assert.ErrorIs(t, err, errPayloadTooLarge)
}
