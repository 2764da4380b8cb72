package records

import (
	"testing"

	"groupregistry/internal/schema/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleRules() types.SchemaValidationRules {
	till := types.VersionInfo{ObjectType: "user", Version: 1, Ordinal: 3}
	return types.RulesOf(types.Compatibility{Kind: types.BackwardTill, BackwardTill: &till})
}

func TestRecordRoundTrip(t *testing.T) {
	recs := []Record{
		GroupPropertiesRecord{Properties: types.GroupProperties{
			Format:             types.Avro,
			ValidationRules:    sampleRules(),
			AllowMultipleTypes: true,
			EnableEncoding:     true,
			Properties:         map[string]string{"owner": "payments", "tier": "1"},
		}},
		SchemaRecord{
			Schema: types.SchemaInfo{
				Name:       "user",
				Format:     types.CustomFormat("thrift"),
				Data:       []byte{0, 1, 2, 0xff},
				Properties: map[string]string{"k": "v"},
			},
			Version: types.VersionInfo{ObjectType: "user", Version: 2, Ordinal: 7},
		},
		ValidationRecord{Rules: sampleRules()},
		EncodingRecord{
			ID:      42,
			Version: types.VersionInfo{ObjectType: "user", Ordinal: 1},
			Codec:   types.CustomCodec("zstd", map[string]string{"level": "3"}),
		},
		EncodingRecord{Version: types.VersionInfo{ObjectType: "user"}, Codec: types.NoCodec},
		CodecTypeRecord{Codec: types.GZipCodec},
	}

	for _, rec := range recs {
		t.Run(rec.Type().String(), func(t *testing.T) {
			b := MarshalRecord(rec)
			assert.Equal(t, formatV0, b[0])
			assert.Equal(t, byte(rec.Type()), b[1])

			got, err := UnmarshalRecord(b)
			require.NoError(t, err)
			assert.Equal(t, rec, got)
		})
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	rec := SchemaRecord{
		Schema:  types.SchemaInfo{Name: "user", Format: types.JSON, Data: []byte(`{}`)},
		Version: types.VersionInfo{ObjectType: "user", Version: 1, Ordinal: 1},
	}
	b := MarshalRecord(rec)
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)
	b = protowire.AppendTag(b, 16, protowire.BytesType)
	b = protowire.AppendString(b, "added later")

	got, err := UnmarshalRecord(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestMarshalIsDeterministic(t *testing.T) {
	props := map[string]string{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		props[k] = k + k
	}
	rec := CodecTypeRecord{Codec: types.CustomCodec("zstd", props)}
	first := MarshalRecord(rec)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, MarshalRecord(rec))
	}

	k1 := MarshalKey(EncodingInfoKey{Version: types.VersionInfo{ObjectType: "a", Ordinal: 1}, Codec: types.CustomCodec("x", props)})
	k2 := MarshalKey(EncodingInfoKey{Version: types.VersionInfo{ObjectType: "a", Ordinal: 1}, Codec: types.CustomCodec("x", props)})
	assert.Equal(t, k1, k2)

	// the zero codec and NONE are the same key
	assert.Equal(t,
		MarshalKey(EncodingInfoKey{Version: types.VersionInfo{Ordinal: 1}}),
		MarshalKey(EncodingInfoKey{Version: types.VersionInfo{Ordinal: 1}, Codec: types.NoCodec}))
}

func TestUnmarshalRecordErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{name: "empty", in: nil},
		{name: "header only", in: []byte{formatV0}},
		{name: "unknown format", in: []byte{7, byte(TypeSchema)}},
		{name: "unknown type", in: []byte{formatV0, 99}},
		{name: "truncated field", in: []byte{formatV0, byte(TypeSchema), 0x0a, 0x05, 'a'}},
		{name: "wrong wire type", in: []byte{formatV0, byte(TypeEncoding), 0x0a, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalRecord(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	keys := []IndexKey{
		VersionInfoKey{Ordinal: 0},
		VersionInfoKey{Ordinal: 12},
		SchemaFingerprintKey{Fingerprint: 0xdeadbeefcafebabe},
		ValidationPolicyKey{},
		SyncedTillKey{},
		EncodingIDKey{ID: 5},
		EncodingInfoKey{Version: types.VersionInfo{ObjectType: "user", Version: 1, Ordinal: 2}, Codec: types.SnappyCodec},
		LatestSchemaKey{},
		LatestSchemaKey{ObjectType: "user"},
		LatestEncodingIDKey{},
		CodecTypesKey{},
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		b := MarshalKey(k)
		assert.False(t, seen[string(b)], "duplicate encoding for %#v", k)
		seen[string(b)] = true

		got, err := UnmarshalKey(b)
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []IndexValue{
		WALPosition{Position: 0},
		WALPosition{Position: 1 << 40},
		SchemaVersionList{Versions: []types.VersionInfo{
			{ObjectType: "a", Version: 0, Ordinal: 0},
			{ObjectType: "b", Version: 3, Ordinal: 9},
		}},
		EncodingIDValue{ID: 17},
		EncodingInfoValue{Version: types.VersionInfo{ObjectType: "a", Ordinal: 4}, Codec: types.GZipCodec},
		CodecTypeList{Codecs: []types.CodecType{types.GZipCodec, types.CustomCodec("lz4", nil)}},
	}
	for _, v := range values {
		got, err := UnmarshalValue(MarshalValue(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestDecodeValue(t *testing.T) {
	b := MarshalValue(WALPosition{Position: 3})

	pos, err := DecodeValue[WALPosition](b)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos.Position)

	_, err = DecodeValue[EncodingIDValue](b)
	assert.Error(t, err)
}

func TestGroupEntry(t *testing.T) {
	e := GroupEntry{ID: "6f1c8e0e-4c1e-4f7e-9a59-1c2d3e4f5a6b", State: GroupActive}
	got, err := UnmarshalGroupEntry(MarshalGroupEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.Equal(t, "ACTIVE", got.State.String())

	_, err = UnmarshalGroupEntry(MarshalRecord(CodecTypeRecord{}))
	assert.Error(t, err)
}
