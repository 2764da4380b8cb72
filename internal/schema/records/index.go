package records

import (
	"fmt"

	"groupregistry/internal/schema/types"
)

// KeyType tags an index key.
type KeyType byte

const (
	KeyVersionInfo       KeyType = 1
	KeySchemaFingerprint KeyType = 2
	KeyValidationPolicy  KeyType = 3
	KeySyncedTill        KeyType = 4
	KeyEncodingID        KeyType = 5
	KeyEncodingInfo      KeyType = 6
	KeyLatestSchema      KeyType = 7
	KeyLatestEncodingID  KeyType = 8
	KeyCodecTypes        KeyType = 9
)

// IndexKey is a key of a group index.
type IndexKey interface {
	KeyType() KeyType
	fields() []byte
}

// VersionInfoKey maps an ordinal to the log position of its SchemaRecord.
type VersionInfoKey struct{ Ordinal int }

// SchemaFingerprintKey maps a content fingerprint to the versions sharing it.
type SchemaFingerprintKey struct{ Fingerprint uint64 }

// ValidationPolicyKey points at the record holding the current rules.
type ValidationPolicyKey struct{}

// SyncedTillKey holds the next log position the index has not applied.
type SyncedTillKey struct{}

// EncodingIDKey maps an encoding id to its (version, codec).
type EncodingIDKey struct{ ID types.EncodingID }

// EncodingInfoKey maps a (version, codec) to its encoding id.
type EncodingInfoKey struct {
	Version types.VersionInfo
	Codec   types.CodecType
}

// LatestSchemaKey points at the newest SchemaRecord of ObjectType, or of the
// whole group when ObjectType is empty.
type LatestSchemaKey struct{ ObjectType string }

type LatestEncodingIDKey struct{}

type CodecTypesKey struct{}

func (VersionInfoKey) KeyType() KeyType       { return KeyVersionInfo }
func (SchemaFingerprintKey) KeyType() KeyType { return KeySchemaFingerprint }
func (ValidationPolicyKey) KeyType() KeyType  { return KeyValidationPolicy }
func (SyncedTillKey) KeyType() KeyType        { return KeySyncedTill }
func (EncodingIDKey) KeyType() KeyType        { return KeyEncodingID }
func (EncodingInfoKey) KeyType() KeyType      { return KeyEncodingInfo }
func (LatestSchemaKey) KeyType() KeyType      { return KeyLatestSchema }
func (LatestEncodingIDKey) KeyType() KeyType  { return KeyLatestEncodingID }
func (CodecTypesKey) KeyType() KeyType        { return KeyCodecTypes }

func (k VersionInfoKey) fields() []byte       { return appendInt(nil, 1, int64(k.Ordinal)) }
func (k SchemaFingerprintKey) fields() []byte { return appendUint(nil, 1, k.Fingerprint) }
func (ValidationPolicyKey) fields() []byte    { return nil }
func (SyncedTillKey) fields() []byte          { return nil }
func (k EncodingIDKey) fields() []byte        { return appendInt(nil, 1, int64(k.ID)) }
func (k LatestSchemaKey) fields() []byte      { return appendString(nil, 1, k.ObjectType) }
func (LatestEncodingIDKey) fields() []byte    { return nil }
func (CodecTypesKey) fields() []byte          { return nil }

func (k EncodingInfoKey) fields() []byte {
	b := appendMessage(nil, 1, encodeVersion(k.Version))
	return appendMessage(b, 2, encodeCodec(k.Codec))
}

// MarshalKey encodes k. Equal keys always encode to equal bytes.
func MarshalKey(k IndexKey) []byte {
	return append(header(byte(k.KeyType())), k.fields()...)
}

// UnmarshalKey decodes a key produced by MarshalKey.
func UnmarshalKey(b []byte) (IndexKey, error) {
	tag, body, err := splitHeader(b)
	if err != nil {
		return nil, err
	}
	rd := newReader(body)

	var key IndexKey
	switch KeyType(tag) {
	case KeyVersionInfo:
		var k VersionInfoKey
		for rd.next() {
			if rd.num == 1 {
				k.Ordinal = int(rd.int())
			} else {
				rd.skip()
			}
		}
		key = k
	case KeySchemaFingerprint:
		var k SchemaFingerprintKey
		for rd.next() {
			if rd.num == 1 {
				k.Fingerprint = rd.uint()
			} else {
				rd.skip()
			}
		}
		key = k
	case KeyEncodingID:
		var k EncodingIDKey
		for rd.next() {
			if rd.num == 1 {
				k.ID = types.EncodingID(rd.int())
			} else {
				rd.skip()
			}
		}
		key = k
	case KeyEncodingInfo:
		k := EncodingInfoKey{Codec: types.NoCodec}
		for rd.next() {
			switch rd.num {
			case 1:
				rd.message(func(sub *reader) { k.Version = decodeVersion(sub) })
			case 2:
				rd.message(func(sub *reader) { k.Codec = decodeCodec(sub) })
			default:
				rd.skip()
			}
		}
		key = k
	case KeyLatestSchema:
		var k LatestSchemaKey
		for rd.next() {
			if rd.num == 1 {
				k.ObjectType = rd.string()
			} else {
				rd.skip()
			}
		}
		key = k
	case KeyValidationPolicy:
		key = ValidationPolicyKey{}
	case KeySyncedTill:
		key = SyncedTillKey{}
	case KeyLatestEncodingID:
		key = LatestEncodingIDKey{}
	case KeyCodecTypes:
		key = CodecTypesKey{}
	default:
		return nil, fmt.Errorf("records: unknown key type %d", tag)
	}
	if rd.err != nil {
		return nil, fmt.Errorf("records: decode key %d: %w", tag, rd.err)
	}
	return key, nil
}

// ValueType tags an index value.
type ValueType byte

const (
	ValueWALPosition       ValueType = 1
	ValueSchemaVersionList ValueType = 2
	ValueEncodingID        ValueType = 3
	ValueEncodingInfo      ValueType = 4
	ValueCodecTypeList     ValueType = 5
)

// IndexValue is a value of a group index.
type IndexValue interface {
	ValueType() ValueType
	fields() []byte
}

// WALPosition is a position in a group log.
type WALPosition struct{ Position int64 }

type SchemaVersionList struct{ Versions []types.VersionInfo }

type EncodingIDValue struct{ ID types.EncodingID }

type EncodingInfoValue struct {
	Version types.VersionInfo
	Codec   types.CodecType
}

type CodecTypeList struct{ Codecs []types.CodecType }

func (WALPosition) ValueType() ValueType       { return ValueWALPosition }
func (SchemaVersionList) ValueType() ValueType { return ValueSchemaVersionList }
func (EncodingIDValue) ValueType() ValueType   { return ValueEncodingID }
func (EncodingInfoValue) ValueType() ValueType { return ValueEncodingInfo }
func (CodecTypeList) ValueType() ValueType     { return ValueCodecTypeList }

func (v WALPosition) fields() []byte     { return appendInt(nil, 1, v.Position) }
func (v EncodingIDValue) fields() []byte { return appendInt(nil, 1, int64(v.ID)) }

func (v SchemaVersionList) fields() []byte {
	var b []byte
	for _, ver := range v.Versions {
		b = appendMessage(b, 1, encodeVersion(ver))
	}
	return b
}

func (v EncodingInfoValue) fields() []byte {
	b := appendMessage(nil, 1, encodeVersion(v.Version))
	return appendMessage(b, 2, encodeCodec(v.Codec))
}

func (v CodecTypeList) fields() []byte {
	var b []byte
	for _, c := range v.Codecs {
		b = appendMessage(b, 1, encodeCodec(c))
	}
	return b
}

func MarshalValue(v IndexValue) []byte {
	return append(header(byte(v.ValueType())), v.fields()...)
}

func UnmarshalValue(b []byte) (IndexValue, error) {
	tag, body, err := splitHeader(b)
	if err != nil {
		return nil, err
	}
	rd := newReader(body)

	var val IndexValue
	switch ValueType(tag) {
	case ValueWALPosition:
		var v WALPosition
		for rd.next() {
			if rd.num == 1 {
				v.Position = rd.int()
			} else {
				rd.skip()
			}
		}
		val = v
	case ValueSchemaVersionList:
		var v SchemaVersionList
		for rd.next() {
			if rd.num == 1 {
				rd.message(func(sub *reader) { v.Versions = append(v.Versions, decodeVersion(sub)) })
			} else {
				rd.skip()
			}
		}
		val = v
	case ValueEncodingID:
		var v EncodingIDValue
		for rd.next() {
			if rd.num == 1 {
				v.ID = types.EncodingID(rd.int())
			} else {
				rd.skip()
			}
		}
		val = v
	case ValueEncodingInfo:
		v := EncodingInfoValue{Codec: types.NoCodec}
		for rd.next() {
			switch rd.num {
			case 1:
				rd.message(func(sub *reader) { v.Version = decodeVersion(sub) })
			case 2:
				rd.message(func(sub *reader) { v.Codec = decodeCodec(sub) })
			default:
				rd.skip()
			}
		}
		val = v
	case ValueCodecTypeList:
		var v CodecTypeList
		for rd.next() {
			if rd.num == 1 {
				rd.message(func(sub *reader) { v.Codecs = append(v.Codecs, decodeCodec(sub)) })
			} else {
				rd.skip()
			}
		}
		val = v
	default:
		return nil, fmt.Errorf("records: unknown value type %d", tag)
	}
	if rd.err != nil {
		return nil, fmt.Errorf("records: decode value %d: %w", tag, rd.err)
	}
	return val, nil
}

// DecodeValue unmarshals b and asserts it holds a T.
func DecodeValue[T IndexValue](b []byte) (T, error) {
	var zero T
	v, err := UnmarshalValue(b)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("records: value type %d, want %d", v.ValueType(), zero.ValueType())
	}
	return t, nil
}
