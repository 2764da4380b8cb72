// Package records defines the binary layout of everything a group persists:
// the records appended to its log, the keys and values of its index, and the
// group directory entries kept per namespace.
package records

import (
	"fmt"

	"groupregistry/internal/schema/types"
)

// RecordType tags a log record.
type RecordType byte

const (
	TypeGroupProperties RecordType = 1
	TypeSchema          RecordType = 2
	TypeValidation      RecordType = 3
	TypeEncoding        RecordType = 4
	TypeCodecType       RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case TypeGroupProperties:
		return "GroupProperties"
	case TypeSchema:
		return "Schema"
	case TypeValidation:
		return "Validation"
	case TypeEncoding:
		return "Encoding"
	case TypeCodecType:
		return "CodecType"
	default:
		return fmt.Sprintf("RecordType(%d)", byte(t))
	}
}

// Record is one entry of a group log.
type Record interface {
	Type() RecordType
	fields() []byte
}

// GroupPropertiesRecord is always the first record of a log.
type GroupPropertiesRecord struct {
	Properties types.GroupProperties
}

// SchemaRecord registers a schema version.
type SchemaRecord struct {
	Schema  types.SchemaInfo
	Version types.VersionInfo
}

// ValidationRecord replaces the validation rules of the group.
type ValidationRecord struct {
	Rules types.SchemaValidationRules
}

// EncodingRecord allocates an encoding id for a (version, codec) pair.
type EncodingRecord struct {
	ID      types.EncodingID
	Version types.VersionInfo
	Codec   types.CodecType
}

// CodecTypeRecord registers a codec with the group.
type CodecTypeRecord struct {
	Codec types.CodecType
}

func (GroupPropertiesRecord) Type() RecordType { return TypeGroupProperties }
func (SchemaRecord) Type() RecordType          { return TypeSchema }
func (ValidationRecord) Type() RecordType      { return TypeValidation }
func (EncodingRecord) Type() RecordType        { return TypeEncoding }
func (CodecTypeRecord) Type() RecordType       { return TypeCodecType }

func (r GroupPropertiesRecord) fields() []byte {
	return appendMessage(nil, 1, encodeProperties(r.Properties))
}

func (r SchemaRecord) fields() []byte {
	b := appendMessage(nil, 1, encodeSchema(r.Schema))
	return appendMessage(b, 2, encodeVersion(r.Version))
}

func (r ValidationRecord) fields() []byte {
	return appendMessage(nil, 1, encodeRules(r.Rules))
}

func (r EncodingRecord) fields() []byte {
	b := appendInt(nil, 1, int64(r.ID))
	b = appendMessage(b, 2, encodeVersion(r.Version))
	return appendMessage(b, 3, encodeCodec(r.Codec))
}

func (r CodecTypeRecord) fields() []byte {
	return appendMessage(nil, 1, encodeCodec(r.Codec))
}

// MarshalRecord encodes r as format byte, type tag, fields.
func MarshalRecord(r Record) []byte {
	return append(header(byte(r.Type())), r.fields()...)
}

// UnmarshalRecord decodes a payload produced by MarshalRecord.
func UnmarshalRecord(b []byte) (Record, error) {
	tag, body, err := splitHeader(b)
	if err != nil {
		return nil, err
	}
	rd := newReader(body)

	var rec Record
	switch RecordType(tag) {
	case TypeGroupProperties:
		var r GroupPropertiesRecord
		for rd.next() {
			switch rd.num {
			case 1:
				rd.message(func(sub *reader) { r.Properties = decodeProperties(sub) })
			default:
				rd.skip()
			}
		}
		rec = r
	case TypeSchema:
		var r SchemaRecord
		for rd.next() {
			switch rd.num {
			case 1:
				rd.message(func(sub *reader) { r.Schema = decodeSchema(sub) })
			case 2:
				rd.message(func(sub *reader) { r.Version = decodeVersion(sub) })
			default:
				rd.skip()
			}
		}
		rec = r
	case TypeValidation:
		var r ValidationRecord
		for rd.next() {
			switch rd.num {
			case 1:
				rd.message(func(sub *reader) { r.Rules = decodeRules(sub) })
			default:
				rd.skip()
			}
		}
		rec = r
	case TypeEncoding:
		r := EncodingRecord{Codec: types.NoCodec}
		for rd.next() {
			switch rd.num {
			case 1:
				r.ID = types.EncodingID(rd.int())
			case 2:
				rd.message(func(sub *reader) { r.Version = decodeVersion(sub) })
			case 3:
				rd.message(func(sub *reader) { r.Codec = decodeCodec(sub) })
			default:
				rd.skip()
			}
		}
		rec = r
	case TypeCodecType:
		r := CodecTypeRecord{Codec: types.NoCodec}
		for rd.next() {
			switch rd.num {
			case 1:
				rd.message(func(sub *reader) { r.Codec = decodeCodec(sub) })
			default:
				rd.skip()
			}
		}
		rec = r
	default:
		return nil, fmt.Errorf("records: unknown record type %d", tag)
	}
	if rd.err != nil {
		return nil, fmt.Errorf("records: decode %s: %w", RecordType(tag), rd.err)
	}
	return rec, nil
}
