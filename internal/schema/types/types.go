package types

import (
	"bytes"
	"fmt"
	"maps"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// SerializationFormat names the format schemas in a group are written in
type SerializationFormat string

const (
	// JSON represents JSON Schema format
	JSON SerializationFormat = "JSON"
	// Avro represents Avro format
	Avro SerializationFormat = "AVRO"
	// Protobuf represents Protocol Buffers format
	Protobuf SerializationFormat = "PROTOBUF"
	// Any accepts schemas of every format into a group
	Any SerializationFormat = "ANY"

	customPrefix = "CUSTOM:"
)

// CustomFormat returns a user-defined format. Groups using it need a
// compatibility oracle registered under the same format.
func CustomFormat(name string) SerializationFormat {
	return SerializationFormat(customPrefix + name)
}

// IsCustom reports whether f was built by CustomFormat.
func (f SerializationFormat) IsCustom() bool {
	return strings.HasPrefix(string(f), customPrefix)
}

// CustomName returns the user-defined name of a custom format.
func (f SerializationFormat) CustomName() string {
	return strings.TrimPrefix(string(f), customPrefix)
}

// ParseFormat accepts the names used on the wire, case-insensitively.
func ParseFormat(s string) (SerializationFormat, error) {
	if len(s) > len(customPrefix) && strings.EqualFold(s[:len(customPrefix)], customPrefix) {
		return CustomFormat(s[len(customPrefix):]), nil
	}
	switch f := SerializationFormat(strings.ToUpper(s)); f {
	case JSON, Avro, Protobuf, Any:
		return f, nil
	case "":
		return "", fmt.Errorf("empty serialization format")
	default:
		return "", fmt.Errorf("unknown serialization format %q", s)
	}
}

// SchemaInfo is an immutable schema together with the object type it describes
type SchemaInfo struct {
	Name       string              `json:"name"`
	Format     SerializationFormat `json:"format"`
	Data       []byte              `json:"data"`
	Properties map[string]string   `json:"properties,omitempty"`
}

// Fingerprint is the 64-bit content hash used to deduplicate registrations
func (s SchemaInfo) Fingerprint() uint64 {
	return xxhash.Sum64(s.Data)
}

// SameContent reports whether two schemas describe the same type with identical bytes
func (s SchemaInfo) SameContent(o SchemaInfo) bool {
	return s.Name == o.Name && s.Format == o.Format && bytes.Equal(s.Data, o.Data)
}

// VersionInfo locates a schema within a group. Ordinal is the group-wide
// registration order; Version counts registrations within ObjectType.
type VersionInfo struct {
	ObjectType string `json:"type"`
	Version    int    `json:"version"`
	Ordinal    int    `json:"ordinal"`
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s/v%d#%d", v.ObjectType, v.Version, v.Ordinal)
}

// SchemaWithVersion pairs a stored schema with its version
type SchemaWithVersion struct {
	Schema  SchemaInfo  `json:"schemaInfo"`
	Version VersionInfo `json:"version"`
}

// GroupProperties are fixed at group creation, except for the validation rules
type GroupProperties struct {
	Format             SerializationFormat   `json:"serializationFormat"`
	ValidationRules    SchemaValidationRules `json:"schemaValidationRules"`
	AllowMultipleTypes bool                  `json:"allowMultipleTypes"`
	EnableEncoding     bool                  `json:"enableEncoding"`
	Properties         map[string]string     `json:"properties,omitempty"`
}

// SchemaEvolution is one entry of a group's history: a schema and the rules
// that were in effect when it was registered
type SchemaEvolution struct {
	Schema  SchemaInfo            `json:"schemaInfo"`
	Version VersionInfo           `json:"version"`
	Rules   SchemaValidationRules `json:"rules"`
}

// CodecKind identifies a compression codec
type CodecKind string

const (
	CodecNone   CodecKind = "NONE"
	CodecGZip   CodecKind = "GZIP"
	CodecSnappy CodecKind = "SNAPPY"
	CodecCustom CodecKind = "CUSTOM"
)

// CodecType describes how payloads are compressed. Name and Properties only
// apply to custom codecs.
type CodecType struct {
	Kind       CodecKind         `json:"kind"`
	Name       string            `json:"name,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

var (
	NoCodec     = CodecType{Kind: CodecNone}
	GZipCodec   = CodecType{Kind: CodecGZip}
	SnappyCodec = CodecType{Kind: CodecSnappy}
)

// CustomCodec returns a user-defined codec type.
func CustomCodec(name string, properties map[string]string) CodecType {
	return CodecType{Kind: CodecCustom, Name: name, Properties: properties}
}

// Normalize maps the zero value to NoCodec.
func (c CodecType) Normalize() CodecType {
	if c.Kind == "" {
		return NoCodec
	}
	return c
}

// Equal compares codec types field by field.
func (c CodecType) Equal(o CodecType) bool {
	c, o = c.Normalize(), o.Normalize()
	return c.Kind == o.Kind && c.Name == o.Name && maps.Equal(c.Properties, o.Properties)
}

func (c CodecType) String() string {
	if c.Kind == CodecCustom {
		return string(c.Kind) + ":" + c.Name
	}
	return string(c.Normalize().Kind)
}

// EncodingID is the compact per-group identifier of a (version, codec) pair
type EncodingID int32

// EncodingInfo is everything a reader needs to decode a payload tagged with an EncodingID
type EncodingInfo struct {
	Version VersionInfo `json:"version"`
	Schema  SchemaInfo  `json:"schemaInfo"`
	Codec   CodecType   `json:"codecType"`
}

// SchemaFormat is the per-format compatibility oracle
type SchemaFormat interface {
	// Validate checks that schema parses in this format
	Validate(schema []byte) error
	// CanRead returns nil when data written with writer can be read with
	// reader. Incompatibility is reported as an error matching ErrCannotRead.
	CanRead(writer, reader []byte) error
}
