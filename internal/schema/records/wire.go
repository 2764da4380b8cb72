package records

import (
	"fmt"
	"sort"

	"groupregistry/internal/schema/types"

	"google.golang.org/protobuf/encoding/protowire"
)

// formatV0 is the only payload layout so far. Fields within a payload may be
// added freely: readers skip field numbers they do not know.
const formatV0 byte = 0

func header(tag byte) []byte {
	return []byte{formatV0, tag}
}

func splitHeader(b []byte) (byte, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("records: payload of %d bytes is too short", len(b))
	}
	if b[0] != formatV0 {
		return 0, nil, fmt.Errorf("records: unsupported format %d", b[0])
	}
	return b[1], b[2:], nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// appendMessage writes a nested message, even when empty.
func appendMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// appendStringMap writes one entry message per key in sorted order so equal
// maps always encode to equal bytes.
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var e []byte
		e = appendString(e, 1, k)
		e = appendString(e, 2, m[k])
		b = appendMessage(b, num, e)
	}
	return b
}

// reader walks the fields of one message.
type reader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return false
	}
	r.num, r.typ, r.b = num, typ, r.b[n:]
	return true
}

func (r *reader) fail(n int) {
	if r.err == nil {
		r.err = fmt.Errorf("records: field %d: %w", r.num, protowire.ParseError(n))
	}
	r.b = nil
}

func (r *reader) expect(typ protowire.Type) bool {
	if r.typ != typ {
		if r.err == nil {
			r.err = fmt.Errorf("records: field %d has wire type %d, want %d", r.num, r.typ, typ)
		}
		r.b = nil
		return false
	}
	return true
}

func (r *reader) uint() uint64 {
	if !r.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) int() int64 {
	return protowire.DecodeZigZag(r.uint())
}

func (r *reader) bool() bool {
	return r.uint() != 0
}

func (r *reader) bytes() []byte {
	if !r.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(n)
		return nil
	}
	r.b = r.b[n:]
	return append([]byte(nil), v...)
}

func (r *reader) string() string {
	return string(r.bytes())
}

func (r *reader) skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	if n < 0 {
		r.fail(n)
		return
	}
	r.b = r.b[n:]
}

// message decodes a nested message with fn and folds its error into r.
func (r *reader) message(fn func(*reader)) {
	sub := newReader(r.bytes())
	if r.err != nil {
		return
	}
	fn(sub)
	if sub.err != nil && r.err == nil {
		r.err = sub.err
	}
}

func (r *reader) stringMapEntry(m map[string]string) map[string]string {
	var k, v string
	r.message(func(e *reader) {
		for e.next() {
			switch e.num {
			case 1:
				k = e.string()
			case 2:
				v = e.string()
			default:
				e.skip()
			}
		}
	})
	if m == nil {
		m = make(map[string]string)
	}
	m[k] = v
	return m
}

func encodeVersion(v types.VersionInfo) []byte {
	var b []byte
	b = appendString(b, 1, v.ObjectType)
	b = appendInt(b, 2, int64(v.Version))
	b = appendInt(b, 3, int64(v.Ordinal))
	return b
}

func decodeVersion(r *reader) (v types.VersionInfo) {
	for r.next() {
		switch r.num {
		case 1:
			v.ObjectType = r.string()
		case 2:
			v.Version = int(r.int())
		case 3:
			v.Ordinal = int(r.int())
		default:
			r.skip()
		}
	}
	return v
}

func encodeSchema(s types.SchemaInfo) []byte {
	var b []byte
	b = appendString(b, 1, s.Name)
	b = appendString(b, 2, string(s.Format))
	b = appendBytes(b, 3, s.Data)
	b = appendStringMap(b, 4, s.Properties)
	return b
}

func decodeSchema(r *reader) (s types.SchemaInfo) {
	for r.next() {
		switch r.num {
		case 1:
			s.Name = r.string()
		case 2:
			s.Format = types.SerializationFormat(r.string())
		case 3:
			s.Data = r.bytes()
		case 4:
			s.Properties = r.stringMapEntry(s.Properties)
		default:
			r.skip()
		}
	}
	return s
}

func encodeCompatibility(c types.Compatibility) []byte {
	var b []byte
	b = appendString(b, 1, string(c.Kind))
	if c.BackwardTill != nil {
		b = appendMessage(b, 2, encodeVersion(*c.BackwardTill))
	}
	if c.ForwardTill != nil {
		b = appendMessage(b, 3, encodeVersion(*c.ForwardTill))
	}
	return b
}

func decodeCompatibility(r *reader) (c types.Compatibility) {
	for r.next() {
		switch r.num {
		case 1:
			c.Kind = types.CompatibilityKind(r.string())
		case 2:
			r.message(func(sub *reader) {
				v := decodeVersion(sub)
				c.BackwardTill = &v
			})
		case 3:
			r.message(func(sub *reader) {
				v := decodeVersion(sub)
				c.ForwardTill = &v
			})
		default:
			r.skip()
		}
	}
	return c
}

func encodeRules(rules types.SchemaValidationRules) []byte {
	names := make([]string, 0, len(rules.Rules))
	for name := range rules.Rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var b []byte
	for _, name := range names {
		var e []byte
		e = appendString(e, 1, name)
		e = appendMessage(e, 2, encodeCompatibility(rules.Rules[name]))
		b = appendMessage(b, 1, e)
	}
	return b
}

func decodeRules(r *reader) types.SchemaValidationRules {
	rules := types.SchemaValidationRules{Rules: make(map[string]types.Compatibility)}
	for r.next() {
		switch r.num {
		case 1:
			var name string
			var c types.Compatibility
			r.message(func(e *reader) {
				for e.next() {
					switch e.num {
					case 1:
						name = e.string()
					case 2:
						e.message(func(sub *reader) { c = decodeCompatibility(sub) })
					default:
						e.skip()
					}
				}
			})
			rules.Rules[name] = c
		default:
			r.skip()
		}
	}
	return rules
}

func encodeProperties(p types.GroupProperties) []byte {
	var b []byte
	b = appendString(b, 1, string(p.Format))
	b = appendMessage(b, 2, encodeRules(p.ValidationRules))
	b = appendBool(b, 3, p.AllowMultipleTypes)
	b = appendBool(b, 4, p.EnableEncoding)
	b = appendStringMap(b, 5, p.Properties)
	return b
}

func decodeProperties(r *reader) (p types.GroupProperties) {
	for r.next() {
		switch r.num {
		case 1:
			p.Format = types.SerializationFormat(r.string())
		case 2:
			r.message(func(sub *reader) { p.ValidationRules = decodeRules(sub) })
		case 3:
			p.AllowMultipleTypes = r.bool()
		case 4:
			p.EnableEncoding = r.bool()
		case 5:
			p.Properties = r.stringMapEntry(p.Properties)
		default:
			r.skip()
		}
	}
	return p
}

func encodeCodec(c types.CodecType) []byte {
	c = c.Normalize()
	var b []byte
	b = appendString(b, 1, string(c.Kind))
	b = appendString(b, 2, c.Name)
	b = appendStringMap(b, 3, c.Properties)
	return b
}

func decodeCodec(r *reader) (c types.CodecType) {
	for r.next() {
		switch r.num {
		case 1:
			c.Kind = types.CodecKind(r.string())
		case 2:
			c.Name = r.string()
		case 3:
			c.Properties = r.stringMapEntry(c.Properties)
		default:
			r.skip()
		}
	}
	return c.Normalize()
}
