package json

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"groupregistry/internal/schema/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Format implements types.SchemaFormat for JSON Schema
type Format struct{}

// New creates a new JSON format implementation
func New() *Format {
	return &Format{}
}

func (f *Format) Validate(schema []byte) error {
	if _, err := jsonschema.CompileString("schema.json", string(schema)); err != nil {
		return fmt.Errorf("%w: compile json schema: %v", types.ErrInvalidSchema, err)
	}
	return nil
}

// CanRead checks that every document valid under writer satisfies the
// structural constraints of reader.
func (f *Format) CanRead(writer, reader []byte) error {
	if err := f.Validate(writer); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	if err := f.Validate(reader); err != nil {
		return fmt.Errorf("reader: %w", err)
	}

	w, err := parseObject(writer)
	if err != nil {
		return err
	}
	r, err := parseObject(reader)
	if err != nil {
		return err
	}

	slog.Debug("json CanRead", "writerProps", len(w.props), "readerProps", len(r.props))

	if !isTypeCompatible(w.typ, r.typ) {
		return fmt.Errorf("%w: type %s cannot be read as %s", types.ErrCannotRead, w.typ, r.typ)
	}

	// Required reader properties must always be present in writer data
	for name, rp := range r.props {
		if !rp.required {
			continue
		}
		wp, ok := w.props[name]
		if !ok || !wp.required {
			return fmt.Errorf("%w: property %s is required by the reader but optional or absent in the writer", types.ErrCannotRead, name)
		}
	}

	// Shared properties must keep compatible types
	for name, wp := range w.props {
		rp, ok := r.props[name]
		if !ok {
			if r.closed {
				return fmt.Errorf("%w: property %s is not allowed by the reader", types.ErrCannotRead, name)
			}
			continue
		}
		if !isTypeCompatible(wp.typ, rp.typ) {
			return fmt.Errorf("%w: property %s changed type %s -> %s", types.ErrCannotRead, name, wp.typ, rp.typ)
		}
	}

	if r.closed && !w.closed {
		return fmt.Errorf("%w: reader forbids additional properties the writer allows", types.ErrCannotRead)
	}
	return nil
}

type propertyInfo struct {
	required bool
	typ      string
}

type objectInfo struct {
	typ   string
	props map[string]propertyInfo
	// closed is set by "additionalProperties": false
	closed bool
}

func parseObject(schema []byte) (objectInfo, error) {
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		// boolean schemas and the like carry no structure to compare
		return objectInfo{typ: "any", props: map[string]propertyInfo{}}, nil
	}

	info := objectInfo{typ: typeOf(m, "any"), props: make(map[string]propertyInfo)}
	if ap, ok := m["additionalProperties"].(bool); ok && !ap {
		info.closed = true
	}

	required := make(map[string]bool)
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	if properties, ok := m["properties"].(map[string]any); ok {
		for name, prop := range properties {
			pm, _ := prop.(map[string]any)
			info.props[name] = propertyInfo{
				required: required[name],
				typ:      typeOf(pm, "any"),
			}
		}
	}
	return info, nil
}

func typeOf(m map[string]any, def string) string {
	if t, ok := m["type"].(string); ok {
		return t
	}
	return def
}

// isTypeCompatible reports whether a value written as writerType validates
// as readerType.
func isTypeCompatible(writerType, readerType string) bool {
	if readerType == "any" || writerType == readerType {
		return true
	}
	// every integer is a number
	return writerType == "integer" && readerType == "number"
}
