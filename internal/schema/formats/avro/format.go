package avro

import (
	"fmt"

	"groupregistry/internal/schema/types"

	"github.com/hamba/avro/v2"
)

// Format implements types.SchemaFormat for Avro
type Format struct {
	compat *avro.SchemaCompatibility
}

// New creates a new Avro format implementation
func New() *Format {
	return &Format{compat: avro.NewSchemaCompatibility()}
}

// parse uses a private cache so that named types from unrelated schemas
// never resolve against each other.
func (f *Format) parse(schema []byte) (avro.Schema, error) {
	s, err := avro.ParseWithCache(string(schema), "", &avro.SchemaCache{})
	if err != nil {
		return nil, fmt.Errorf("%w: parse avro schema: %v", types.ErrInvalidSchema, err)
	}
	return s, nil
}

func (f *Format) Validate(schema []byte) error {
	_, err := f.parse(schema)
	return err
}

// CanRead applies Avro schema resolution rules: reader fields missing from
// the writer need defaults and shared fields must promote.
func (f *Format) CanRead(writer, reader []byte) error {
	w, err := f.parse(writer)
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	r, err := f.parse(reader)
	if err != nil {
		return fmt.Errorf("reader: %w", err)
	}
	if err := f.compat.Compatible(r, w); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCannotRead, err)
	}
	return nil
}
