package protobuf

import (
	"fmt"

	"groupregistry/internal/schema/types"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Format implements types.SchemaFormat for Protobuf. Schemas are
// FileDescriptorProto documents in protojson form; the first message in the
// file is the one compared.
type Format struct{}

// New creates a new Protobuf format implementation
func New() *Format {
	return &Format{}
}

func (f *Format) Validate(schema []byte) error {
	_, err := f.message(schema)
	return err
}

// CanRead checks wire compatibility field by field number. Writer fields the
// reader does not know are skipped as unknown fields; reader fields the
// writer never sends must not be required.
func (f *Format) CanRead(writer, reader []byte) error {
	w, err := f.message(writer)
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	r, err := f.message(reader)
	if err != nil {
		return fmt.Errorf("reader: %w", err)
	}
	return canRead(w, r, make(map[[2]protoreflect.FullName]bool))
}

func canRead(w, r protoreflect.MessageDescriptor, seen map[[2]protoreflect.FullName]bool) error {
	pair := [2]protoreflect.FullName{w.FullName(), r.FullName()}
	if seen[pair] {
		return nil
	}
	seen[pair] = true

	rFields := r.Fields()
	wFields := w.Fields()
	for i := 0; i < rFields.Len(); i++ {
		rf := rFields.Get(i)
		wf := wFields.ByNumber(rf.Number())
		if wf == nil {
			if rf.Cardinality() == protoreflect.Required {
				return fmt.Errorf("%w: required field %s (%d) is never written", types.ErrCannotRead, rf.Name(), rf.Number())
			}
			continue
		}

		if wf.IsList() != rf.IsList() && !packable(wf.Kind()) {
			return fmt.Errorf("%w: field %s changed cardinality", types.ErrCannotRead, rf.Name())
		}
		if wf.IsMap() != rf.IsMap() {
			return fmt.Errorf("%w: field %s changed between map and non-map", types.ErrCannotRead, rf.Name())
		}
		if !isTypeCompatible(wf.Kind(), rf.Kind()) {
			return fmt.Errorf("%w: field %s changed type %s -> %s", types.ErrCannotRead, rf.Name(), wf.Kind(), rf.Kind())
		}
		if wf.Kind() == protoreflect.MessageKind && rf.Kind() == protoreflect.MessageKind && !wf.IsMap() {
			if err := canRead(wf.Message(), rf.Message(), seen); err != nil {
				return fmt.Errorf("field %s: %w", rf.Name(), err)
			}
		}
	}
	return nil
}

// message parses a protobuf schema string into its first message descriptor
func (f *Format) message(schema []byte) (protoreflect.MessageDescriptor, error) {
	var fileDescProto descriptorpb.FileDescriptorProto
	if err := protojson.Unmarshal(schema, &fileDescProto); err != nil {
		return nil, fmt.Errorf("%w: unmarshal file descriptor: %v", types.ErrInvalidSchema, err)
	}

	fileDesc, err := protodesc.NewFile(&fileDescProto, protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("%w: create file descriptor: %v", types.ErrInvalidSchema, err)
	}
	if fileDesc.Messages().Len() == 0 {
		return nil, fmt.Errorf("%w: no message type found in schema", types.ErrInvalidSchema)
	}
	return fileDesc.Messages().Get(0), nil
}

func packable(k protoreflect.Kind) bool {
	switch k {
	case protoreflect.StringKind, protoreflect.BytesKind, protoreflect.MessageKind, protoreflect.GroupKind:
		return false
	default:
		return true
	}
}

// wireClass groups kinds whose encodings can be decoded as one another
func wireClass(k protoreflect.Kind) string {
	switch k {
	case protoreflect.Int32Kind, protoreflect.Int64Kind, protoreflect.Uint32Kind,
		protoreflect.Uint64Kind, protoreflect.BoolKind, protoreflect.EnumKind:
		return "varint"
	case protoreflect.Sint32Kind, protoreflect.Sint64Kind:
		return "zigzag"
	case protoreflect.Fixed32Kind, protoreflect.Sfixed32Kind:
		return "fixed32"
	case protoreflect.Fixed64Kind, protoreflect.Sfixed64Kind:
		return "fixed64"
	case protoreflect.FloatKind:
		return "float"
	case protoreflect.DoubleKind:
		return "double"
	case protoreflect.StringKind, protoreflect.BytesKind:
		return "bytes"
	case protoreflect.MessageKind:
		return "message"
	case protoreflect.GroupKind:
		return "group"
	default:
		return k.String()
	}
}

func isTypeCompatible(writerKind, readerKind protoreflect.Kind) bool {
	if writerKind == readerKind {
		return true
	}
	// 64-bit values read as 32-bit truncate; only widen
	switch {
	case writerKind == protoreflect.Int64Kind && readerKind == protoreflect.Int32Kind,
		writerKind == protoreflect.Uint64Kind && readerKind == protoreflect.Uint32Kind,
		writerKind == protoreflect.Sint64Kind && readerKind == protoreflect.Sint32Kind:
		return false
	}
	return wireClass(writerKind) == wireClass(readerKind)
}
