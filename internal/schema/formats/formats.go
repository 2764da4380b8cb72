// Package formats resolves the compatibility oracle for a serialization format.
package formats

import (
	"fmt"
	"sync"

	"groupregistry/internal/schema/formats/avro"
	jsonformat "groupregistry/internal/schema/formats/json"
	"groupregistry/internal/schema/formats/protobuf"
	"groupregistry/internal/schema/types"
)

// Registry maps formats to oracles. Custom formats have no oracle until one
// is registered.
type Registry struct {
	mu      sync.RWMutex
	formats map[types.SerializationFormat]types.SchemaFormat
}

// NewRegistry returns a registry with the built-in Avro, JSON and Protobuf oracles.
func NewRegistry() *Registry {
	return &Registry{
		formats: map[types.SerializationFormat]types.SchemaFormat{
			types.JSON:     jsonformat.New(),
			types.Avro:     avro.New(),
			types.Protobuf: protobuf.New(),
		},
	}
}

// Register installs or replaces the oracle for format.
func (r *Registry) Register(format types.SerializationFormat, oracle types.SchemaFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[format] = oracle
}

// Lookup returns the oracle for format or an error matching types.ErrUnknownFormat.
func (r *Registry) Lookup(format types.SerializationFormat) (types.SchemaFormat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownFormat, format)
	}
	return f, nil
}
