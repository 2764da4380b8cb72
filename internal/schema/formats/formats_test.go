package formats

import (
	"testing"

	"groupregistry/internal/schema/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acceptAll struct{}

func (acceptAll) Validate([]byte) error     { return nil }
func (acceptAll) CanRead(_, _ []byte) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, f := range []types.SerializationFormat{types.Avro, types.JSON, types.Protobuf} {
		_, err := r.Lookup(f)
		assert.NoError(t, err, f)
	}

	thrift := types.CustomFormat("thrift")
	_, err := r.Lookup(thrift)
	assert.ErrorIs(t, err, types.ErrUnknownFormat)

	r.Register(thrift, acceptAll{})
	oracle, err := r.Lookup(thrift)
	require.NoError(t, err)
	assert.NoError(t, oracle.CanRead(nil, nil))
}
