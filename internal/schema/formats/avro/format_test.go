package avro

import (
	"testing"

	"groupregistry/internal/schema/types"

	"github.com/stretchr/testify/assert"
)

const (
	userV1 = `{"type":"record","name":"User","fields":[{"name":"a","type":"string"}]}`
	userV2 = `{"type":"record","name":"User","fields":[{"name":"a","type":"string"},{"name":"b","type":"string","default":"x"}]}`
	userV3 = `{"type":"record","name":"User","fields":[{"name":"a","type":"string"},{"name":"b","type":"string"},{"name":"c","type":"string"}]}`
	userB  = `{"type":"record","name":"User","fields":[{"name":"a","type":"string"},{"name":"b","type":"string"}]}`
)

func TestValidate(t *testing.T) {
	f := New()
	assert.NoError(t, f.Validate([]byte(userV1)))
	assert.ErrorIs(t, f.Validate([]byte(`{"type":"record"}`)), types.ErrInvalidSchema)
	assert.ErrorIs(t, f.Validate([]byte(`not json`)), types.ErrInvalidSchema)
}

func TestCanRead(t *testing.T) {
	tests := []struct {
		name   string
		writer string
		reader string
		ok     bool
	}{
		{name: "identical", writer: userV1, reader: userV1, ok: true},
		{name: "added field with default", writer: userV1, reader: userV2, ok: true},
		{name: "dropped field", writer: userV2, reader: userV1, ok: true},
		{name: "added fields without default", writer: userV2, reader: userV3, ok: false},
		{name: "default removed but field present", writer: userV2, reader: userB, ok: true},
		{name: "missing field without default", writer: userV1, reader: userB, ok: false},
		{name: "int promotes to long", writer: `"int"`, reader: `"long"`, ok: true},
		{name: "long does not narrow", writer: `"long"`, reader: `"int"`, ok: false},
	}

	f := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.CanRead([]byte(tt.writer), []byte(tt.reader))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrCannotRead)
			}
		})
	}
}

func TestCanReadInvalidSchema(t *testing.T) {
	err := New().CanRead([]byte(`nope`), []byte(userV1))
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
	assert.NotErrorIs(t, err, types.ErrCannotRead)
}
