package types

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompatibleSchema is returned when a schema violates the group's rules
	ErrIncompatibleSchema = errors.New("incompatible schema")
	// ErrPreconditionFailed is returned when the expected prior state does not match
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrFormatMismatch is returned when a schema's format differs from its group's
	ErrFormatMismatch = errors.New("serialization format mismatch")
	// ErrUnknownFormat is returned when no oracle is registered for a format
	ErrUnknownFormat = errors.New("no compatibility oracle registered for format")
	// ErrCodecNotRegistered is returned when an encoding uses a codec the group does not know
	ErrCodecNotRegistered = errors.New("codec type not registered")
	// ErrInvalidSchema is returned when a schema does not parse in its format
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrCannotRead is returned by oracles when a reader cannot read a writer's data
	ErrCannotRead = errors.New("reader cannot read writer data")
)

// IncompatibleSchemaError names the first prior version a candidate failed against
type IncompatibleSchemaError struct {
	Against *VersionInfo
	Rule    CompatibilityKind
	Reason  string
}

func (e *IncompatibleSchemaError) Error() string {
	if e.Against == nil {
		return fmt.Sprintf("incompatible schema: %s", e.Reason)
	}
	return fmt.Sprintf("incompatible schema: %s rule failed against %s: %s", e.Rule, e.Against, e.Reason)
}

func (e *IncompatibleSchemaError) Is(target error) bool {
	return target == ErrIncompatibleSchema
}
