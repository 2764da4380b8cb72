package storage

import (
	"errors"
	"fmt"
)

// Kind classifies store failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindDataExists
	KindDataNotFound
	KindDataContainerNotFound
	KindDataNotEmpty
	KindWriteConflict
	KindStoreConnection
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindDataExists:
		return "DataExists"
	case KindDataNotFound:
		return "DataNotFound"
	case KindDataContainerNotFound:
		return "DataContainerNotFound"
	case KindDataNotEmpty:
		return "DataNotEmpty"
	case KindWriteConflict:
		return "WriteConflict"
	case KindStoreConnection:
		return "StoreConnection"
	case KindAuth:
		return "Auth"
	default:
		return "Unknown"
	}
}

// Error is a classified store error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Sentinels for errors.Is checks.
var (
	ErrDataExists            = &Error{Kind: KindDataExists}
	ErrDataNotFound          = &Error{Kind: KindDataNotFound}
	ErrDataContainerNotFound = &Error{Kind: KindDataContainerNotFound}
	ErrDataNotEmpty          = &Error{Kind: KindDataNotEmpty}
	ErrWriteConflict         = &Error{Kind: KindWriteConflict}
	ErrStoreConnection       = &Error{Kind: KindStoreConnection}
	ErrAuth                  = &Error{Kind: KindAuth}
	ErrUnknown               = &Error{Kind: KindUnknown}
)

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether a fresh attempt may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindWriteConflict, KindStoreConnection, KindAuth:
		return true
	default:
		return false
	}
}
