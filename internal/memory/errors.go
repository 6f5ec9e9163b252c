package memory

import (
	"errors"
	"fmt"
)

// Kind classifies a Memory Service failure
type Kind string

const (
	KindStorage Kind = "storage"
	KindInvalid Kind = "invalid"
)

// Error is returned by every failing Memory Service operation
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("memory %s (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindStorage, Err: err}
}

func invalidError(op, format string, args ...any) *Error {
	return &Error{Op: op, Kind: KindInvalid, Err: fmt.Errorf(format, args...)}
}

// IsStorage reports whether err is a persistence failure
func IsStorage(err error) bool {
	return isKind(err, KindStorage)
}

// IsInvalid reports whether err was caused by bad input
func IsInvalid(err error) bool {
	return isKind(err, KindInvalid)
}

func isKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
