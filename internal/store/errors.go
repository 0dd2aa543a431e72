package store

import (
	"errors"
	"fmt"

	"webalyze/internal/codec"
)

var (
	ErrStoreOpen          = errors.New("store open failed")
	ErrStoreIO            = errors.New("store i/o failed")
	ErrIncompatibleLayout = errors.New("incompatible store layout")
	ErrSequenceExhausted  = errors.New("sequence exhausted")
	ErrUnsupported        = errors.New("operation not supported by the store medium")
	ErrIndexNotAssociated = errors.New("indexes are not associated")
	ErrUnknownIndex       = errors.New("unknown index")
)

// RecordError attaches table, record and byte offset context to a decode
// or i/o failure. It unwraps to the underlying sentinel.
type RecordError struct {
	Table  string
	ID     uint64
	Offset int
	Err    error
}

func (e *RecordError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("table %s, record %d, offset %d: %v", e.Table, e.ID, e.Offset, e.Err)
	}
	return fmt.Sprintf("table %s, record %d: %v", e.Table, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func decodeError(table string, id uint64, err error) error {
	return &RecordError{Table: table, ID: id, Offset: codec.Offset(err), Err: err}
}

func ioError(table string, err error) error {
	return fmt.Errorf("%w: table %s: %w", ErrStoreIO, table, err)
}
