package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncatedRecord is returned when a buffer is shorter than its
	// declared schema version requires.
	ErrTruncatedRecord = errors.New("truncated record")
	// ErrCorruptRecord is returned when a buffer holds values no encoder
	// could have produced (unknown version, invalid boolean byte).
	ErrCorruptRecord = errors.New("corrupt record")
)

// DecodeError carries the byte offset at which decoding failed.
type DecodeError struct {
	Offset int
	Want   int
	Have   int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("%v at offset %d (need %d bytes, have %d)", e.Err, e.Offset, e.Want, e.Have)
	}
	return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Offset extracts the failing byte offset from err, or -1.
func Offset(err error) int {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Offset
	}
	return -1
}
