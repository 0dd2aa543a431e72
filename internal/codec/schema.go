package codec

import "fmt"

// Step reads the fields one schema version added on top of the previous one.
type Step[T any] func(r *Reader, v *T)

// Schema describes every layout a record type has ever been written with.
// Version 1 is read by Base; Steps[i] reads the fields introduced in version
// i+2. Decoding an older record runs the steps up to the stored version and
// then Upgrade fills in defaults for the fields that version lacked.
// Encoding always writes the newest version.
type Schema[T any] struct {
	Name    string
	Base    Step[T]
	Steps   []Step[T]
	Upgrade func(from uint16, v *T)
	Encode  func(w *Writer, v *T)
}

// Version returns the newest layout version.
func (s *Schema[T]) Version() uint16 {
	return uint16(len(s.Steps) + 1)
}

// Marshal encodes v with the newest layout.
func (s *Schema[T]) Marshal(v *T) []byte {
	w := NewWriter(64)
	w.PutU16(s.Version())
	s.Encode(w, v)
	return w.Bytes()
}

// Unmarshal decodes b into v. Trailing bytes are tolerated so that a newer
// binary reading its own records never fails on padding.
func (s *Schema[T]) Unmarshal(b []byte, v *T) error {
	r := NewReader(b)
	version := r.U16()
	if err := r.Err(); err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	if version == 0 || version > s.Version() {
		return fmt.Errorf("%s: %w", s.Name, &DecodeError{Err: fmt.Errorf("%w: unknown schema version %d", ErrCorruptRecord, version)})
	}

	s.Base(r, v)
	for i := uint16(0); i+1 < version; i++ {
		s.Steps[i](r, v)
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("%s v%d: %w", s.Name, version, err)
	}

	if version < s.Version() && s.Upgrade != nil {
		s.Upgrade(version, v)
	}
	return nil
}

// PeekVersion returns the schema version stored at the start of b.
func PeekVersion(b []byte) (uint16, error) {
	r := NewReader(b)
	v := r.U16()
	return v, r.Err()
}
