// Package codec packs and unpacks the binary record layout shared by every
// persisted entity: a little-endian schema version followed by fixed-width
// fields and length-prefixed strings.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ByteOrder is the byte order of every multi-byte field.
var ByteOrder = binary.LittleEndian

// Writer accumulates an encoded record.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with room for size bytes.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

func (w *Writer) PutU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) PutU16(v uint16) {
	w.buf = ByteOrder.AppendUint16(w.buf, v)
}

func (w *Writer) PutU32(v uint32) {
	w.buf = ByteOrder.AppendUint32(w.buf, v)
}

func (w *Writer) PutU64(v uint64) {
	w.buf = ByteOrder.AppendUint64(w.buf, v)
}

func (w *Writer) PutI64(v int64) {
	w.PutU64(uint64(v))
}

func (w *Writer) PutF64(v float64) {
	w.PutU64(math.Float64bits(v))
}

// PutBool writes a single byte, 1 for true.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutU8(1)
		return
	}
	w.PutU8(0)
}

// PutString writes a u32 length followed by the raw bytes, no terminator.
func (w *Writer) PutString(s string) {
	w.PutU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutTime writes t as Unix seconds. The zero time is written as 0.
func (w *Writer) PutTime(t time.Time) {
	if t.IsZero() {
		w.PutI64(0)
		return
	}
	w.PutI64(t.Unix())
}

// Bytes returns the encoded record.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reader decodes fields from a record. The first short read records a
// TruncatedRecord error and every later read returns zero values, so callers
// check Err once after a sequence of reads.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first decode error, if any.
func (r *Reader) Err() error {
	return r.err
}

// Invalid records a CorruptRecord error at the current offset unless an
// earlier error is already set.
func (r *Reader) Invalid(format string, args ...any) {
	if r.err != nil {
		return
	}
	r.err = &DecodeError{Offset: r.off, Err: fmt.Errorf("%w: %s", ErrCorruptRecord, fmt.Sprintf(format, args...))}
}

// Offset returns the current read position.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = &DecodeError{Offset: r.off, Want: n, Have: r.Remaining(), Err: ErrTruncatedRecord}
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return ByteOrder.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return ByteOrder.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return ByteOrder.Uint64(b)
}

func (r *Reader) I64() int64 {
	return int64(r.U64())
}

func (r *Reader) F64() float64 {
	return math.Float64frombits(r.U64())
}

// Bool reads a single byte. Values other than 0 and 1 are corrupt.
func (r *Reader) Bool() bool {
	off := r.off
	v := r.U8()
	if r.err == nil && v > 1 {
		r.err = &DecodeError{Offset: off, Err: fmt.Errorf("%w: boolean byte %#x", ErrCorruptRecord, v)}
		return false
	}
	return v == 1
}

// String reads a u32 length-prefixed string.
func (r *Reader) String() string {
	n := r.U32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.err = &DecodeError{Offset: r.off, Want: int(n), Have: r.Remaining(), Err: ErrTruncatedRecord}
		return ""
	}
	return string(r.take(int(n)))
}

// Time reads Unix seconds written by PutTime. 0 decodes to the zero time.
func (r *Reader) Time() time.Time {
	v := r.I64()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
