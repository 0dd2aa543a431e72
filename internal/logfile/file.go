package logfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// File is a log file that can be closed and reopened where it left off.
// Offsets count bytes of the decompressed stream.
type File struct {
	path   string
	logger *slog.Logger

	f      *os.File
	gz     *gzip.Reader
	br     *bufio.Reader
	offset int64

	// reopenAt is the offset to resume from on the next Open.
	reopenAt int64

	Lines   uint64
	Bad     uint64
	Ignored uint64
}

func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger}
}

func (f *File) Name() string {
	return f.path
}

func (f *File) IsOpen() bool {
	return f.f != nil
}

// Offset returns the position of the next unread line.
func (f *File) Offset() int64 {
	if f.IsOpen() {
		return f.offset
	}
	return f.reopenAt
}

// Open opens the file, detecting gzip compression from its magic bytes, and
// skips to the saved reopen offset.
func (f *File) Open() error {
	if f.IsOpen() {
		return nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	br := bufio.NewReaderSize(file, 64*1024)
	magic, _ := br.Peek(2)
	var src io.Reader = br
	if bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to read gzip header of %s: %w", f.path, err)
		}
		f.gz = gz
		src = gz
		br = bufio.NewReaderSize(gz, 64*1024)
	}
	f.f, f.br, f.offset = file, br, 0

	if f.reopenAt > 0 {
		if f.gz == nil {
			if _, err := file.Seek(f.reopenAt, io.SeekStart); err != nil {
				f.Close()
				return fmt.Errorf("failed to seek %s: %w", f.path, err)
			}
			f.br.Reset(file)
		} else if _, err := io.CopyN(io.Discard, src, f.reopenAt); err != nil {
			f.Close()
			return fmt.Errorf("failed to skip to offset %d in %s: %w", f.reopenAt, f.path, err)
		}
		f.offset = f.reopenAt
	}
	return nil
}

// Next returns the next valid record. Malformed lines are counted and
// skipped. io.EOF is returned once the file is exhausted.
func (f *File) Next() (Record, error) {
	if !f.IsOpen() {
		return Record{}, fmt.Errorf("log file %s is not open", f.path)
	}
	for {
		line, err := f.br.ReadString('\n')
		f.offset += int64(len(line))
		if len(line) > 0 {
			f.Lines++
			rec, perr := Parse(line)
			switch {
			case perr == nil:
				return rec, nil
			case errors.Is(perr, ErrIgnore):
				f.Ignored++
			default:
				f.Bad++
				f.logger.Debug("Skipping malformed log line",
					slog.String("file", f.path),
					slog.Uint64("line", f.Lines),
					slog.Any("error", perr))
			}
		}
		if err == io.EOF {
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, fmt.Errorf("failed to read %s: %w", f.path, err)
		}
	}
}

// Close releases the file, remembering the current offset for the next Open.
func (f *File) Close() error {
	if !f.IsOpen() {
		return nil
	}
	f.reopenAt = f.offset
	var errs []error
	if f.gz != nil {
		errs = append(errs, f.gz.Close())
		f.gz = nil
	}
	errs = append(errs, f.f.Close())
	f.f, f.br = nil, nil
	return errors.Join(errs...)
}
