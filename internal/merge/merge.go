// Package merge combines several log sources into one stream ordered by
// timestamp.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"webalyze/internal/logfile"
)

// DefaultMaxOpen is used when no positive ceiling is configured.
const DefaultMaxOpen = 64

// Source is a log that can be closed to free its descriptor and reopened
// where it stopped. *logfile.File implements it.
type Source interface {
	Name() string
	IsOpen() bool
	Open() error
	Next() (logfile.Record, error)
	Close() error
}

type frontier struct {
	src     Source
	order   int
	rec     logfile.Record
	lastUse uint64
}

// Merger yields records from all sources in non-decreasing timestamp order.
// Ties go to the source that was listed first. At most maxOpen sources are
// open at once; the least recently read one is closed when another needs a
// descriptor.
type Merger struct {
	logger  *slog.Logger
	maxOpen int

	pending []Source
	heads   []*frontier
	clock   uint64
	primed  bool

	// Done is called when a source is exhausted.
	Done func(name string)
}

func New(sources []Source, maxOpen int, logger *slog.Logger) *Merger {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpen
	}
	return &Merger{
		logger:  logger,
		maxOpen: maxOpen,
		pending: sources,
	}
}

// Remaining returns the number of sources not yet exhausted.
func (m *Merger) Remaining() int {
	if !m.primed {
		return len(m.pending)
	}
	return len(m.heads)
}

func (m *Merger) prime() error {
	m.primed = true
	for i, src := range m.pending {
		f := &frontier{src: src, order: i}
		ok, err := m.advance(f)
		if err != nil {
			return err
		}
		if ok {
			m.heads = append(m.heads, f)
		}
	}
	m.pending = nil
	return nil
}

// advance refills f from its source. It reports false once the source is
// exhausted, in which case the source has been closed.
func (m *Merger) advance(f *frontier) (bool, error) {
	if err := m.acquire(f); err != nil {
		return false, err
	}
	m.clock++
	f.lastUse = m.clock

	rec, err := f.src.Next()
	if errors.Is(err, io.EOF) {
		m.logger.Info("Finished log file", slog.String("file", f.src.Name()))
		if cerr := f.src.Close(); cerr != nil {
			return false, fmt.Errorf("failed to close %s: %w", f.src.Name(), cerr)
		}
		if m.Done != nil {
			m.Done(f.src.Name())
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	f.rec = rec
	return true, nil
}

// acquire opens f's source, closing the least recently used open source
// first when the ceiling is reached.
func (m *Merger) acquire(f *frontier) error {
	if f.src.IsOpen() {
		return nil
	}
	open := 0
	var lru *frontier
	for _, h := range m.heads {
		if h == f || !h.src.IsOpen() {
			continue
		}
		open++
		if lru == nil || h.lastUse < lru.lastUse {
			lru = h
		}
	}
	if open >= m.maxOpen && lru != nil {
		m.logger.Debug("Closing log file to stay under the open file ceiling",
			slog.String("file", lru.src.Name()),
			slog.Int("max_open", m.maxOpen))
		if err := lru.src.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", lru.src.Name(), err)
		}
	}
	if err := f.src.Open(); err != nil {
		return fmt.Errorf("failed to open %s: %w", f.src.Name(), err)
	}
	return nil
}

// Next returns the earliest pending record, or io.EOF when every source is
// exhausted. A cancelled context stops the merge with the context error.
func (m *Merger) Next(ctx context.Context) (logfile.Record, error) {
	if err := ctx.Err(); err != nil {
		return logfile.Record{}, err
	}
	if !m.primed {
		if err := m.prime(); err != nil {
			return logfile.Record{}, err
		}
	}
	if len(m.heads) == 0 {
		return logfile.Record{}, io.EOF
	}

	best := 0
	for i := 1; i < len(m.heads); i++ {
		if m.heads[i].rec.Time.Before(m.heads[best].rec.Time) {
			best = i
		}
	}
	f := m.heads[best]
	rec := f.rec

	ok, err := m.advance(f)
	if err != nil {
		return logfile.Record{}, err
	}
	if !ok {
		m.heads = append(m.heads[:best], m.heads[best+1:]...)
	}
	return rec, nil
}

// Close closes every source that is still open.
func (m *Merger) Close() error {
	var errs []error
	for _, h := range m.heads {
		if h.src.IsOpen() {
			errs = append(errs, h.src.Close())
		}
	}
	for _, src := range m.pending {
		if src.IsOpen() {
			errs = append(errs, src.Close())
		}
	}
	return errors.Join(errs...)
}
