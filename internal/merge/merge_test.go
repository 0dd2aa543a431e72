package merge_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webalyze/internal/logfile"
	"webalyze/internal/merge"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC)
}

type memSource struct {
	name    string
	recs    []logfile.Record
	pos     int
	open    bool
	opens   int
	counter *int
	peak    *int
}

func (s *memSource) Name() string { return s.name }
func (s *memSource) IsOpen() bool { return s.open }

func (s *memSource) Open() error {
	if s.open {
		return nil
	}
	s.open = true
	s.opens++
	*s.counter++
	*s.peak = max(*s.peak, *s.counter)
	return nil
}

func (s *memSource) Next() (logfile.Record, error) {
	if !s.open {
		return logfile.Record{}, errors.New("read from closed source")
	}
	if s.pos >= len(s.recs) {
		return logfile.Record{}, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

func (s *memSource) Close() error {
	if s.open {
		s.open = false
		*s.counter--
	}
	return nil
}

func span(name string, from, to int, counter, peak *int) *memSource {
	s := &memSource{name: name, counter: counter, peak: peak}
	for m := from; m <= to; m++ {
		s.recs = append(s.recs, logfile.Record{Time: at(10, m), Host: name})
	}
	return s
}

func drain(t *testing.T, m *merge.Merger) []logfile.Record {
	t.Helper()
	var out []logfile.Record
	for {
		rec, err := m.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestMergeOverlappingSources(t *testing.T) {
	for _, maxOpen := range []int{0, 1, 2} {
		var open, peak int
		sources := []merge.Source{
			span("one", 0, 5, &open, &peak),
			span("two", 2, 4, &open, &peak),
			span("three", 6, 7, &open, &peak),
		}
		var done []string
		m := merge.New(sources, maxOpen, quiet())
		m.Done = func(name string) { done = append(done, name) }

		out := drain(t, m)
		require.Len(t, out, 11)
		for i := 1; i < len(out); i++ {
			assert.False(t, out[i].Time.Before(out[i-1].Time), "record %d goes backward", i)
		}

		var order []string
		for _, r := range out {
			order = append(order, r.Host)
		}
		assert.Equal(t, []string{
			"one", "one", "one", "two", "one", "two", "one", "two", "one", "three", "three",
		}, order, "ties go to the first listed source")
		assert.Equal(t, []string{"two", "one", "three"}, done)
		if maxOpen > 0 {
			assert.LessOrEqual(t, peak, maxOpen)
		}
		assert.Zero(t, open, "every source is closed at the end")
		assert.Zero(t, m.Remaining())
	}
}

func TestMergeReopensFilesAtSavedOffsets(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, minutes ...int) merge.Source {
		var b strings.Builder
		for _, mm := range minutes {
			b.WriteString(`1.1.1.1 - - [` + at(10, mm).Format("02/Jan/2006:15:04:05 -0700") + `] "GET /` + name + ` HTTP/1.1" 200 1` + "\n")
		}
		path := filepath.Join(dir, name+".log")
		require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
		return logfile.NewFile(path, quiet())
	}

	sources := []merge.Source{
		write("a", 0, 3, 6, 9),
		write("b", 1, 4, 7),
		write("c", 2, 5, 8),
	}
	m := merge.New(sources, 1, quiet())
	defer m.Close()

	out := drain(t, m)
	require.Len(t, out, 10)
	var urls []string
	for i, r := range out {
		assert.True(t, r.Time.Equal(at(10, i)), "record %d", i)
		urls = append(urls, r.URL)
	}
	assert.Equal(t, []string{"/a", "/b", "/c", "/a", "/b", "/c", "/a", "/b", "/c", "/a"}, urls)
}

func TestMergeStopsOnCancel(t *testing.T) {
	var open, peak int
	m := merge.New([]merge.Source{span("one", 0, 5, &open, &peak)}, 0, quiet())
	ctx, cancel := context.WithCancel(context.Background())

	_, err := m.Next(ctx)
	require.NoError(t, err)
	cancel()
	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, m.Close())
	assert.Zero(t, open)
}

func TestMergeEmpty(t *testing.T) {
	m := merge.New(nil, 0, quiet())
	_, err := m.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
