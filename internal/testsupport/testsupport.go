// Package testsupport holds helpers shared by the package tests: a quiet
// logger, throwaway configurations and in-memory log sources.
package testsupport

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"webalyze/internal/config"
	"webalyze/internal/history"
	"webalyze/internal/logfile"
	"webalyze/internal/merge"
)

// GetLogger returns a logger that only prints errors, to stdout when
// WEBALYZE_TEST_VERBOSE is set.
func GetLogger() *slog.Logger {
	if os.Getenv("WEBALYZE_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewConfig returns a validated configuration whose store lives under a
// temporary directory. overrides are applied on top of the defaults using
// the configuration keys.
func NewConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()
	dir := t.TempDir()

	v := viper.New()
	v.Set("environment", config.Test)
	v.Set("logsdir", filepath.Join(dir, "logs"))
	v.Set("dbpath", filepath.Join(dir, "webalyze.db"))
	v.Set("historypath", "")
	v.Set("geodbpath", "")
	v.Set("timezone", "UTC")
	v.Set("tricklerate", 0)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

// NewHistory opens an in-memory history database closed with the test.
func NewHistory(t *testing.T) *history.DBManager {
	t.Helper()
	h := history.NewDBManager("", GetLogger())
	require.NoError(t, h.Init())
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// Hit returns a successful GET of url by host at ts.
func Hit(ts time.Time, host, url string) logfile.Record {
	return logfile.Record{
		Time:     ts,
		Host:     host,
		Method:   "GET",
		URL:      url,
		Protocol: "HTTP/1.1",
		Status:   200,
		Xfer:     1000,
		Agent:    "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
	}
}

// Source is a merge.Source over records held in memory.
type Source struct {
	name string
	recs []logfile.Record
	pos  int
	open bool
}

var _ merge.Source = (*Source)(nil)

// NewSource returns a source yielding recs in order.
func NewSource(name string, recs ...logfile.Record) *Source {
	return &Source{name: name, recs: recs}
}

func (s *Source) Name() string { return s.name }

func (s *Source) IsOpen() bool { return s.open }

func (s *Source) Open() error {
	s.open = true
	return nil
}

func (s *Source) Next() (logfile.Record, error) {
	if s.pos >= len(s.recs) {
		return logfile.Record{}, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

func (s *Source) Close() error {
	s.open = false
	return nil
}

// Sources wraps record slices as merge sources named log0, log1, ...
func Sources(logs ...[]logfile.Record) []merge.Source {
	out := make([]merge.Source, 0, len(logs))
	for i, recs := range logs {
		out = append(out, NewSource("log"+string(rune('0'+i)), recs...))
	}
	return out
}
