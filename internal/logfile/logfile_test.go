package logfile_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webalyze/internal/logfile"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse(t *testing.T) {
	t.Run("combined", func(t *testing.T) {
		rec, err := logfile.Parse(`10.0.0.1 - frank [10/Oct/2023:13:55:36 -0700] "GET /apache_pb.gif?x=1 HTTP/1.0" 200 2326 "http://www.example.com/start.html" "Mozilla/4.08 [en] (Win98; I ;Nav)"` + "\n")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", rec.Host)
		assert.Equal(t, "frank", rec.Ident)
		assert.Equal(t, "GET", rec.Method)
		assert.Equal(t, "/apache_pb.gif?x=1", rec.URL)
		assert.Equal(t, "HTTP/1.0", rec.Protocol)
		assert.Equal(t, uint16(200), rec.Status)
		assert.Equal(t, uint64(2326), rec.Xfer)
		assert.Equal(t, "http://www.example.com/start.html", rec.Referrer)
		assert.Equal(t, "Mozilla/4.08 [en] (Win98; I ;Nav)", rec.Agent)
		assert.True(t, rec.Time.Equal(time.Date(2023, 10, 10, 20, 55, 36, 0, time.UTC)))
	})

	t.Run("common with dash size", func(t *testing.T) {
		rec, err := logfile.Parse(`host.example.org - - [01/Jan/2024:00:00:00 +0000] "HEAD / HTTP/1.1" 304 -`)
		require.NoError(t, err)
		assert.Empty(t, rec.Ident)
		assert.Zero(t, rec.Xfer)
		assert.Empty(t, rec.Referrer)
	})

	t.Run("processing time and escapes", func(t *testing.T) {
		rec, err := logfile.Parse(`1.2.3.4 - - [01/Jan/2024:00:00:00 +0000] "GET https://site.example/a HTTP/1.1" 200 10 "-" "say \"hi\"" 2500000`)
		require.NoError(t, err)
		assert.Equal(t, "/a", rec.URL)
		assert.True(t, rec.Secure)
		assert.Equal(t, `say "hi"`, rec.Agent)
		assert.Equal(t, uint64(2500), rec.ProcTime)
	})

	for name, line := range map[string]string{
		"no timestamp": `1.2.3.4 - - "GET / HTTP/1.0" 200 1`,
		"bad status":   `1.2.3.4 - - [01/Jan/2024:00:00:00 +0000] "GET / HTTP/1.0" abc 1`,
		"bad request":  `1.2.3.4 - - [01/Jan/2024:00:00:00 +0000] "garbage" 200 1`,
		"bad time":     `1.2.3.4 - - [32/Jan/2024:00:00:00 +0000] "GET / HTTP/1.0" 200 1`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := logfile.Parse(line)
			assert.ErrorIs(t, err, logfile.ErrMalformed)
		})
	}

	_, err := logfile.Parse("# directive")
	assert.ErrorIs(t, err, logfile.ErrIgnore)
	_, err = logfile.Parse("   \n")
	assert.ErrorIs(t, err, logfile.ErrIgnore)
}

func line(sec int, url string) string {
	ts := time.Date(2024, 3, 1, 10, 0, sec, 0, time.UTC).Format("02/Jan/2006:15:04:05 -0700")
	return `1.1.1.1 - - [` + ts + `] "GET ` + url + ` HTTP/1.1" 200 5 "-" "curl"` + "\n"
}

func writeLog(t *testing.T, name string, gz bool, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var w io.Writer = f
	if gz {
		zw := gzip.NewWriter(f)
		defer zw.Close()
		w = zw
	}
	_, err = io.WriteString(w, strings.Join(lines, ""))
	require.NoError(t, err)
	return path
}

func TestFileReopenAtOffset(t *testing.T) {
	for _, gz := range []bool{false, true} {
		name := "plain"
		if gz {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			path := writeLog(t, "access.log", gz, line(0, "/a"), "garbage line\n", "\n", line(1, "/b"), line(2, "/c"))
			f := logfile.NewFile(path, quiet())
			require.NoError(t, f.Open())

			rec, err := f.Next()
			require.NoError(t, err)
			assert.Equal(t, "/a", rec.URL)
			rec, err = f.Next()
			require.NoError(t, err)
			assert.Equal(t, "/b", rec.URL)
			assert.Equal(t, uint64(1), f.Bad)
			assert.Equal(t, uint64(1), f.Ignored)

			require.NoError(t, f.Close())
			assert.False(t, f.IsOpen())
			require.NoError(t, f.Open())

			rec, err = f.Next()
			require.NoError(t, err)
			assert.Equal(t, "/c", rec.URL)
			_, err = f.Next()
			assert.ErrorIs(t, err, io.EOF)
			require.NoError(t, f.Close())
		})
	}
}

func TestFileWithoutTrailingNewline(t *testing.T) {
	path := writeLog(t, "tail.log", false, line(0, "/a"), strings.TrimSuffix(line(1, "/last"), "\n"))
	f := logfile.NewFile(path, quiet())
	require.NoError(t, f.Open())
	defer f.Close()

	_, err := f.Next()
	require.NoError(t, err)
	rec, err := f.Next()
	require.NoError(t, err)
	assert.Equal(t, "/last", rec.URL)
	_, err = f.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenMissingFile(t *testing.T) {
	f := logfile.NewFile(filepath.Join(t.TempDir(), "missing.log"), quiet())
	assert.Error(t, f.Open())
	_, err := f.Next()
	assert.Error(t, err)
}
