// Package logfile reads web server access logs in Common or Combined Log
// Format and turns every line into a normalized Record.
package logfile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned for a line that is not a valid log entry.
	ErrMalformed = errors.New("malformed log line")
	// ErrIgnore is returned for blank lines and comment directives.
	ErrIgnore = errors.New("ignored log line")
)

const timeLayout = "02/Jan/2006:15:04:05 -0700"

// Record is one access log entry.
type Record struct {
	Time     time.Time
	Host     string
	Ident    string
	Method   string
	URL      string
	Protocol string
	Status   uint16
	Xfer     uint64
	Referrer string
	Agent    string
	// ProcTime is the request processing time in milliseconds, when the
	// line carries one.
	ProcTime uint64
	Secure   bool
}

// Parse decodes one log line. A trailing field after the agent is taken as
// the processing time in microseconds (Apache %D).
func Parse(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
		return Record{}, ErrIgnore
	}

	var rec Record
	s := scanner{line: line}

	rec.Host = s.word()
	ident := s.word()
	user := s.word()
	if rec.Host == "" || ident == "" || user == "" {
		return rec, malformed("missing host or identity")
	}
	if user != "-" {
		rec.Ident = user
	}

	stamp, ok := s.bracketed()
	if !ok {
		return rec, malformed("missing timestamp")
	}
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return rec, malformed("bad timestamp %q", stamp)
	}
	rec.Time = t

	request, ok := s.quoted()
	if !ok {
		return rec, malformed("missing request")
	}
	if err := rec.setRequest(request); err != nil {
		return rec, err
	}

	status, err := strconv.ParseUint(s.word(), 10, 16)
	if err != nil || status < 100 || status > 999 {
		return rec, malformed("bad status")
	}
	rec.Status = uint16(status)

	if size := s.word(); size != "-" {
		rec.Xfer, err = strconv.ParseUint(size, 10, 64)
		if err != nil {
			return rec, malformed("bad size %q", size)
		}
	}

	if s.done() {
		return rec, nil
	}
	if rec.Referrer, ok = s.quoted(); !ok {
		return rec, malformed("bad referrer")
	}
	if rec.Referrer == "-" {
		rec.Referrer = ""
	}
	if rec.Agent, ok = s.quoted(); !ok {
		return rec, malformed("bad agent")
	}
	if rec.Agent == "-" {
		rec.Agent = ""
	}

	if micros := s.word(); micros != "" && micros != "-" {
		us, err := strconv.ParseUint(micros, 10, 64)
		if err != nil {
			return rec, malformed("bad processing time %q", micros)
		}
		rec.ProcTime = us / 1000
	}
	return rec, nil
}

func (r *Record) setRequest(request string) error {
	parts := strings.Fields(request)
	switch len(parts) {
	case 2, 3:
		r.Method, r.URL = parts[0], parts[1]
		if len(parts) == 3 {
			r.Protocol = parts[2]
		}
	default:
		return malformed("bad request %q", request)
	}

	if scheme, rest, ok := strings.Cut(r.URL, "://"); ok {
		r.Secure = strings.EqualFold(scheme, "https")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			r.URL = rest[i:]
		} else {
			r.URL = "/"
		}
	}
	if !strings.HasPrefix(r.URL, "/") && r.URL != "*" {
		return malformed("bad url %q", r.URL)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

type scanner struct {
	line string
	pos  int
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.line) && s.line[s.pos] == ' ' {
		s.pos++
	}
}

func (s *scanner) done() bool {
	s.skipSpace()
	return s.pos >= len(s.line)
}

func (s *scanner) word() string {
	s.skipSpace()
	start := s.pos
	for s.pos < len(s.line) && s.line[s.pos] != ' ' {
		s.pos++
	}
	return s.line[start:s.pos]
}

func (s *scanner) bracketed() (string, bool) {
	s.skipSpace()
	if s.pos >= len(s.line) || s.line[s.pos] != '[' {
		return "", false
	}
	end := strings.IndexByte(s.line[s.pos:], ']')
	if end < 0 {
		return "", false
	}
	v := s.line[s.pos+1 : s.pos+end]
	s.pos += end + 1
	return v, true
}

// quoted reads a double-quoted field; backslash escapes the next byte.
func (s *scanner) quoted() (string, bool) {
	s.skipSpace()
	if s.pos >= len(s.line) || s.line[s.pos] != '"' {
		return "", false
	}
	var b strings.Builder
	for i := s.pos + 1; i < len(s.line); i++ {
		switch c := s.line[i]; c {
		case '\\':
			if i+1 < len(s.line) {
				i++
				b.WriteByte(s.line[i])
			}
		case '"':
			s.pos = i + 1
			return b.String(), true
		default:
			b.WriteByte(c)
		}
	}
	return "", false
}
