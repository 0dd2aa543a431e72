// Package report hands month summaries to operators: a plain text listing
// of every top-N index, or JSON for report generators.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"webalyze/internal/engine"
)

// Format selects the output encoding.
type Format string

const (
	Text Format = "text"
	JSON Format = "json"
)

// ParseFormat accepts "text" and "json".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case Text, JSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Writer renders summaries to Out. It implements engine.Reporter.
type Writer struct {
	Out    io.Writer
	Format Format
	// Human prints byte counts and large numbers in readable units.
	Human bool
}

var _ engine.Reporter = (*Writer)(nil)

// Report writes one summary.
func (w *Writer) Report(_ context.Context, s *engine.Summary) error {
	if w.Format == JSON {
		enc := json.NewEncoder(w.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return w.text(s)
}

func (w *Writer) count(n uint64) string {
	if w.Human {
		return humanize.Comma(int64(n))
	}
	return fmt.Sprint(n)
}

func (w *Writer) bytes(n uint64) string {
	if w.Human {
		return humanize.Bytes(n)
	}
	return fmt.Sprint(n)
}

func isBytes(index string) bool {
	return strings.HasSuffix(index, ".xfer")
}

func (w *Writer) text(s *engine.Summary) error {
	tw := tabwriter.NewWriter(w.Out, 0, 4, 2, ' ', 0)
	t := s.Totals

	fmt.Fprintf(tw, "Summary for %s (days %d-%d)\n", s.Month.Format("January 2006"), t.FirstDay, t.LastDay)
	for _, line := range []struct {
		label string
		value string
	}{
		{"Hits", w.count(t.Hits)},
		{"Files", w.count(t.Files)},
		{"Pages", w.count(t.Pages)},
		{"Visits", w.count(t.Visits)},
		{"Hosts", w.count(t.Hosts)},
		{"URLs", w.count(t.URLs)},
		{"Referrers", w.count(t.Referrers)},
		{"Agents", w.count(t.Agents)},
		{"Search hits", w.count(t.SearchHits)},
		{"Downloads", w.count(t.DownloadsDone)},
		{"Transferred", w.bytes(t.Xfer)},
		{"Robot hits", w.count(t.RobotHits)},
		{"Spam hits", w.count(t.SpamHits)},
	} {
		fmt.Fprintf(tw, "  %s\t%s\n", line.label, line.value)
	}

	for _, l := range s.Lists {
		if len(l.Rows) == 0 {
			continue
		}
		fmt.Fprintf(tw, "\n%s\n", l.Index)
		for i, r := range l.Rows {
			key := w.count(r.Key)
			if isBytes(l.Index) {
				key = w.bytes(r.Key)
			}
			name := r.Value
			if r.Label != "" && r.Label != r.Value {
				name = fmt.Sprintf("%s (%s)", r.Value, r.Label)
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s\n", i+1, key, name)
		}
	}

	if len(s.Countries) > 0 {
		fmt.Fprintf(tw, "\ncountries\n")
		for i, c := range s.Countries {
			fmt.Fprintf(tw, "  %d\t%s\t%s\n", i+1, w.count(c.Key), c.Label)
		}
	}
	return tw.Flush()
}
