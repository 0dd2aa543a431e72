// Package metrics holds the prometheus collectors updated by a run.
package metrics

import (
	"bytes"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics owns a private registry so that several runs in one process
// (tests, the status server) never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	Records       *prometheus.CounterVec
	VisitsClosed  *prometheus.CounterVec
	DownloadsDone prometheus.Counter
	Evictions     *prometheus.CounterVec
	Flushes       *prometheus.CounterVec
	Resident      *prometheus.GaugeVec
	StoreSyncs    *prometheus.CounterVec
	Resolutions   *prometheus.CounterVec
	Rollovers     prometheus.Counter
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "records_total",
			Help:      "Log records seen, by outcome.",
		}, []string{"outcome"}),
		VisitsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "visits_closed_total",
			Help:      "Visits folded into host totals, by visitor class.",
		}, []string{"class"}),
		DownloadsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "downloads_closed_total",
			Help:      "Download sessions folded into their jobs.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "cache_evictions_total",
			Help:      "Entities swapped out of memory, by table.",
		}, []string{"table"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "cache_flushes_total",
			Help:      "Dirty entities written to the store, by table.",
		}, []string{"table"}),
		Resident: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "webalyze",
			Name:      "cache_resident_entities",
			Help:      "Entities currently held in memory, by table.",
		}, []string{"table"}),
		StoreSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "store_syncs_total",
			Help:      "Background store syncs, by result.",
		}, []string{"result"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "resolver_lookups_total",
			Help:      "Host resolutions, by result.",
		}, []string{"result"}),
		Rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webalyze",
			Name:      "month_rollovers_total",
			Help:      "Month rollovers performed.",
		}),
	}

	m.Registry.MustRegister(
		m.Records,
		m.VisitsClosed,
		m.DownloadsDone,
		m.Evictions,
		m.Flushes,
		m.Resident,
		m.StoreSyncs,
		m.Resolutions,
		m.Rollovers,
	)
	return m
}

// Gather returns the current metric families.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.Registry.Gather()
}

// WriteText writes every metric in the prometheus text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.Gather()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return err
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// ContentType is the media type of WriteText output.
func ContentType() string {
	return string(expfmt.FmtText)
}

// Value returns the current value of a counter or gauge, for tests and
// summaries. Unknown metrics read as zero.
func (m *Metrics) Value(name string, labels map[string]string) float64 {
	families, err := m.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !labelsMatch(metric.GetLabel(), labels) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	matched := 0
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok {
			if v != p.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}
