package metrics_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webalyze/internal/metrics"
)

func TestWriteText(t *testing.T) {
	m := metrics.New()
	m.Records.WithLabelValues("processed").Add(3)
	m.Evictions.WithLabelValues("urls").Inc()

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	assert.Contains(t, buf.String(), `webalyze_records_total{outcome="processed"} 3`)
	assert.Contains(t, buf.String(), `webalyze_cache_evictions_total{table="urls"} 1`)
}

func TestValue(t *testing.T) {
	m := metrics.New()
	m.VisitsClosed.WithLabelValues("human").Add(2)
	m.VisitsClosed.WithLabelValues("robot").Inc()
	m.Resident.WithLabelValues("hosts").Set(7)

	assert.Equal(t, 2.0, m.Value("webalyze_visits_closed_total", map[string]string{"class": "human"}))
	assert.Equal(t, 1.0, m.Value("webalyze_visits_closed_total", map[string]string{"class": "robot"}))
	assert.Equal(t, 7.0, m.Value("webalyze_cache_resident_entities", map[string]string{"table": "hosts"}))
	assert.Zero(t, m.Value("webalyze_unknown", nil))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := metrics.New(), metrics.New()
	a.Rollovers.Inc()
	assert.Equal(t, 1.0, a.Value("webalyze_month_rollovers_total", nil))
	assert.Zero(t, b.Value("webalyze_month_rollovers_total", nil))
}
