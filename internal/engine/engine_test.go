package engine_test

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webalyze/internal/config"
	"webalyze/internal/engine"
	"webalyze/internal/entity"
	"webalyze/internal/logfile"
	"webalyze/internal/merge"
	"webalyze/internal/metrics"
	"webalyze/internal/pkg/referrers"
	"webalyze/internal/resolver"
	"webalyze/internal/store"
	"webalyze/internal/testsupport"
)

var t0 = time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

type captureReporter struct {
	summaries []*engine.Summary
}

func (r *captureReporter) Report(_ context.Context, s *engine.Summary) error {
	r.summaries = append(r.summaries, s)
	return nil
}

func open(t *testing.T, cfg *config.Config, opts engine.Options) *engine.Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testsupport.GetLogger()
	}
	e, err := engine.New(cfg, opts)
	require.NoError(t, err)
	return e
}

func rowValues(l engine.TopList) []string {
	out := make([]string, 0, len(l.Rows))
	for _, r := range l.Rows {
		out = append(out, r.Value)
	}
	return out
}

func info(t *testing.T, cfg *config.Config) engine.Info {
	t.Helper()
	e := open(t, cfg, engine.Options{Mode: engine.ModeInfo})
	defer e.Close()
	i, err := e.Info()
	require.NoError(t, err)
	return i
}

func TestProcessSplitsVisitsOnTimeout(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	m := metrics.New()
	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{Metrics: m, Reporter: rep})

	stats, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/index.html"),
		testsupport.Hit(t0.Add(30*time.Second), "10.0.0.1", "/about.html"),
		testsupport.Hit(t0.Add(1900*time.Second), "10.0.0.1", "/contact.html"),
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Records)
	assert.Equal(t, uint64(3), stats.Good)
	assert.False(t, stats.Canceled)

	tot := e.Totals()
	assert.Equal(t, uint64(3), tot.Hits)
	assert.Equal(t, uint64(3), tot.Pages)
	assert.Equal(t, uint64(3), tot.Files)
	assert.Equal(t, uint64(3000), tot.Xfer)
	assert.Equal(t, uint64(1), tot.Hosts)
	assert.Equal(t, uint64(3), tot.URLs)
	assert.Equal(t, uint64(2), tot.Visits)
	assert.Equal(t, uint64(2), tot.VisitsEnd)
	assert.Equal(t, uint64(2), tot.HumanVisitsEnd)
	assert.Equal(t, uint64(2), tot.Entry)
	assert.Equal(t, uint64(2), tot.Exit)
	assert.InDelta(t, 15.0, tot.VisitAvg, 1e-9)
	assert.Equal(t, uint64(30), tot.VisitMax)
	assert.Equal(t, uint32(5), tot.FirstDay)
	assert.Equal(t, uint32(5), tot.LastDay)
	assert.Equal(t, 2.0, m.Value("webalyze_visits_closed_total", map[string]string{"class": "human"}))

	require.Len(t, rep.summaries, 1)
	s := rep.summaries[0]
	assert.Equal(t, tot.Hits, s.Totals.Hits)

	entries, ok := s.List("urls.entry")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"/", "/contact.html"}, rowValues(entries))
	exits, ok := s.List("urls.exit")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"/about.html", "/contact.html"}, rowValues(exits))

	hosts, ok := s.List("hosts.hits")
	require.True(t, ok)
	require.Len(t, hosts.Rows, 1)
	assert.Equal(t, "10.0.0.1", hosts.Rows[0].Value)
	assert.Equal(t, uint64(3), hosts.Rows[0].Key)

	require.Len(t, s.Countries, 1)
	assert.Equal(t, entity.UnknownCountry, s.Countries[0].Value)
	assert.Equal(t, uint64(3), s.Countries[0].Key)

	require.NoError(t, e.Close())
	i := info(t, cfg)
	assert.Zero(t, i.ActiveVisits)
	assert.Equal(t, uint64(3), i.Hits)
	assert.False(t, i.Incremental)
}

func TestIncrementalRunsResumeOpenVisits(t *testing.T) {
	cfg := testsupport.NewConfig(t, map[string]any{"incremental": true})
	hist := testsupport.NewHistory(t)

	e := open(t, cfg, engine.Options{History: hist})
	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/"),
		testsupport.Hit(t0.Add(time.Minute), "10.0.0.1", "/a.html"),
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Totals().Visits)
	assert.Zero(t, e.Totals().VisitsEnd)
	require.NoError(t, e.Close())

	i := info(t, cfg)
	assert.True(t, i.Incremental)
	assert.Equal(t, uint64(1), i.ActiveVisits)

	e = open(t, cfg, engine.Options{History: hist})
	stats, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0.Add(time.Minute), "10.0.0.1", "/a.html"),
		testsupport.Hit(t0.Add(2*time.Minute), "10.0.0.1", "/b.html"),
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, uint64(1), stats.Good)

	tot := e.Totals()
	assert.Equal(t, uint64(3), tot.Hits)
	assert.Equal(t, uint64(1), tot.Visits)
	assert.Equal(t, uint64(1), tot.Hosts)
	assert.Equal(t, uint64(1), tot.Entry)
	require.NoError(t, e.Close())

	last := testsupport.NewConfig(t, map[string]any{
		"incremental": true,
		"lastlog":     true,
		"dbpath":      cfg.DBPath,
	})
	e = open(t, last, engine.Options{History: hist})
	_, err = e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0.Add(50*time.Minute), "10.0.0.1", "/c.html"),
	}))
	require.NoError(t, err)
	assert.True(t, e.Totals().Cursor.IsZero(), "the month is cleared after the last log")
	require.NoError(t, e.Close())

	_, err = os.Stat(cfg.DBPath + "_202403")
	require.NoError(t, err, "the month is archived")

	month, found, err := hist.Get(2024, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(4), month.Hits)
	assert.Equal(t, uint64(2), month.Visits)
	assert.Equal(t, uint64(1), month.Hosts)
}

func TestNonIncrementalRunRefusesIncrementalStore(t *testing.T) {
	cfg := testsupport.NewConfig(t, map[string]any{"incremental": true})
	e := open(t, cfg, engine.Options{})
	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/"),
	}))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	fresh := testsupport.NewConfig(t, map[string]any{"dbpath": cfg.DBPath})
	_, err = engine.New(fresh, engine.Options{Logger: testsupport.GetLogger()})
	assert.ErrorIs(t, err, engine.ErrIncrementalStore)
}

func TestMonthChangeReportsAndRollsOver(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	hist := testsupport.NewHistory(t)
	m := metrics.New()
	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{History: hist, Reporter: rep, Metrics: m})
	defer e.Close()

	march := time.Date(2024, time.March, 31, 23, 50, 0, 0, time.UTC)
	april := time.Date(2024, time.April, 1, 0, 10, 0, 0, time.UTC)
	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(march, "10.0.0.1", "/"),
		testsupport.Hit(april, "10.0.0.1", "/"),
	}))
	require.NoError(t, err)

	require.Len(t, rep.summaries, 2)
	assert.Equal(t, time.March, rep.summaries[0].Month.Month())
	assert.Equal(t, uint64(1), rep.summaries[0].Totals.Hits)
	assert.Equal(t, time.April, rep.summaries[1].Month.Month())
	assert.Equal(t, uint64(1), rep.summaries[1].Totals.Hits)

	tot := e.Totals()
	assert.Equal(t, uint64(1), tot.Hits)
	assert.Equal(t, uint64(1), tot.Hosts)
	assert.Equal(t, uint32(1), tot.FirstDay)
	assert.Equal(t, 1.0, m.Value("webalyze_month_rollovers_total", nil))

	_, err = os.Stat(cfg.DBPath + "_202403")
	require.NoError(t, err)

	months, err := hist.Recent(12)
	require.NoError(t, err)
	assert.Len(t, months, 2)
}

func TestSpammersAndRobots(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	rules := config.DefaultRules()
	rules.SpamReferrers = config.Patterns{"spam.example"}
	rules.Robots = []config.RobotRule{{Name: "Crawler", Pattern: "testcrawler"}}
	rules.GroupRobots = true
	cfg.Rules = rules

	spam := testsupport.Hit(t0, "10.0.0.2", "/")
	spam.Referrer = "http://spam.example/offer"
	robot := testsupport.Hit(t0.Add(time.Second), "10.0.0.3", "/")
	robot.Agent = "TestCrawler/1.0"
	human := testsupport.Hit(t0.Add(2*time.Second), "10.0.0.4", "/")

	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{Reporter: rep})
	defer e.Close()
	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{spam, robot, human}))
	require.NoError(t, err)

	tot := e.Totals()
	assert.Equal(t, uint64(3), tot.Hits)
	assert.Equal(t, uint64(3), tot.Hosts)
	assert.Equal(t, uint64(3), tot.VisitsEnd)

	assert.Equal(t, uint64(1), tot.SpamVisitsEnd)
	assert.Equal(t, uint64(1), tot.SpamHosts)
	assert.Equal(t, uint64(1), tot.SpamHits)
	assert.Zero(t, tot.Referrers, "spam referrers are not recorded")

	assert.Equal(t, uint64(1), tot.RobotHits)
	assert.Equal(t, uint64(1), tot.RobotHosts)
	assert.Equal(t, uint64(1), tot.RobotVisits)
	assert.Equal(t, uint64(1), tot.RobotVisitsEnd)
	assert.Equal(t, uint64(1), tot.GroupAgents)

	assert.Equal(t, uint64(1), tot.HumanVisitsEnd)
	assert.Equal(t, uint64(1), tot.Entry)
	assert.Equal(t, uint64(1), tot.Exit)

	require.Len(t, rep.summaries, 1)
	s := rep.summaries[0]
	require.Len(t, s.Countries, 1)
	assert.Equal(t, uint64(1), s.Countries[0].Key)

	groups, ok := s.List("agents.groups.visits")
	require.True(t, ok)
	assert.Equal(t, []string{"Crawler"}, rowValues(groups))
}

func TestIgnoredRecordsAreCountedOnly(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	rules := config.DefaultRules()
	rules.IgnoreURLs = config.Patterns{"/health*"}
	cfg.Rules = rules

	e := open(t, cfg, engine.Options{})
	defer e.Close()
	stats, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/healthz"),
		testsupport.Hit(t0.Add(time.Second), "10.0.0.1", "/"),
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Ignored)
	assert.Equal(t, uint64(1), e.Totals().Ignored)
	assert.Equal(t, uint64(1), e.Totals().Hits)
}

func TestOutOfOrderRecordsAreSkipped(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	e := open(t, cfg, engine.Options{})
	defer e.Close()

	// Two sources interleave chronologically; a late record inside one
	// source lands behind the cursor.
	stats, err := e.Process(context.Background(), testsupport.Sources(
		[]logfile.Record{
			testsupport.Hit(t0, "10.0.0.1", "/"),
			testsupport.Hit(t0.Add(10*time.Second), "10.0.0.1", "/a.html"),
		},
		[]logfile.Record{
			testsupport.Hit(t0.Add(5*time.Second), "10.0.0.2", "/"),
			testsupport.Hit(t0.Add(20*time.Second), "10.0.0.2", "/"),
			testsupport.Hit(t0.Add(15*time.Second), "10.0.0.2", "/late.html"),
		},
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.Records)
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, uint64(4), e.Totals().Hits)
}

func TestPrepReportAfterBatchRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, map[string]any{"batch": true})
	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{Reporter: rep})
	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/"),
		testsupport.Hit(t0.Add(time.Second), "10.0.0.2", "/"),
		testsupport.Hit(t0.Add(2*time.Second), "10.0.0.2", "/docs.html"),
	}))
	require.NoError(t, err)
	assert.Empty(t, rep.summaries, "batch runs leave reporting to prep-report")
	require.NoError(t, e.Close())

	e = open(t, cfg, engine.Options{Mode: engine.ModePrepReport})
	defer e.Close()

	_, err = e.Process(context.Background(), nil)
	assert.ErrorIs(t, err, engine.ErrWrongMode)

	s, err := e.PrepReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Totals.Hits)

	urls, ok := s.List("urls.hits")
	require.True(t, ok)
	require.Len(t, urls.Rows, 2)
	assert.Equal(t, "/", urls.Rows[0].Value)
	assert.Equal(t, uint64(2), urls.Rows[0].Key)

	hosts, ok := s.List("hosts.hits")
	require.True(t, ok)
	require.Len(t, hosts.Rows, 2)
	assert.Equal(t, "10.0.0.2", hosts.Rows[0].Value)
}

func TestEndMonthClosesStoredMonth(t *testing.T) {
	cfg := testsupport.NewConfig(t, map[string]any{"incremental": true, "batch": true})
	hist := testsupport.NewHistory(t)
	e := open(t, cfg, engine.Options{History: hist})
	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/"),
	}))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	rep := &captureReporter{}
	e = open(t, cfg, engine.Options{Mode: engine.ModeEndMonth, History: hist, Reporter: rep})
	require.NoError(t, e.EndMonth(context.Background()))
	require.NoError(t, e.Close())

	require.Len(t, rep.summaries, 1)
	assert.Equal(t, uint64(1), rep.summaries[0].Totals.VisitsEnd)

	_, err = os.Stat(cfg.DBPath + "_202403")
	require.NoError(t, err)
	i := info(t, cfg)
	assert.True(t, i.Cursor.IsZero())
	assert.Zero(t, i.ActiveVisits)
}

func TestMaintenanceModesNeedStore(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	for _, mode := range []engine.Mode{engine.ModeInfo, engine.ModeCompact, engine.ModePrepReport, engine.ModeEndMonth} {
		_, err := engine.New(cfg, engine.Options{Mode: mode, Logger: testsupport.GetLogger()})
		assert.ErrorIs(t, err, engine.ErrNoStore, mode.String())
	}
}

func TestDuplicateActiveSession(t *testing.T) {
	cfg := testsupport.NewConfig(t, map[string]any{"incremental": true})

	db, err := store.Open(store.Options{
		Path:       cfg.DBPath,
		AppVersion: config.AppVersion,
		TimeZone:   cfg.TimeZone,
		Logger:     testsupport.GetLogger(),
	})
	require.NoError(t, err)
	sys := db.System()
	sys.Incremental = true
	require.NoError(t, db.PutSystem(sys))

	hosts := store.NewTable(db, "hosts", func() *entity.Host { return &entity.Host{} }, store.TableConfig[*entity.Host]{ValueIndex: true})
	h := entity.NewHost("10.9.9.9")
	require.NoError(t, hosts.Put(h))
	visits := store.NewTable(db, "visits.active", func() *entity.Visit { return &entity.Visit{} }, store.TableConfig[*entity.Visit]{})
	require.NoError(t, visits.Put(entity.NewVisit(h.ID, t0)))
	require.NoError(t, db.Close())

	e := open(t, cfg, engine.Options{})
	defer e.Close()
	_, err = e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0.Add(time.Minute), "10.9.9.9", "/"),
	}))
	assert.ErrorIs(t, err, engine.ErrDuplicateActiveSession)
}

// cancelingSource cancels the run when its record at index at is read.
type cancelingSource struct {
	*testsupport.Source
	reads  int
	at     int
	cancel context.CancelFunc
}

func (s *cancelingSource) Next() (logfile.Record, error) {
	if s.reads == s.at {
		s.cancel()
	}
	s.reads++
	return s.Source.Next()
}

func TestCancelSavesWithoutReport(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{Reporter: rep})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancelingSource{
		Source: testsupport.NewSource("access.log",
			testsupport.Hit(t0, "10.0.0.1", "/"),
			testsupport.Hit(t0.Add(time.Second), "10.0.0.1", "/a.html"),
			testsupport.Hit(t0.Add(2*time.Second), "10.0.0.1", "/b.html"),
			testsupport.Hit(t0.Add(3*time.Second), "10.0.0.1", "/c.html"),
		),
		at:     2,
		cancel: cancel,
	}

	// The merge reads one record ahead, so two records are aggregated
	// before the cancellation is observed.
	stats, err := e.Process(ctx, []merge.Source{src})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, stats.Canceled)
	assert.Equal(t, uint64(2), stats.Good)
	assert.Empty(t, rep.summaries)
	require.NoError(t, e.Close())

	assert.Equal(t, uint64(2), info(t, cfg).Hits)
}

func TestInMemoryStore(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	e := open(t, cfg, engine.Options{InMemory: true})
	defer e.Close()

	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/"),
	}))
	require.NoError(t, err)
	i, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), i.Hits)
	assert.Zero(t, i.DiskSize)
	_, err = os.Stat(cfg.DBPath)
	assert.True(t, os.IsNotExist(err))
}

func storedDownloads(t *testing.T, cfg *config.Config) map[string]*entity.Download {
	t.Helper()
	db, err := store.Open(store.Options{
		Path:       cfg.DBPath,
		AppVersion: config.AppVersion,
		TimeZone:   cfg.TimeZone,
		Logger:     testsupport.GetLogger(),
	})
	require.NoError(t, err)
	defer db.Close()

	out := map[string]*entity.Download{}
	downloads := store.NewTable(db, "downloads", func() *entity.Download { return &entity.Download{} }, store.TableConfig[*entity.Download]{ValueIndex: true})
	require.NoError(t, downloads.Iterate(func(d *entity.Download) error {
		out[d.Value] = d
		return nil
	}))
	return out
}

func withDownloads(cfg *config.Config) {
	rules := config.DefaultRules()
	rules.Downloads = []config.DownloadRule{{Name: "archives", Pattern: "*.zip"}}
	cfg.Rules = rules
}

func TestDownloadSessions(t *testing.T) {
	tests := []struct {
		name     string
		offsets  []time.Duration
		wantDone uint64
		wantHits uint64
		wantXfer uint64
		wantTime float64
	}{
		{
			name:    "requests inside the timeout share a session",
			offsets: []time.Duration{0, 30 * time.Second, 59 * time.Second},
		},
		{
			name:     "idle gap closes the session",
			offsets:  []time.Duration{0, 30 * time.Second, 200 * time.Second},
			wantDone: 1,
			wantHits: 2,
			wantXfer: 2000,
			wantTime: 1,
		},
		{
			name:     "gap of exactly the timeout closes the session",
			offsets:  []time.Duration{0, time.Minute},
			wantDone: 1,
			wantHits: 1,
			wantXfer: 1000,
			wantTime: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, map[string]any{"downloadtimeoutseconds": 60})
			withDownloads(cfg)

			var recs []logfile.Record
			for _, off := range tt.offsets {
				r := testsupport.Hit(t0.Add(off), "10.0.0.1", "/files/release.zip")
				r.ProcTime = 30000
				recs = append(recs, r)
			}

			rep := &captureReporter{}
			e := open(t, cfg, engine.Options{Reporter: rep})
			_, err := e.Process(context.Background(), testsupport.Sources(recs))
			require.NoError(t, err)

			tot := e.Totals()
			assert.Equal(t, uint64(1), tot.Downloads, "jobs")
			assert.Equal(t, tt.wantDone, tot.DownloadsDone)

			require.Len(t, rep.summaries, 1)
			l, ok := rep.summaries[0].List("downloads.xfer")
			require.True(t, ok)
			if tt.wantXfer == 0 {
				assert.Empty(t, l.Rows, "open sessions are not reported")
			} else {
				require.Len(t, l.Rows, 1)
				assert.Equal(t, "archives", l.Rows[0].Label)
				assert.Equal(t, tt.wantXfer, l.Rows[0].Key)
			}
			require.NoError(t, e.Close())

			// The session opened by the last request stays active.
			assert.Equal(t, uint64(1), info(t, cfg).ActiveDownloads)

			jobs := storedDownloads(t, cfg)
			require.Len(t, jobs, 1)
			d := jobs[entity.DownloadKey("archives", "10.0.0.1")]
			require.NotNil(t, d)
			assert.Equal(t, tt.wantDone, d.Count)
			assert.Equal(t, tt.wantHits, d.SumHits)
			assert.Equal(t, tt.wantXfer, d.SumXfer)
			assert.InDelta(t, tt.wantTime, d.SumTime, 1e-9)
		})
	}
}

func TestMaxVisitLength(t *testing.T) {
	offsets := []time.Duration{0, 40 * time.Second, 80 * time.Second, 90 * time.Second}
	tests := []struct {
		name       string
		maxSeconds int
		wantVisits uint64
		wantMax    uint64
	}{
		{name: "unlimited", maxSeconds: 0, wantVisits: 1, wantMax: 90},
		{name: "visit longer than the limit is split", maxSeconds: 60, wantVisits: 2, wantMax: 80},
		{name: "short limit splits early", maxSeconds: 30, wantVisits: 2, wantMax: 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, map[string]any{"maxvisitlengthseconds": tt.maxSeconds})
			e := open(t, cfg, engine.Options{})
			defer e.Close()

			var recs []logfile.Record
			for _, off := range offsets {
				recs = append(recs, testsupport.Hit(t0.Add(off), "10.0.0.1", "/"))
			}
			_, err := e.Process(context.Background(), testsupport.Sources(recs))
			require.NoError(t, err)

			tot := e.Totals()
			assert.Equal(t, uint64(4), tot.Hits)
			assert.Equal(t, tt.wantVisits, tot.Visits)
			assert.Equal(t, tt.wantVisits, tot.VisitsEnd)
			assert.Equal(t, tt.wantMax, tot.VisitMax)
		})
	}
}

func TestSwapOutDuringProcess(t *testing.T) {
	cfg := testsupport.NewConfig(t, map[string]any{"swapfrequency": 1, "cachebudget": 1})
	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{Reporter: rep})
	defer e.Close()

	stats, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
		testsupport.Hit(t0, "10.0.0.1", "/a"),
		testsupport.Hit(t0.Add(2*time.Hour), "10.0.0.2", "/b"),
		testsupport.Hit(t0.Add(4*time.Hour), "10.0.0.3", "/a"),
		testsupport.Hit(t0.Add(6*time.Hour), "10.0.0.1", "/c"),
		testsupport.Hit(t0.Add(8*time.Hour), "10.0.0.2", "/a"),
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.Swaps)
	assert.NotZero(t, stats.Evicted)

	// Evicted hosts and URLs come back from the store with their counts.
	tot := e.Totals()
	assert.Equal(t, uint64(5), tot.Hits)
	assert.Equal(t, uint64(3), tot.Hosts)
	assert.Equal(t, uint64(3), tot.URLs)
	assert.Equal(t, uint64(5), tot.Visits)
	assert.Equal(t, uint64(5), tot.VisitsEnd)

	require.Len(t, rep.summaries, 1)
	urls, ok := rep.summaries[0].List("urls.hits")
	require.True(t, ok)
	require.NotEmpty(t, urls.Rows)
	assert.Equal(t, "/a", urls.Rows[0].Value)
	assert.Equal(t, uint64(3), urls.Rows[0].Key)

	hosts, ok := rep.summaries[0].List("hosts.hits")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, rowValues(hosts))
}

// Swap-out closes a session and evicts its owner before the owner comes
// back. The stored row of the closed session is only deleted at the next
// save, which must not be taken for a session left behind.
func TestSessionReopenedAfterSwapOut(t *testing.T) {
	tests := []struct {
		name            string
		url             string
		downloads       bool
		wantDone        uint64
		wantActiveDls   uint64
		wantActiveVisit uint64
	}{
		{name: "visit", url: "/", wantActiveVisit: 2},
		{name: "download", url: "/f.zip", downloads: true, wantDone: 1, wantActiveDls: 1, wantActiveVisit: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, map[string]any{"incremental": true})
			if tt.downloads {
				withDownloads(cfg)
			}
			e := open(t, cfg, engine.Options{})
			_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
				testsupport.Hit(t0, "10.0.0.1", tt.url),
			}))
			require.NoError(t, err)
			require.NoError(t, e.Close())

			cfg.SwapFrequency = 1
			e = open(t, cfg, engine.Options{})
			stats, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{
				testsupport.Hit(t0.Add(2*time.Hour), "10.0.0.2", "/"),
				testsupport.Hit(t0.Add(2*time.Hour+time.Second), "10.0.0.1", tt.url),
			}))
			require.NoError(t, err)
			assert.NotZero(t, stats.Evicted)

			tot := e.Totals()
			assert.Equal(t, uint64(3), tot.Visits)
			assert.Equal(t, uint64(1), tot.VisitsEnd)
			assert.Equal(t, tt.wantDone, tot.DownloadsDone)
			require.NoError(t, e.Close())

			i := info(t, cfg)
			assert.Equal(t, tt.wantActiveVisit, i.ActiveVisits)
			assert.Equal(t, tt.wantActiveDls, i.ActiveDownloads)
		})
	}
}

// lookupSource releases the blocked reverse lookups once the record at
// index at has been read.
type lookupSource struct {
	*testsupport.Source
	reads   int
	at      int
	release chan struct{}
}

func (s *lookupSource) Next() (logfile.Record, error) {
	if s.reads == s.at {
		close(s.release)
	}
	s.reads++
	return s.Source.Next()
}

func TestVisitsQueuedForLookupAreGroupedByName(t *testing.T) {
	cfg := testsupport.NewConfig(t, map[string]any{"dnsenabled": true, "groupdomains": 1})

	release := make(chan struct{})
	lookup := func(ctx context.Context, addr string) ([]string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if addr == "10.0.0.1" {
			return []string{"Client.Example.com."}, nil
		}
		return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
	}
	r, err := resolver.New(resolver.Options{Workers: 2, Timeout: 5 * time.Second, DNS: true, LookupAddr: lookup},
		nil, nil, testsupport.GetLogger())
	require.NoError(t, err)
	r.Start(context.Background())
	defer r.Close(false)

	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{Reporter: rep, Resolver: r})
	defer e.Close()

	// The first visit of 10.0.0.1 closes while its lookup is still out.
	src := &lookupSource{
		Source: testsupport.NewSource("access.log",
			testsupport.Hit(t0, "10.0.0.1", "/"),
			testsupport.Hit(t0.Add(2000*time.Second), "10.0.0.1", "/a.html"),
			testsupport.Hit(t0.Add(2001*time.Second), "10.0.0.2", "/"),
			testsupport.Hit(t0.Add(2002*time.Second), "10.0.0.3", "/"),
		),
		at:      3,
		release: release,
	}
	stats, err := e.Process(context.Background(), []merge.Source{src})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Finished)
	assert.Equal(t, uint64(4), e.Totals().VisitsEnd)

	require.Len(t, rep.summaries, 1)
	s := rep.summaries[0]
	groups, ok := s.List("hosts.groups.hits")
	require.True(t, ok)
	require.Len(t, groups.Rows, 1)
	assert.Equal(t, "example.com", groups.Rows[0].Value)
	assert.Equal(t, uint64(2), groups.Rows[0].Key)

	hosts, ok := s.List("hosts.hits")
	require.True(t, ok)
	labels := map[string]string{}
	for _, row := range hosts.Rows {
		labels[row.Value] = row.Label
	}
	assert.Equal(t, "client.example.com", labels["10.0.0.1"])
	assert.Equal(t, "10.0.0.2", labels["10.0.0.2"])
}

func TestReferrerLabels(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	rules := config.DefaultRules()
	rules.ReferrerNames = []referrers.Site{{Host: "news.ycombinator.com", Name: "Hacker News"}}
	cfg.Rules = rules

	hn := testsupport.Hit(t0, "10.0.0.1", "/")
	hn.Referrer = "https://news.ycombinator.com/item?id=1"
	search := testsupport.Hit(t0.Add(time.Second), "10.0.0.2", "/")
	search.Referrer = "https://www.google.com/search?q=web+logs"
	other := testsupport.Hit(t0.Add(2*time.Second), "10.0.0.3", "/")
	other.Referrer = "https://www.example.org:8080/links"

	rep := &captureReporter{}
	e := open(t, cfg, engine.Options{Reporter: rep})
	defer e.Close()
	_, err := e.Process(context.Background(), testsupport.Sources([]logfile.Record{hn, search, other}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Totals().SearchHits)

	require.Len(t, rep.summaries, 1)
	refs, ok := rep.summaries[0].List("referrers.hits")
	require.True(t, ok)
	labels := map[string]string{}
	for _, row := range refs.Rows {
		labels[row.Value] = row.Label
	}
	assert.Equal(t, map[string]string{
		hn.Referrer:     "Hacker News",
		search.Referrer: "Google",
		other.Referrer:  "example.org",
	}, labels)
}

func TestFinishedSources(t *testing.T) {
	cfg := testsupport.NewConfig(t, nil)
	e := open(t, cfg, engine.Options{})
	defer e.Close()

	stats, err := e.Process(context.Background(), testsupport.Sources(
		[]logfile.Record{testsupport.Hit(t0, "10.0.0.1", "/")},
		[]logfile.Record{testsupport.Hit(t0.Add(time.Second), "10.0.0.2", "/")},
		nil,
	))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Finished)
	assert.Equal(t, uint64(2), stats.Good)
}
