package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"webalyze/internal/entity"
	"webalyze/internal/pkg/async"
	"webalyze/internal/store"
)

// DefaultTopN is the number of rows kept per summary list.
const DefaultTopN = 30

// Row is one line of a top-N list.
type Row struct {
	ID    uint64
	Value string
	Label string
	Key   uint64
}

// TopList is one index read in descending order.
type TopList struct {
	Index string
	Rows  []Row
}

// Summary is what report generators receive: the month totals and the
// head of every sort index.
type Summary struct {
	Month     time.Time
	Totals    entity.Totals
	Countries []Row
	Lists     []TopList
}

// List returns the list read from index, if present.
func (s *Summary) List(index string) (TopList, bool) {
	for _, l := range s.Lists {
		if l.Index == index {
			return l, true
		}
	}
	return TopList{}, false
}

// associate attaches the sort indexes of every entity table, rebuilding
// them when asked. Tables are independent, so they are done in parallel.
func (e *Engine) associate(ctx context.Context, rebuild bool) error {
	start := time.Now()
	tables := e.t.indexed()
	tasks := make([]async.Task[int], 0, len(tables))
	for _, t := range tables {
		tasks = append(tasks, async.Task[int]{
			Name: t.Name(),
			Execute: func(context.Context) (int, error) {
				return len(t.IndexNames()), t.AssociateIndexes(rebuild)
			},
		})
	}
	results := async.NewPool[int](runtime.NumCPU()).Execute(ctx, tasks)

	var errs []error
	indexes := 0
	for _, t := range tables {
		res, ok := results[t.Name()]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("table %s: index association did not run: %w", t.Name(), ctx.Err()))
		case res.Err != nil:
			errs = append(errs, fmt.Errorf("table %s: %w", t.Name(), res.Err))
		default:
			indexes += res.Data
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.logger.Info("Indexes associated",
		slog.Int("indexes", indexes),
		slog.Bool("rebuild", rebuild),
		slog.Duration("took", time.Since(start)))
	return nil
}

// report rebuilds the indexes and hands the summary to the reporter.
func (e *Engine) report(ctx context.Context) error {
	if err := e.associate(ctx, true); err != nil {
		return err
	}
	s, err := e.summary(DefaultTopN)
	if err != nil {
		return err
	}
	if e.reporter == nil {
		return nil
	}
	return e.reporter.Report(ctx, s)
}

func top[E entity.Entity](t *store.Table[E], index string, n int, key func(E) uint64, label func(E) string, hide func(E) bool) (TopList, error) {
	l := TopList{Index: index}
	for rec, err := range t.IterateByIndex(index, store.Descending) {
		if err != nil {
			return l, err
		}
		k := key(rec)
		if k == 0 || (hide != nil && hide(rec)) {
			continue
		}
		h := rec.Header()
		row := Row{ID: h.ID, Value: h.Value, Key: k}
		if label != nil {
			row.Label = label(rec)
		}
		l.Rows = append(l.Rows, row)
		if len(l.Rows) == n {
			break
		}
	}
	return l, nil
}

func (e *Engine) referrerLabel(r *entity.Referrer) string {
	return e.refs.Label(r.Value)
}

func (e *Engine) summary(n int) (*Summary, error) {
	s := &Summary{Month: e.totals.Cursor, Totals: e.totals}
	var errs []error
	add := func(l TopList, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		s.Lists = append(s.Lists, l)
	}

	urlHits := func(u *entity.URL) uint64 { return u.Count }
	urlXfer := func(u *entity.URL) uint64 { return u.Xfer }
	add(top(e.t.urls, "urls.hits", n, urlHits, nil, nil))
	add(top(e.t.urls, "urls.xfer", n, urlXfer, nil, nil))
	add(top(e.t.urls, "urls.entry", n, func(u *entity.URL) uint64 { return u.Entry }, nil, nil))
	add(top(e.t.urls, "urls.exit", n, func(u *entity.URL) uint64 { return u.Exit }, nil, nil))
	add(top(e.t.urls, "urls.groups.hits", n, urlHits, nil, nil))
	add(top(e.t.urls, "urls.groups.xfer", n, urlXfer, nil, nil))

	hostHits := func(h *entity.Host) uint64 { return h.Count }
	hostXfer := func(h *entity.Host) uint64 { return h.Xfer }
	hostName := func(h *entity.Host) string { return h.Hostname() }
	add(top(e.t.hosts, "hosts.hits", n, hostHits, hostName, nil))
	add(top(e.t.hosts, "hosts.xfer", n, hostXfer, hostName, nil))
	add(top(e.t.hosts, "hosts.groups.hits", n, hostHits, nil, nil))
	add(top(e.t.hosts, "hosts.groups.xfer", n, hostXfer, nil, nil))

	refHits := func(r *entity.Referrer) uint64 { return r.Count }
	hidden := func(r *entity.Referrer) bool { return e.rules.HideReferrers.Match(r.Value) }
	add(top(e.t.referrers, "referrers.hits", n, refHits, e.referrerLabel, hidden))
	add(top(e.t.referrers, "referrers.groups.hits", n, refHits, nil, nil))

	agentVisits := func(a *entity.Agent) uint64 { return a.Visits }
	add(top(e.t.agents, "agents.hits", n, func(a *entity.Agent) uint64 { return a.Count }, nil, nil))
	add(top(e.t.agents, "agents.visits", n, agentVisits, nil, nil))
	add(top(e.t.agents, "agents.groups.visits", n, agentVisits, nil, nil))

	add(top(e.t.search, "search.hits", n, func(s *entity.Search) uint64 { return s.Count }, nil, nil))

	userHits := func(u *entity.User) uint64 { return u.Count }
	add(top(e.t.users, "users.hits", n, userHits, nil, nil))
	add(top(e.t.users, "users.groups.hits", n, userHits, nil, nil))

	add(top(e.t.errors, "errors.hits", n, func(r *entity.ErrorRecord) uint64 { return r.Count }, nil, nil))
	add(top(e.t.downloads, "downloads.xfer", n, func(d *entity.Download) uint64 { return d.SumXfer },
		func(d *entity.Download) string { return d.Name }, nil))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	for _, c := range e.countries {
		if c.Count > 0 {
			s.Countries = append(s.Countries, Row{ID: c.ID, Value: c.Value, Label: c.Description, Key: c.Count})
		}
	}
	slices.SortFunc(s.Countries, func(a, b Row) int {
		if d := cmp.Compare(b.Key, a.Key); d != 0 {
			return d
		}
		return cmp.Compare(a.Value, b.Value)
	})
	return s, nil
}

// PrepReport builds the summary of the stored month without touching the
// data. Indexes were associated when the engine was opened.
func (e *Engine) PrepReport(ctx context.Context) (*Summary, error) {
	if e.mode != ModePrepReport {
		return nil, fmt.Errorf("%w: prep-report in %s mode", ErrWrongMode, e.mode)
	}
	s, err := e.summary(DefaultTopN)
	if err != nil {
		return nil, err
	}
	if e.reporter != nil {
		if err := e.reporter.Report(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EndMonth closes every open session of the stored month, saves it, hands
// it to reporting and starts an empty month.
func (e *Engine) EndMonth(ctx context.Context) error {
	if e.mode != ModeEndMonth {
		return fmt.Errorf("%w: end-month in %s mode", ErrWrongMode, e.mode)
	}
	if e.totals.Cursor.IsZero() {
		e.logger.Info("Nothing to close, the store holds no month")
		return nil
	}
	return e.endMonth(ctx)
}

// Compact reclaims store space and returns the bytes freed.
func (e *Engine) Compact() (int64, error) {
	if e.mode != ModeCompact {
		return 0, fmt.Errorf("%w: compact in %s mode", ErrWrongMode, e.mode)
	}
	start := time.Now()
	freed, err := e.db.Compact()
	if err != nil {
		return 0, err
	}
	e.logger.Info("Store compacted",
		slog.Int64("bytes_freed", freed),
		slog.Duration("took", time.Since(start)))
	return freed, nil
}

// Info describes a store.
type Info struct {
	Path           string
	AppVersion     string
	AppVersionLast string
	TimeZone       string
	Created        time.Time
	Incremental    bool
	Batch          bool

	Cursor   time.Time
	FirstDay uint32
	LastDay  uint32
	Hits     uint64
	Visits   uint64
	Hosts    uint64

	ActiveVisits    uint64
	ActiveDownloads uint64

	LSMSize  int64
	VlogSize int64
	DiskSize int64
}

// Info reads the system record, the totals and the session tables.
func (e *Engine) Info() (Info, error) {
	sys := e.db.System()
	info := Info{
		Path:           e.db.Path(),
		AppVersion:     sys.AppVersion,
		AppVersionLast: sys.AppVersionLast,
		TimeZone:       sys.TimeZone,
		Created:        sys.Created,
		Incremental:    sys.Incremental,
		Batch:          sys.Batch,
		Cursor:         e.totals.Cursor,
		FirstDay:       e.totals.FirstDay,
		LastDay:        e.totals.LastDay,
		Hits:           e.totals.Hits,
		Visits:         e.totals.Visits,
		Hosts:          e.totals.Hosts,
	}
	var err error
	if info.ActiveVisits, err = e.t.visits.Count(); err != nil {
		return info, err
	}
	if info.ActiveDownloads, err = e.t.active.Count(); err != nil {
		return info, err
	}
	info.LSMSize, info.VlogSize = e.db.Sizes()
	if size, err := e.db.DiskSize(); err == nil {
		info.DiskSize = size
	} else if !errors.Is(err, store.ErrUnsupported) {
		return info, err
	}
	return info, nil
}
