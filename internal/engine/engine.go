// Package engine turns a time-ordered stream of log records into the
// per-month entity tables of the store. It owns the caches, the visit and
// download session state machines and the checkpoint logic that lets a
// later run resume where this one stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"webalyze/internal/cache"
	"webalyze/internal/config"
	"webalyze/internal/entity"
	"webalyze/internal/history"
	"webalyze/internal/jobs"
	"webalyze/internal/metrics"
	"webalyze/internal/pkg/referrers"
	"webalyze/internal/pkg/user_agent"
	"webalyze/internal/resolver"
	"webalyze/internal/store"
)

var (
	// ErrDuplicateActiveSession is returned when an entity loaded from the
	// store still has a persisted open session that was not restored.
	ErrDuplicateActiveSession = errors.New("entity already has an active session in the store")
	// ErrIncrementalStore refuses to truncate incremental state for a
	// non-incremental run.
	ErrIncrementalStore = errors.New("cannot truncate an incremental store for a non-incremental run")
	// ErrNoStore is returned by maintenance modes when the store is missing.
	ErrNoStore = errors.New("store does not exist")
	// ErrWrongMode is returned when an operation does not belong to the
	// mode the engine was opened in.
	ErrWrongMode = errors.New("operation not available in this mode")
)

// Mode selects what the engine is opened for.
type Mode int

const (
	ModeProcess Mode = iota
	ModePrepReport
	ModeEndMonth
	ModeCompact
	ModeInfo
)

func (m Mode) String() string {
	switch m {
	case ModeProcess:
		return "process"
	case ModePrepReport:
		return "prep-report"
	case ModeEndMonth:
		return "end-month"
	case ModeCompact:
		return "compact"
	case ModeInfo:
		return "db-info"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Reporter receives the top-N summary built after indexes are associated.
type Reporter interface {
	Report(ctx context.Context, s *Summary) error
}

// Options carries the collaborators of an engine. Everything but Mode is
// optional.
type Options struct {
	Mode Mode
	// InMemory keeps the store in memory. Rollover truncates it.
	InMemory bool

	Logger      *slog.Logger
	StoreLogger badger.Logger
	Metrics     *metrics.Metrics
	History     *history.DBManager
	Resolver    *resolver.Resolver
	Reporter    Reporter
}

type tables struct {
	hosts     *store.Table[*entity.Host]
	urls      *store.Table[*entity.URL]
	referrers *store.Table[*entity.Referrer]
	agents    *store.Table[*entity.Agent]
	search    *store.Table[*entity.Search]
	users     *store.Table[*entity.User]
	errors    *store.Table[*entity.ErrorRecord]
	downloads *store.Table[*entity.Download]

	visits    *store.Table[*entity.Visit]
	active    *store.Table[*entity.ActiveDownload]
	countries *store.Table[*entity.Country]
	daily     *store.Table[*entity.Daily]
	hourly    *store.Table[*entity.Hourly]
	statuses  *store.Table[*entity.StatusCode]
	totals    *store.Table[*entity.Totals]
}

// indexed is the part of a table needed to manage its sort indexes.
type indexed interface {
	Name() string
	IndexNames() []string
	AssociateIndexes(rebuild bool) error
	DissociateIndexes()
}

func (t tables) indexed() []indexed {
	return []indexed{t.hosts, t.urls, t.referrers, t.agents, t.search, t.users, t.errors, t.downloads}
}

func newTables(db *store.DB) tables {
	return tables{
		hosts: store.NewTable(db, "hosts", func() *entity.Host { return &entity.Host{} }, store.TableConfig[*entity.Host]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.Host]{
				{Field: "hits", Key: func(h *entity.Host) uint64 { return h.Count }},
				{Field: "xfer", Key: func(h *entity.Host) uint64 { return h.Xfer }},
				{Field: "hits", Groups: true, Key: func(h *entity.Host) uint64 { return h.Count }},
				{Field: "xfer", Groups: true, Key: func(h *entity.Host) uint64 { return h.Xfer }},
			},
		}),
		urls: store.NewTable(db, "urls", func() *entity.URL { return &entity.URL{} }, store.TableConfig[*entity.URL]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.URL]{
				{Field: "hits", Key: func(u *entity.URL) uint64 { return u.Count }},
				{Field: "xfer", Key: func(u *entity.URL) uint64 { return u.Xfer }},
				{Field: "entry", Key: func(u *entity.URL) uint64 { return u.Entry }},
				{Field: "exit", Key: func(u *entity.URL) uint64 { return u.Exit }},
				{Field: "hits", Groups: true, Key: func(u *entity.URL) uint64 { return u.Count }},
				{Field: "xfer", Groups: true, Key: func(u *entity.URL) uint64 { return u.Xfer }},
			},
		}),
		referrers: store.NewTable(db, "referrers", func() *entity.Referrer { return &entity.Referrer{} }, store.TableConfig[*entity.Referrer]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.Referrer]{
				{Field: "hits", Key: func(r *entity.Referrer) uint64 { return r.Count }},
				{Field: "hits", Groups: true, Key: func(r *entity.Referrer) uint64 { return r.Count }},
			},
		}),
		agents: store.NewTable(db, "agents", func() *entity.Agent { return &entity.Agent{} }, store.TableConfig[*entity.Agent]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.Agent]{
				{Field: "hits", Key: func(a *entity.Agent) uint64 { return a.Count }},
				{Field: "visits", Key: func(a *entity.Agent) uint64 { return a.Visits }},
				{Field: "visits", Groups: true, Key: func(a *entity.Agent) uint64 { return a.Visits }},
			},
		}),
		search: store.NewTable(db, "search", func() *entity.Search { return &entity.Search{} }, store.TableConfig[*entity.Search]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.Search]{
				{Field: "hits", Key: func(s *entity.Search) uint64 { return s.Count }},
			},
		}),
		users: store.NewTable(db, "users", func() *entity.User { return &entity.User{} }, store.TableConfig[*entity.User]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.User]{
				{Field: "hits", Key: func(u *entity.User) uint64 { return u.Count }},
				{Field: "hits", Groups: true, Key: func(u *entity.User) uint64 { return u.Count }},
			},
		}),
		errors: store.NewTable(db, "errors", func() *entity.ErrorRecord { return &entity.ErrorRecord{} }, store.TableConfig[*entity.ErrorRecord]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.ErrorRecord]{
				{Field: "hits", Key: func(e *entity.ErrorRecord) uint64 { return e.Count }},
			},
		}),
		downloads: store.NewTable(db, "downloads", func() *entity.Download { return &entity.Download{} }, store.TableConfig[*entity.Download]{
			ValueIndex: true,
			Indexes: []store.Index[*entity.Download]{
				{Field: "xfer", Key: func(d *entity.Download) uint64 { return d.SumXfer }},
			},
		}),

		visits:    store.NewTable(db, "visits.active", func() *entity.Visit { return &entity.Visit{} }, store.TableConfig[*entity.Visit]{}),
		active:    store.NewTable(db, "downloads.active", func() *entity.ActiveDownload { return &entity.ActiveDownload{} }, store.TableConfig[*entity.ActiveDownload]{}),
		countries: store.NewTable(db, "countries", func() *entity.Country { return &entity.Country{} }, store.TableConfig[*entity.Country]{ValueIndex: true}),
		daily:     store.NewTable(db, "daily", func() *entity.Daily { return &entity.Daily{} }, store.TableConfig[*entity.Daily]{}),
		hourly:    store.NewTable(db, "hourly", func() *entity.Hourly { return &entity.Hourly{} }, store.TableConfig[*entity.Hourly]{}),
		statuses:  store.NewTable(db, "statuscodes", func() *entity.StatusCode { return &entity.StatusCode{} }, store.TableConfig[*entity.StatusCode]{}),
		totals:    store.NewTable(db, "totals", func() *entity.Totals { return &entity.Totals{} }, store.TableConfig[*entity.Totals]{}),
	}
}

// RunStats counts what one Process call did with its records.
type RunStats struct {
	Records  uint64
	Good     uint64
	Skipped  uint64
	Ignored  uint64
	Swaps    uint64
	Evicted  uint64
	Finished int // log files read to the end
	Elapsed  time.Duration
	Canceled bool
}

// Engine is single-threaded: every method must be called from the same
// goroutine.
type Engine struct {
	cfg      *config.Config
	rules    *config.Rules
	mode     Mode
	logger   *slog.Logger
	metrics  *metrics.Metrics
	history  *history.DBManager
	resolver *resolver.Resolver
	reporter Reporter
	loc      *time.Location

	db   *store.DB
	jobs *jobs.Scheduler
	t    tables

	hosts     *cache.Cache[*entity.Host]
	urls      *cache.Cache[*entity.URL]
	referrers *cache.Cache[*entity.Referrer]
	agents    *cache.Cache[*entity.Agent]
	searches  *cache.Cache[*entity.Search]
	users     *cache.Cache[*entity.User]
	failures  *cache.Cache[*entity.ErrorRecord]
	downloads *cache.Cache[*entity.Download]

	totals    entity.Totals
	daily     [31]*entity.Daily
	hourly    [24]*entity.Hourly
	statuses  map[uint16]*entity.StatusCode
	countries map[string]*entity.Country
	spammers  map[string]struct{}
	// awaiting holds hosts with a lookup in flight; their closed visits
	// are queued until the result arrives.
	awaiting map[uint64]struct{}

	// Sessions closed since the last save whose stored rows save deletes.
	endedVisits    map[uint64]struct{}
	endedDownloads map[uint64]struct{}

	robots   *user_agent.Detector
	refs     *referrers.Classifier
	checkDup bool
	stats    RunStats
}

// New opens the store for mode and restores the state the mode needs.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	rules := cfg.Rules
	if rules == nil {
		rules = config.DefaultRules()
	}

	if opts.Mode != ModeProcess && !opts.InMemory {
		if _, err := os.Stat(cfg.DBPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoStore, cfg.DBPath)
		}
	}

	robots, err := robotDetector(rules)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(store.Options{
		Path:              cfg.DBPath,
		InMemory:          opts.InMemory,
		SequenceCacheSize: uint64(max(cfg.SequenceCacheSize, 0)),
		AppVersion:        config.AppVersion,
		TimeZone:          cfg.TimeZone,
		IgnoreTimeZone:    opts.Mode == ModeInfo,
		Logger:            logger,
		StoreLogger:       opts.StoreLogger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		rules:    rules,
		mode:     opts.Mode,
		logger:   logger.With(slog.String("component", "engine")),
		metrics:  m,
		history:  opts.History,
		resolver: opts.Resolver,
		reporter: opts.Reporter,
		loc:      cfg.Location(),
		db:       db,
		t:        newTables(db),
		robots:   robots,
		refs:     referrers.New(rules.SearchEngines, rules.ReferrerNames),
	}
	e.newCaches()
	e.resetMonth()

	if err := e.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if e.mode != ModeCompact && (e.mode != ModeProcess || cfg.Incremental) {
		if err := e.restore(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) newCaches() {
	e.hosts = cache.New[*entity.Host](e.t.hosts, func(kind entity.Kind, value string) *entity.Host {
		h := entity.NewHost(value)
		h.Kind = kind
		return h
	}, e.metrics)
	e.hosts.KeepWhile(func(h *entity.Host) bool {
		if h.Visit != nil || h.HasPending() {
			return true
		}
		_, waiting := e.awaiting[h.ID]
		return waiting
	})

	e.urls = cache.New[*entity.URL](e.t.urls, func(_ entity.Kind, value string) *entity.URL {
		return entity.NewURL(value)
	}, e.metrics)
	e.referrers = cache.New[*entity.Referrer](e.t.referrers, func(_ entity.Kind, value string) *entity.Referrer {
		return entity.NewReferrer(value)
	}, e.metrics)
	e.agents = cache.New[*entity.Agent](e.t.agents, func(_ entity.Kind, value string) *entity.Agent {
		return entity.NewAgent(value)
	}, e.metrics)
	e.searches = cache.New[*entity.Search](e.t.search, func(_ entity.Kind, value string) *entity.Search {
		return entity.NewSearch(value, 0)
	}, e.metrics)
	e.users = cache.New[*entity.User](e.t.users, func(_ entity.Kind, value string) *entity.User {
		return entity.NewUser(value)
	}, e.metrics)
	e.failures = cache.New[*entity.ErrorRecord](e.t.errors, func(_ entity.Kind, value string) *entity.ErrorRecord {
		return &entity.ErrorRecord{Node: entity.Node{Value: value}}
	}, e.metrics)
	e.downloads = cache.New[*entity.Download](e.t.downloads, func(_ entity.Kind, value string) *entity.Download {
		name, addr := entity.SplitDownloadKey(value)
		return entity.NewDownload(name, addr, 0)
	}, e.metrics)
	e.downloads.KeepWhile(func(d *entity.Download) bool { return d.Active != nil })
}

// initialize applies the open-time policy of the mode to an existing
// store: maintenance modes leave the data alone, a fresh run truncates it.
func (e *Engine) initialize() error {
	if e.db.Fresh() {
		return nil
	}
	sys := e.db.System()
	if e.mode != ModeInfo && sys.AppVersionLast != config.AppVersion {
		e.logger.Info("Store written by another version",
			slog.String("store_version", sys.AppVersionLast),
			slog.String("app_version", config.AppVersion))
		sys.AppVersionLast = config.AppVersion
		if err := e.db.PutSystem(sys); err != nil {
			return err
		}
	}

	switch e.mode {
	case ModeCompact, ModeInfo:
		return nil
	case ModePrepReport, ModeEndMonth:
		return e.associate(context.Background(), sys.Batch)
	}

	if !e.cfg.Incremental && sys.Incremental {
		return ErrIncrementalStore
	}
	if !e.cfg.Incremental || !sys.Incremental {
		return e.db.Truncate()
	}
	return nil
}

// Mode returns the mode the engine was opened in.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Totals returns a copy of the current month totals.
func (e *Engine) Totals() entity.Totals {
	return e.totals
}

// Close stops background work and closes the store. It does not save.
func (e *Engine) Close() error {
	e.stopJobs()
	return e.db.Close()
}

func (e *Engine) startJobs() {
	if e.jobs != nil {
		return
	}
	e.jobs = jobs.NewScheduler(e.db, e.cfg, e.metrics, e.logger)
	if err := e.jobs.Start(); err != nil {
		e.logger.Warn("Failed to start background jobs", slog.Any("error", err))
	}
}

// stopJobs reports whether jobs were running.
func (e *Engine) stopJobs() bool {
	if e.jobs == nil {
		return false
	}
	if err := e.jobs.Stop(); err != nil {
		e.logger.Warn("Background jobs did not stop cleanly", slog.Any("error", err))
	}
	e.jobs = nil
	return true
}

func (e *Engine) notifyJobs(n int) {
	if e.jobs != nil && n > 0 {
		e.jobs.Notify(n)
	}
}

func robotDetector(rules *config.Rules) (*user_agent.Detector, error) {
	if len(rules.Robots) == 0 {
		return nil, nil
	}
	entries := make([]user_agent.BotEntry, 0, len(rules.Robots))
	for _, r := range rules.Robots {
		entries = append(entries, user_agent.BotEntry{Regex: r.Pattern, Name: r.Name})
	}
	d, err := user_agent.NewDetectorFromEntries(entries)
	if err != nil {
		return nil, err
	}
	if err := d.Compile(); err != nil {
		return nil, fmt.Errorf("robot rules: %w", err)
	}
	return d, nil
}

// robotName returns the robot name of agent: configured rules first, then
// the built-in signatures. Empty means not a robot.
func (e *Engine) robotName(agent string) string {
	if agent == "" {
		return ""
	}
	if e.robots != nil {
		if r := e.robots.Match(agent); r != nil {
			return r.Name
		}
	}
	if r := user_agent.DetectRobot(agent); r != nil {
		return r.Name
	}
	return ""
}
