package engine

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"webalyze/internal/config"
	"webalyze/internal/entity"
	"webalyze/internal/history"
)

const totalsID = 1

// resetMonth drops every per-month counter held in memory.
func (e *Engine) resetMonth() {
	e.totals = entity.Totals{Node: entity.Node{ID: totalsID}}
	for i := range e.daily {
		e.daily[i] = &entity.Daily{Node: entity.Node{ID: uint64(i + 1)}}
	}
	for h := range e.hourly {
		e.hourly[h] = &entity.Hourly{Node: entity.Node{ID: uint64(h + 1)}}
	}
	e.statuses = make(map[uint16]*entity.StatusCode)
	e.countries = make(map[string]*entity.Country)
	e.spammers = make(map[string]struct{})
	e.awaiting = make(map[uint64]struct{})
	e.endedVisits = make(map[uint64]struct{})
	e.endedDownloads = make(map[uint64]struct{})
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func sameDay(a, b time.Time) bool {
	return sameMonth(a, b) && a.Day() == b.Day()
}

func sameHour(a, b time.Time) bool {
	return sameDay(a, b) && a.Hour() == b.Hour()
}

// setCursor advances the log clock to ts, folding the finished hour into
// its day when the hour changes.
func (e *Engine) setCursor(ts time.Time) {
	t := &e.totals
	day := uint32(ts.Day())
	if !sameMonth(t.Cursor, ts) {
		t.FirstDay, t.LastDay = day, day
	}
	if day > t.LastDay {
		t.LastDay = day
	}
	if !sameHour(t.Cursor, ts) {
		e.updateHourlyStats()
	}
	t.Cursor = ts
}

func fold(avg *float64, maxv *uint64, value, n uint64) {
	*avg = entity.Avg(*avg, float64(value), n)
	*maxv = max(*maxv, value)
}

// updateHourlyStats folds the counters of the current hour into the
// averages and maxima of the cursor's day.
func (e *Engine) updateHourlyStats() {
	t := &e.totals
	if t.HourHits == 0 {
		return
	}
	d := e.daily[t.Cursor.Day()-1]
	d.Hours++
	n := uint64(d.Hours)
	fold(&d.HitsAvg, &d.HitsMax, t.HourHits, n)
	fold(&d.FilesAvg, &d.FilesMax, t.HourFiles, n)
	fold(&d.PagesAvg, &d.PagesMax, t.HourPages, n)
	fold(&d.XferAvg, &d.XferMax, t.HourXfer, n)
	fold(&d.VisitsAvg, &d.VisitsMax, t.HourVisits, n)
	fold(&d.HostsAvg, &d.HostsMax, t.HourHosts, n)

	t.MaxHourHits = max(t.MaxHourHits, t.HourHits)
	t.HourHits, t.HourFiles, t.HourPages, t.HourXfer, t.HourVisits, t.HourHosts = 0, 0, 0, 0, 0, 0
}

func (e *Engine) countStatus(code uint16) {
	if code == 0 {
		return
	}
	s, ok := e.statuses[code]
	if !ok {
		s = &entity.StatusCode{Node: entity.Node{ID: uint64(code)}}
		e.statuses[code] = s
	}
	s.Count++
}

func (e *Engine) country(code string) *entity.Country {
	if code == "" {
		code = entity.UnknownCountry
	}
	c, ok := e.countries[code]
	if !ok {
		c = entity.NewCountry(code)
		e.countries[code] = c
	}
	return c
}

// save checkpoints the whole run state. Open sessions are written before
// their owners so a crash between the two never leaves an owner pointing
// at a missing session.
func (e *Engine) save() error {
	start := time.Now()

	sys := e.db.System()
	if sys.AppVersion == "" {
		sys.AppVersion = config.AppVersion
	}
	sys.AppVersionLast = config.AppVersion
	if e.mode == ModeProcess {
		sys.Incremental = e.cfg.Incremental
		sys.Batch = e.cfg.Batch
	}
	if err := e.db.PutSystem(sys); err != nil {
		return err
	}

	if err := e.groupQueued(); err != nil {
		return err
	}

	// Rows of ended sessions go first: a host may have opened a new visit
	// under the same ID since, and that one is written below.
	for _, id := range sortedIDs(e.endedVisits) {
		if err := e.t.visits.Delete(id); err != nil {
			return err
		}
	}
	clear(e.endedVisits)
	for _, id := range sortedIDs(e.endedDownloads) {
		if err := e.t.active.Delete(id); err != nil {
			return err
		}
	}
	clear(e.endedDownloads)

	if err := e.t.totals.Put(&e.totals); err != nil {
		return err
	}
	if err := e.t.daily.PutAll(e.daily[:]); err != nil {
		return err
	}
	if err := e.t.hourly.PutAll(e.hourly[:]); err != nil {
		return err
	}
	if err := e.saveStatuses(); err != nil {
		return err
	}
	if err := e.saveCountries(); err != nil {
		return err
	}

	var actives []*entity.ActiveDownload
	e.downloads.Each(func(d *entity.Download) bool {
		if d.Active != nil && needsWrite(d.Active.Header()) {
			actives = append(actives, d.Active)
		}
		return true
	})
	if len(actives) > 0 {
		if err := e.t.active.PutAll(actives); err != nil {
			return err
		}
	}

	var visits []*entity.Visit
	e.hosts.Each(func(h *entity.Host) bool {
		if h.Visit != nil && needsWrite(h.Visit.Header()) {
			visits = append(visits, h.Visit)
		}
		return true
	})
	if len(visits) > 0 {
		if err := e.t.visits.PutAll(visits); err != nil {
			return err
		}
	}

	written := len(actives) + len(visits)
	for _, flush := range []func() (int, error){
		e.downloads.Flush, e.hosts.Flush, e.urls.Flush, e.referrers.Flush,
		e.agents.Flush, e.searches.Flush, e.users.Flush, e.failures.Flush,
	} {
		n, err := flush()
		if err != nil {
			return err
		}
		written += n
	}

	if err := e.updateHistory(); err != nil {
		return err
	}
	e.notifyJobs(written)

	e.logger.Info("State saved",
		slog.Time("cursor", e.totals.Cursor),
		slog.Int("records_written", written),
		slog.Int("open_visits", len(visits)),
		slog.Duration("took", time.Since(start)))
	return nil
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func needsWrite(n *entity.Node) bool {
	return n.Storage.Dirty || !n.Storage.Persisted
}

func (e *Engine) saveStatuses() error {
	if len(e.statuses) == 0 {
		return nil
	}
	codes := make([]*entity.StatusCode, 0, len(e.statuses))
	for _, s := range e.statuses {
		codes = append(codes, s)
	}
	slices.SortFunc(codes, func(a, b *entity.StatusCode) int { return cmp.Compare(a.ID, b.ID) })
	return e.t.statuses.PutAll(codes)
}

func (e *Engine) saveCountries() error {
	var out []*entity.Country
	for _, c := range e.countries {
		if c.Count > 0 {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.SortFunc(out, func(a, b *entity.Country) int { return cmp.Compare(a.Value, b.Value) })
	return e.t.countries.PutAll(out)
}

func (e *Engine) updateHistory() error {
	if e.history == nil || e.totals.Cursor.IsZero() {
		return nil
	}
	t := e.totals
	return e.history.Update(history.Month{
		Year:     t.Cursor.Year(),
		Month:    int(t.Cursor.Month()),
		FirstDay: int(t.FirstDay),
		LastDay:  int(t.LastDay),
		Hits:     t.Hits,
		Files:    t.Files,
		Pages:    t.Pages,
		Visits:   t.Visits,
		Hosts:    t.Hosts,
		Xfer:     t.Xfer,
	})
}

// restore reloads the month state written by the last checkpoint.
func (e *Engine) restore() error {
	if e.db.Fresh() {
		return nil
	}
	t, found, err := e.t.totals.GetByID(totalsID)
	if err != nil {
		return fmt.Errorf("failed to restore totals: %w", err)
	}
	if !found {
		return nil
	}
	e.totals = *t
	if !e.totals.Cursor.IsZero() {
		e.totals.Cursor = e.totals.Cursor.In(e.loc)
	}
	if e.mode == ModeInfo {
		return nil
	}

	if err := e.t.daily.Iterate(func(d *entity.Daily) error {
		if d.ID >= 1 && d.ID <= uint64(len(e.daily)) {
			e.daily[d.ID-1] = d
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to restore daily totals: %w", err)
	}
	if err := e.t.hourly.Iterate(func(h *entity.Hourly) error {
		if h.ID >= 1 && h.ID <= uint64(len(e.hourly)) {
			e.hourly[h.ID-1] = h
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to restore hourly totals: %w", err)
	}
	if err := e.t.statuses.Iterate(func(s *entity.StatusCode) error {
		e.statuses[uint16(s.ID)] = s
		return nil
	}); err != nil {
		return fmt.Errorf("failed to restore status codes: %w", err)
	}
	if err := e.t.countries.Iterate(func(c *entity.Country) error {
		e.countries[c.Value] = c
		return nil
	}); err != nil {
		return fmt.Errorf("failed to restore countries: %w", err)
	}

	if e.history != nil && !e.totals.Cursor.IsZero() {
		c := e.totals.Cursor
		if _, found, err := e.history.Get(c.Year(), int(c.Month())); err != nil {
			return err
		} else if !found {
			if err := e.updateHistory(); err != nil {
				return err
			}
		}
	}
	if e.mode == ModePrepReport {
		return nil
	}

	if e.cfg.MemoryMode {
		if err := e.loadAll(); err != nil {
			return err
		}
	}
	if err := e.restoreVisits(); err != nil {
		return err
	}
	if err := e.restoreDownloads(); err != nil {
		return err
	}
	e.logger.Info("State restored",
		slog.Time("cursor", e.totals.Cursor),
		slog.Int("open_visits", e.hostsWithVisits()),
		slog.Int("resident_hosts", e.hosts.Len()))
	return nil
}

func (e *Engine) hostsWithVisits() int {
	n := 0
	e.hosts.Each(func(h *entity.Host) bool {
		if h.Visit != nil {
			n++
		}
		return true
	})
	return n
}

// restoreVisits reattaches every persisted open visit to its host and
// pins the visit's last URL.
func (e *Engine) restoreVisits() error {
	return e.t.visits.Iterate(func(v *entity.Visit) error {
		h, found, err := e.hosts.Get(v.HostID(), v.End)
		if err != nil {
			return err
		}
		if !found {
			e.logger.Warn("Dropping open visit of unknown host", slog.Uint64("host_id", v.HostID()))
			e.endedVisits[v.ID] = struct{}{}
			return nil
		}
		h.Visit = v
		if v.LastURL != 0 {
			if _, found, err := e.urls.Get(v.LastURL, v.End); err != nil {
				return err
			} else if found {
				e.urls.Pin(v.LastURL)
			} else {
				v.LastURL = 0
			}
		}
		return nil
	})
}

func (e *Engine) restoreDownloads() error {
	return e.t.active.Iterate(func(a *entity.ActiveDownload) error {
		d, found, err := e.downloads.Get(a.ID, a.LastSeen)
		if err != nil {
			return err
		}
		if !found {
			e.logger.Warn("Dropping open download of unknown job", slog.Uint64("job_id", a.ID))
			e.endedDownloads[a.ID] = struct{}{}
			return nil
		}
		d.Active = a
		return nil
	})
}

// loadAll makes every stored entity resident, for memory mode.
func (e *Engine) loadAll() error {
	now := e.totals.Cursor
	if err := e.t.hosts.Iterate(func(h *entity.Host) error {
		h.Touched = now
		e.hosts.Insert(h)
		return nil
	}); err != nil {
		return err
	}
	if err := e.t.urls.Iterate(func(u *entity.URL) error {
		u.Touched = now
		e.urls.Insert(u)
		return nil
	}); err != nil {
		return err
	}
	if err := e.t.referrers.Iterate(func(r *entity.Referrer) error {
		r.Touched = now
		e.referrers.Insert(r)
		return nil
	}); err != nil {
		return err
	}
	if err := e.t.agents.Iterate(func(a *entity.Agent) error {
		a.Touched = now
		e.agents.Insert(a)
		return nil
	}); err != nil {
		return err
	}
	if err := e.t.search.Iterate(func(s *entity.Search) error {
		s.Touched = now
		e.searches.Insert(s)
		return nil
	}); err != nil {
		return err
	}
	if err := e.t.users.Iterate(func(u *entity.User) error {
		u.Touched = now
		e.users.Insert(u)
		return nil
	}); err != nil {
		return err
	}
	if err := e.t.errors.Iterate(func(r *entity.ErrorRecord) error {
		r.Touched = now
		e.failures.Insert(r)
		return nil
	}); err != nil {
		return err
	}
	return e.t.downloads.Iterate(func(d *entity.Download) error {
		d.Touched = now
		e.downloads.Insert(d)
		return nil
	})
}

// clearMonth archives the finished month and starts an empty one.
func (e *Engine) clearMonth() error {
	if !e.totals.Cursor.IsZero() {
		running := e.stopJobs()
		archive, err := e.db.Rollover(e.totals.Cursor)
		if err != nil {
			return fmt.Errorf("month rollover failed: %w", err)
		}
		for _, t := range e.t.indexed() {
			t.DissociateIndexes()
		}
		e.metrics.Rollovers.Inc()
		e.logger.Info("Month rolled over",
			slog.String("month", e.totals.Cursor.Format("2006-01")),
			slog.String("archive", archive))
		if running {
			e.startJobs()
		}
	}

	e.hosts.Clear()
	e.urls.Clear()
	e.referrers.Clear()
	e.agents.Clear()
	e.searches.Clear()
	e.users.Clear()
	e.failures.Clear()
	e.downloads.Clear()
	e.resetMonth()
	return nil
}
