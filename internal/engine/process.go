package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"webalyze/internal/entity"
	"webalyze/internal/logfile"
	"webalyze/internal/merge"
)

// Process merges sources chronologically and aggregates every record.
// When ctx is cancelled the records aggregated so far are saved but no
// report is produced and the returned error is ctx's.
func (e *Engine) Process(ctx context.Context, sources []merge.Source) (RunStats, error) {
	if e.mode != ModeProcess {
		return RunStats{}, fmt.Errorf("%w: process in %s mode", ErrWrongMode, e.mode)
	}
	start := time.Now()
	e.stats = RunStats{}
	e.checkDup = e.cfg.Incremental && !e.totals.Cursor.IsZero()

	if !e.cfg.MemoryMode {
		e.startJobs()
		defer e.stopJobs()
	}

	m := merge.New(sources, e.cfg.MaxOpenLogs, e.logger)
	m.Done = func(string) { e.stats.Finished++ }
	defer func() {
		if err := m.Close(); err != nil {
			e.logger.Warn("Failed to close log files", slog.Any("error", err))
		}
	}()

	for {
		rec, err := m.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				e.stats.Canceled = true
				break
			}
			return e.stats, err
		}
		if err := e.handle(ctx, rec); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				e.stats.Canceled = true
				break
			}
			return e.stats, err
		}
	}

	err := e.finish(ctx)
	e.stats.Elapsed = time.Since(start)
	e.logger.Info("Run finished",
		slog.Uint64("records", e.stats.Records),
		slog.Uint64("good", e.stats.Good),
		slog.Uint64("skipped", e.stats.Skipped),
		slog.Uint64("ignored", e.stats.Ignored),
		slog.Bool("canceled", e.stats.Canceled),
		slog.Duration("elapsed", e.stats.Elapsed))
	return e.stats, err
}

// finish checkpoints the run. Incremental runs leave visits that may
// continue in the next log open.
func (e *Engine) finish(ctx context.Context) error {
	if e.stats.Good == 0 {
		if e.stats.Canceled {
			return ctx.Err()
		}
		return nil
	}
	t := &e.totals
	t.MaxHourHits = max(t.MaxHourHits, t.HourHits)

	if e.stats.Canceled {
		if err := e.pollResolver(); err != nil {
			return err
		}
	} else if err := e.waitResolver(ctx); err != nil {
		return err
	}

	if !e.cfg.Incremental || e.cfg.LastLog {
		if err := e.closeVisits(time.Time{}); err != nil {
			return err
		}
		e.updateHourlyStats()
	} else if err := e.closeVisits(t.Cursor); err != nil {
		return err
	}
	e.closeDownloads(t.Cursor)

	if err := e.save(); err != nil {
		return err
	}
	if e.stats.Canceled {
		return ctx.Err()
	}
	if !e.cfg.Batch {
		if err := e.report(ctx); err != nil {
			return err
		}
	}
	if e.cfg.LastLog {
		return e.clearMonth()
	}
	return nil
}

// endMonth closes the cursor's month before a record of the next month is
// aggregated.
func (e *Engine) endMonth(ctx context.Context) error {
	e.logger.Info("Month changed", slog.String("month", e.totals.Cursor.Format("2006-01")))
	if err := e.waitResolver(ctx); err != nil {
		return err
	}
	if err := e.closeVisits(time.Time{}); err != nil {
		return err
	}
	e.closeDownloads(e.totals.Cursor)
	e.updateHourlyStats()
	if err := e.save(); err != nil {
		return err
	}
	if !e.cfg.Batch || e.mode == ModeEndMonth {
		if err := e.report(ctx); err != nil {
			return err
		}
	}
	return e.clearMonth()
}

func (e *Engine) skip(outcome string) {
	e.stats.Skipped++
	e.metrics.Records.WithLabelValues(outcome).Inc()
}

func isGood(status uint16) bool {
	return status == 200 || status == 206 || status == 304
}

func isFile(status uint16) bool {
	return status == 200 || status == 206
}

// listed reports whether a non-empty s matches ps.
func listed(ps interface{ Match(string) bool }, s string) bool {
	return s != "" && ps.Match(s)
}

// created flags the entities a record added to the month.
type created struct {
	url, user, download, failure, referrer, agent bool
}

// handle aggregates one record.
func (e *Engine) handle(ctx context.Context, rec logfile.Record) error {
	e.stats.Records++
	ts := rec.Time.In(e.loc)
	t := &e.totals

	if e.checkDup {
		if !ts.After(t.Cursor) {
			e.skip("duplicate")
			return nil
		}
		e.checkDup = false
		if !sameMonth(t.Cursor, ts) && t.Visits == t.VisitsEnd {
			if err := e.clearMonth(); err != nil {
				return err
			}
			day := uint32(ts.Day())
			t.Cursor, t.FirstDay, t.LastDay = ts, day, day
		}
	}
	if ts.Before(t.Cursor) {
		e.skip("out_of_order")
		return nil
	}
	e.stats.Good++
	if t.Cursor.IsZero() {
		t.Cursor = ts
		t.FirstDay = uint32(ts.Day())
	}
	if !sameMonth(t.Cursor, ts) {
		if err := e.endMonth(ctx); err != nil {
			return err
		}
	}
	e.setCursor(ts)
	if err := e.pollResolver(); err != nil {
		return err
	}

	r := e.rules
	spammer := listed(r.SpamReferrers, rec.Referrer)
	if spammer {
		e.spammers[rec.Host] = struct{}{}
	}
	url := r.StripIndexAlias(rec.URL)

	if listed(r.IgnoreHosts, rec.Host) || listed(r.IgnoreURLs, url) ||
		listed(r.IgnoreAgents, rec.Agent) || listed(r.IgnoreReferrers, rec.Referrer) ||
		listed(r.IgnoreUsers, rec.Ident) {
		t.Ignored++
		e.stats.Ignored++
		e.metrics.Records.WithLabelValues("ignored").Inc()
		return nil
	}

	var robotName string
	if !spammer {
		robotName = e.robotName(rec.Agent)
	}
	e.countStatus(rec.Status)

	good := isGood(rec.Status)
	file := isFile(rec.Status)
	page := r.IsPage(url)
	httpErr := rec.Status >= 400
	target := good && listed(r.TargetURLs, url)
	if !spammer {
		_, spammer = e.spammers[rec.Host]
	}

	in := hit{
		ts:      ts,
		xfer:    rec.Xfer,
		file:    file,
		page:    page,
		spammer: spammer,
		robot:   robotName != "",
		target:  target,
	}
	h, ch, err := e.putHost(rec.Host, in)
	if err != nil {
		return err
	}
	if ch.newHost {
		if err := e.resolveHost(ctx, h); err != nil {
			return err
		}
	}
	robot := h.Robot
	v := h.Visit

	counted := good && !robot && !spammer && (!e.cfg.PageEntry || page)
	entry := counted && (ch.newVisit || !v.EntrySeen)
	if entry {
		v.EntrySeen = true
	}
	proc := float64(rec.ProcTime) / 1000

	var n created
	if good {
		u, isNew, err := e.putURL(url, entity.Regular, rec, proc, entry, target)
		if err != nil {
			return err
		}
		n.url = isNew
		if counted {
			e.setLastURL(v, u.ID)
		}
		if rec.Ident != "" {
			if n.user, err = e.putUser(rec.Ident, entity.Regular, in, proc); err != nil {
				return err
			}
		}
	}
	if name, ok := r.Download(url); ok && file {
		if n.download, err = e.putDownload(name, h, in, rec.ProcTime); err != nil {
			return err
		}
	}
	if httpErr {
		if n.failure, err = e.putError(rec.Status, rec.Method, url, ts); err != nil {
			return err
		}
	}
	partial := e.cfg.IgnoreReferrerPartial && rec.Status == 206
	if rec.Referrer != "" && !spammer && !partial {
		if n.referrer, err = e.putReferrer(rec.Referrer, entity.Regular, ts, ch.newVisit); err != nil {
			return err
		}
	}
	if rec.Agent != "" {
		if n.agent, err = e.putAgent(rec.Agent, entity.Regular, in, ch.newVisit, robot); err != nil {
			return err
		}
	}
	if rec.Referrer != "" && !partial {
		if terms, count := e.refs.SearchTerms(rec.Referrer); count > 0 {
			if err := e.putSearch(terms, uint32(count), ts, ch.newVisit); err != nil {
				return err
			}
		}
	}

	e.count(ts, rec.Xfer, proc, file, page, robot, ch, n)

	if err := e.putGroups(rec, url, in, proc, ch.newVisit, robot, robotName); err != nil {
		return err
	}
	e.metrics.Records.WithLabelValues("good").Inc()

	if !e.cfg.MemoryMode && e.cfg.SwapFrequency > 0 &&
		e.stats.Good >= uint64(e.cfg.SwapFirstRecord) && e.stats.Good%uint64(e.cfg.SwapFrequency) == 0 {
		return e.swapOut()
	}
	return nil
}

// count adds one hit to the month, day and hour totals.
func (e *Engine) count(ts time.Time, xfer uint64, proc float64, file, page, robot bool, ch hostChange, n created) {
	t := &e.totals
	day := e.daily[ts.Day()-1]
	hour := e.hourly[ts.Hour()]

	t.Hits++
	t.HourHits++
	t.Xfer += xfer
	t.HourXfer += xfer
	day.Hits++
	day.Xfer += xfer
	hour.Hits++
	hour.Xfer += xfer

	if ch.newHost {
		t.Hosts++
		t.HourHosts++
	}
	if ch.newToday {
		day.Hosts++
	}
	if n.url {
		t.URLs++
	}
	if n.agent {
		t.Agents++
	}
	if n.user {
		t.Users++
	}
	if n.failure {
		t.Errors++
	}
	if n.referrer {
		t.Referrers++
	}
	if n.download {
		t.Downloads++
	}

	if robot {
		t.RobotHits++
		t.RobotXfer += xfer
		if ch.newHost {
			t.RobotHosts++
		}
	}
	if ch.newVisit {
		day.Visits++
		t.Visits++
		t.HourVisits++
		if robot {
			t.RobotVisits++
		}
	}

	t.HitPTimeAvg = entity.Avg(t.HitPTimeAvg, proc, t.Hits)
	t.HitPTimeMax = max(t.HitPTimeMax, proc)
	if file {
		t.Files++
		t.HourFiles++
		day.Files++
		hour.Files++
		t.FilePTimeAvg = entity.Avg(t.FilePTimeAvg, proc, t.Files)
		t.FilePTimeMax = max(t.FilePTimeMax, proc)
		if robot {
			t.RobotFiles++
		}
	}
	if page {
		t.Pages++
		t.HourPages++
		day.Pages++
		hour.Pages++
		t.PagePTimeAvg = entity.Avg(t.PagePTimeAvg, proc, t.Pages)
		t.PagePTimeMax = max(t.PagePTimeMax, proc)
		if robot {
			t.RobotPages++
		}
	}
	day.MarkDirty()
	hour.MarkDirty()
}

// putGroups adds the record to every group its values belong to.
func (e *Engine) putGroups(rec logfile.Record, url string, in hit, proc float64, newVisit, robot bool, robotName string) error {
	r := e.rules
	t := &e.totals
	if name, ok := r.GroupURLs.Find(url); ok {
		_, isNew, err := e.putURL(name, entity.Group, rec, proc, false, false)
		if err != nil {
			return err
		}
		if isNew {
			t.GroupURLs++
		}
	}
	if rec.Referrer != "" {
		if name, ok := r.GroupReferrers.Find(rec.Referrer); ok {
			isNew, err := e.putReferrer(name, entity.Group, in.ts, newVisit)
			if err != nil {
				return err
			}
			if isNew {
				t.GroupReferrers++
			}
		}
	}
	if rec.Agent != "" {
		if name, ok := r.GroupAgents.Find(rec.Agent); ok {
			isNew, err := e.putAgent(name, entity.Group, in, newVisit, false)
			if err != nil {
				return err
			}
			if isNew {
				t.GroupAgents++
			}
		}
	}
	if robot && robotName != "" && r.GroupRobots {
		isNew, err := e.putAgent(robotName, entity.Group, in, newVisit, true)
		if err != nil {
			return err
		}
		if isNew {
			t.GroupAgents++
		}
	}
	if rec.Ident != "" {
		if name, ok := r.GroupUsers.Find(rec.Ident); ok {
			isNew, err := e.putUser(name, entity.Group, in, proc)
			if err != nil {
				return err
			}
			if isNew {
				t.GroupUsers++
			}
		}
	}
	return nil
}

// swapOut closes expired sessions at the cursor and then evicts idle
// entities from every cache.
func (e *Engine) swapOut() error {
	start := time.Now()
	cursor := e.totals.Cursor
	if err := e.closeVisits(cursor); err != nil {
		return err
	}
	e.closeDownloads(cursor)

	cutoff := cursor.Add(-e.cfg.SwapCutoff())
	budget := e.cfg.CacheBudget
	total := 0
	for _, swap := range []func(time.Time, int) (int, error){
		e.urls.SwapOut, e.referrers.SwapOut, e.agents.SwapOut, e.searches.SwapOut,
		e.users.SwapOut, e.failures.SwapOut, e.downloads.SwapOut, e.hosts.SwapOut,
	} {
		n, err := swap(cutoff, budget)
		if err != nil {
			return err
		}
		total += n
	}
	e.stats.Swaps++
	e.stats.Evicted += uint64(total)
	e.notifyJobs(total)
	e.logger.Debug("Swap-out done",
		slog.Int("evicted", total),
		slog.Time("cutoff", cutoff),
		slog.Duration("took", time.Since(start)))
	return nil
}
