package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"webalyze/internal/entity"
	"webalyze/internal/resolver"
)

// hit is what one record contributes to its host's visit.
type hit struct {
	ts      time.Time
	xfer    uint64
	file    bool
	page    bool
	spammer bool
	robot   bool
	target  bool
}

// hostChange reports the transitions a hit caused on its host.
type hostChange struct {
	newHost  bool
	newVisit bool
	// newToday is set on the host's first hit of the calendar day.
	newToday bool
}

// putHost attributes a hit to the host at addr, opening a new visit when
// the host has none or its visit timed out.
func (e *Engine) putHost(addr string, in hit) (*entity.Host, hostChange, error) {
	var ch hostChange
	_, resident := e.hosts.Find(entity.Regular, addr)
	h, created, err := e.hosts.FindOrCreate(entity.Regular, addr, in.ts)
	if err != nil {
		return nil, ch, err
	}

	switch {
	case created:
		h.Spammer = in.spammer
		h.Robot = in.robot
		ch.newHost, ch.newToday = true, true
		e.openVisit(h, in)
		ch.newVisit = true
	default:
		if !resident {
			if err := e.checkNoStoredVisit(h); err != nil {
				return nil, ch, err
			}
		}
		if h.Visit != nil {
			closed, err := e.updateVisit(h, in.ts)
			if err != nil {
				return nil, ch, err
			}
			if closed {
				e.openVisit(h, in)
				ch.newVisit = true
			}
		} else {
			e.openVisit(h, in)
			ch.newVisit = true
		}
		last := h.LastSeen.In(e.loc)
		ch.newToday = h.LastSeen.IsZero() || (!sameDay(in.ts, last) && in.ts.After(last))
	}

	v := h.Visit
	v.Hits++
	if in.file {
		v.Files++
	}
	if in.page {
		v.Pages++
	}
	v.Xfer += in.xfer
	v.End = in.ts
	if in.target && !in.robot && !in.spammer {
		v.Converted = true
	}
	v.MarkDirty()

	if in.spammer {
		h.Spammer = true
	}
	h.LastSeen = in.ts
	h.MarkDirty()
	return h, ch, nil
}

func (e *Engine) openVisit(h *entity.Host, in hit) {
	v := entity.NewVisit(h.ID, in.ts)
	v.Robot = in.robot
	h.Visit = v
	h.Visits++
}

// checkNoStoredVisit guards against a host coming back from the store
// while visits.active still holds an open visit for it that was never
// restored. Aggregating into a fresh visit would count it twice. Rows of
// visits closed during this run are still there until the next save and
// do not count.
func (e *Engine) checkNoStoredVisit(h *entity.Host) error {
	if h.Visit != nil {
		return nil
	}
	if _, ended := e.endedVisits[h.ID]; ended {
		return nil
	}
	if _, found, err := e.t.visits.GetByID(h.ID); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: host %s (id %d)", ErrDuplicateActiveSession, h.Value, h.ID)
	}
	return nil
}

// updateVisit closes the host's visit when ts is past its idle timeout or
// the visit exceeded the maximum length. A zero ts closes it regardless.
func (e *Engine) updateVisit(h *entity.Host, ts time.Time) (bool, error) {
	v := h.Visit
	if v == nil || h.Kind == entity.Group || h.Visits == 0 {
		return false, nil
	}
	if !ts.IsZero() && ts.Sub(v.End) < e.cfg.VisitTimeout() {
		maxLen := e.cfg.MaxVisitLength()
		if maxLen == 0 || v.End.Sub(v.Start) < maxLen {
			return false, nil
		}
	}
	return true, e.closeVisit(h, v)
}

// closeVisit folds a finished visit into its host and the month totals.
func (e *Engine) closeVisit(h *entity.Host, v *entity.Visit) error {
	h.Visit = nil
	h.MarkDirty()

	h.Count += v.Hits
	h.Files += v.Files
	h.Pages += v.Pages
	h.Xfer += v.Xfer

	vlen := v.Length()
	h.VisitAvg = entity.Avg(h.VisitAvg, float64(vlen), h.Visits)
	h.VisitMax = max(h.VisitMax, vlen)
	h.MaxVHits = max(h.MaxVHits, v.Hits)
	h.MaxVFiles = max(h.MaxVFiles, v.Files)
	h.MaxVPages = max(h.MaxVPages, v.Pages)
	h.MaxVXfer = max(h.MaxVXfer, v.Xfer)

	t := &e.totals
	t.MaxVHits = max(t.MaxVHits, h.MaxVHits)
	t.MaxVFiles = max(t.MaxVFiles, h.MaxVFiles)
	t.MaxVPages = max(t.MaxVPages, h.MaxVPages)
	t.MaxVXfer = max(t.MaxVXfer, h.MaxVXfer)
	t.VisitsEnd++

	class := "human"
	switch {
	case h.Spammer:
		class = "spammer"
		v.Converted = false
		t.SpamVisitsEnd++
		if h.Visits == 1 {
			t.SpamHosts++
		}
		t.SpamHits += v.Hits
		t.SpamFiles += v.Files
		t.SpamPages += v.Pages
		t.SpamXfer += v.Xfer
	case h.Robot:
		class = "robot"
		v.Converted = false
		t.RobotVisitsEnd++
	default:
		t.HumanVisitsEnd++
		t.MaxHVHits = max(t.MaxHVHits, h.MaxVHits)
		t.MaxHVFiles = max(t.MaxHVFiles, h.MaxVFiles)
		t.MaxHVPages = max(t.MaxHVPages, h.MaxVPages)
		t.MaxHVXfer = max(t.MaxHVXfer, h.MaxVXfer)
		t.VisitAvg = entity.Avg(t.VisitAvg, float64(vlen), t.HumanVisitsEnd)
		t.VisitMax = max(t.VisitMax, h.VisitMax)
		if v.Converted {
			if h.VisitsConv == 0 {
				t.HostsConv++
			}
			t.VisitsConv++
			h.VisitsConv++
			t.VConvAvg = entity.Avg(t.VConvAvg, float64(vlen), t.VisitsConv)
			t.VConvMax = max(t.VConvMax, h.VisitMax)
		}
	}

	if v.LastURL != 0 {
		if !h.Robot {
			u, found, err := e.urls.Get(v.LastURL, t.Cursor)
			if err != nil {
				return err
			}
			if found {
				u.Exit++
				u.MarkDirty()
				t.Exit++
			}
		}
		e.urls.Unpin(v.LastURL)
	}

	if v.Storage.Persisted {
		e.endedVisits[h.ID] = struct{}{}
	}
	e.metrics.VisitsClosed.WithLabelValues(class).Inc()

	if _, waiting := e.awaiting[h.ID]; waiting {
		h.Pending = append(h.Pending, v)
		return nil
	}
	return e.groupHost(h, v)
}

// closeVisits runs updateVisit over every resident host.
func (e *Engine) closeVisits(ts time.Time) error {
	var err error
	e.hosts.Each(func(h *entity.Host) bool {
		_, err = e.updateVisit(h, ts)
		return err == nil
	})
	return err
}

// groupHost adds a closed visit to the host's group and, for human
// visitors, to its country.
func (e *Engine) groupHost(h *entity.Host, v *entity.Visit) error {
	if h.Kind == entity.Group {
		return nil
	}
	vlen := v.Length()

	name, ok := e.rules.GroupHosts.Find(h.Hostname())
	if !ok && h.Name != "" {
		name, ok = e.rules.GroupHosts.Find(h.Value)
	}
	if !ok && e.cfg.GroupDomains > 0 {
		name, ok = domainOf(h.Hostname(), e.cfg.GroupDomains)
	}
	if ok {
		g, created, err := e.hosts.FindOrCreate(entity.Group, name, e.totals.Cursor)
		if err != nil {
			return err
		}
		g.Count += v.Hits
		g.Files += v.Files
		g.Pages += v.Pages
		g.Xfer += v.Xfer
		g.Visits++
		g.VisitAvg = entity.Avg(g.VisitAvg, float64(vlen), g.Visits)
		g.VisitMax = max(g.VisitMax, vlen)
		g.MarkDirty()
		if created {
			e.totals.GroupHosts++
		}
	}

	if !h.Robot && !h.Spammer {
		c := e.country(h.CountryCode)
		c.Count += v.Hits
		c.Files += v.Files
		c.Pages += v.Pages
		c.Xfer += v.Xfer
		c.Visits++
		c.MarkDirty()
	}
	return nil
}

// domainOf keeps the last labels+1 labels of a host name. Addresses have
// no domain.
func domainOf(host string, labels int) (string, bool) {
	if host == "" || net.ParseIP(host) != nil {
		return "", false
	}
	if last := host[len(host)-1]; last >= '0' && last <= '9' {
		return "", false
	}
	dots := labels + 1
	for i := len(host) - 1; i > 0; i-- {
		if host[i] == '.' {
			dots--
			if dots == 0 {
				return host[i+1:], true
			}
		}
	}
	return host, true
}

func (e *Engine) dnsMode() bool {
	return e.resolver != nil && e.cfg.DNSEnabled
}

// resolveHost starts resolution of a new host. Without reverse DNS the
// location lookup is synchronous and the host is resolved immediately.
func (e *Engine) resolveHost(ctx context.Context, h *entity.Host) error {
	switch {
	case e.resolver == nil:
		h.Resolved = true
		return nil
	case !e.cfg.DNSEnabled:
		e.applyResolution(h, e.resolver.Lookup(h.Value))
		return nil
	}
	e.awaiting[h.ID] = struct{}{}
	if err := e.resolver.Submit(ctx, resolver.Request{HostID: h.ID, Addr: h.Value}); err != nil {
		delete(e.awaiting, h.ID)
		return err
	}
	return nil
}

func (e *Engine) applyResolution(h *entity.Host, res resolver.Result) {
	if res.Name != "" {
		h.Name = res.Name
	}
	h.CountryCode = res.CountryCode
	h.City = res.City
	h.Latitude = res.Latitude
	h.Longitude = res.Longitude
	h.ASNumber = res.ASNumber
	h.ASOrg = res.ASOrg
	h.Resolved = true
	h.MarkDirty()
}

// applyResults stores resolver results on their hosts and groups the
// visits that were waiting for them.
func (e *Engine) applyResults(results []resolver.Result) error {
	for _, res := range results {
		if _, waiting := e.awaiting[res.HostID]; !waiting {
			continue
		}
		delete(e.awaiting, res.HostID)
		h, found, err := e.hosts.Get(res.HostID, e.totals.Cursor)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		e.applyResolution(h, res)
		for _, v := range h.Pending {
			if err := e.groupHost(h, v); err != nil {
				return err
			}
		}
		h.Pending = nil
	}
	return nil
}

func (e *Engine) pollResolver() error {
	if !e.dnsMode() || len(e.awaiting) == 0 {
		return nil
	}
	return e.applyResults(e.resolver.Poll())
}

// waitResolver blocks until every outstanding lookup completed or ctx is
// done.
func (e *Engine) waitResolver(ctx context.Context) error {
	if !e.dnsMode() || len(e.awaiting) == 0 {
		return nil
	}
	start := time.Now()
	results, err := e.resolver.Wait(ctx)
	if aerr := e.applyResults(results); aerr != nil {
		return aerr
	}
	e.logger.Debug("Resolver drained",
		slog.Int("results", len(results)),
		slog.Duration("took", time.Since(start)))
	return err
}

// groupQueued groups every visit still waiting for a lookup with whatever
// the host knows so far.
func (e *Engine) groupQueued() error {
	var err error
	e.hosts.Each(func(h *entity.Host) bool {
		if !h.HasPending() {
			return true
		}
		for _, v := range h.Pending {
			if err = e.groupHost(h, v); err != nil {
				return false
			}
		}
		h.Pending = nil
		delete(e.awaiting, h.ID)
		return true
	})
	return err
}

// putDownload attributes a download request to the job of name and the
// requesting host, opening a new session when the old one timed out.
func (e *Engine) putDownload(name string, h *entity.Host, in hit, procTime uint64) (bool, error) {
	key := entity.DownloadKey(name, h.Value)
	_, resident := e.downloads.Find(entity.Regular, key)
	d, created, err := e.downloads.FindOrCreate(entity.Regular, key, in.ts)
	if err != nil {
		return false, err
	}

	switch {
	case created:
		d.HostID = h.ID
		d.Active = entity.NewActiveDownload(d.ID, in.ts)
	case d.Active != nil:
		if e.updateDownload(d, in.ts) {
			d.Active = entity.NewActiveDownload(d.ID, in.ts)
		}
	default:
		if _, ended := e.endedDownloads[d.ID]; !resident && !ended {
			if _, found, err := e.t.active.GetByID(d.ID); err != nil {
				return false, err
			} else if found {
				return false, fmt.Errorf("%w: download %s (id %d)", ErrDuplicateActiveSession, d.Name, d.ID)
			}
		}
		d.Active = entity.NewActiveDownload(d.ID, in.ts)
	}

	a := d.Active
	a.Hits++
	a.LastSeen = in.ts
	a.Xfer += in.xfer
	a.ProcTime += procTime
	a.MarkDirty()
	d.MarkDirty()
	return created, nil
}

// updateDownload closes the job's session once it has been idle for the
// download timeout.
func (e *Engine) updateDownload(d *entity.Download, ts time.Time) bool {
	a := d.Active
	if a == nil || ts.IsZero() || d.Kind == entity.Group {
		return false
	}
	if ts.Sub(a.LastSeen) < e.cfg.DownloadTimeout() {
		return false
	}

	d.Active = nil
	d.Count++
	d.SumHits += a.Hits
	d.SumXfer += a.Xfer
	d.AvgXfer = entity.Avg(d.AvgXfer, float64(a.Xfer), d.Count)
	minutes := float64(a.ProcTime) / 60000
	d.SumTime += minutes
	d.AvgTime = entity.Avg(d.AvgTime, minutes, d.Count)
	d.MarkDirty()
	e.totals.DownloadsDone++

	if a.Storage.Persisted {
		e.endedDownloads[d.ID] = struct{}{}
	}
	e.metrics.DownloadsDone.Inc()
	return true
}

func (e *Engine) closeDownloads(ts time.Time) {
	e.downloads.Each(func(d *entity.Download) bool {
		e.updateDownload(d, ts)
		return true
	})
}
