package engine

import (
	"time"

	"webalyze/internal/entity"
	"webalyze/internal/logfile"
)

func (e *Engine) putURL(path string, kind entity.Kind, rec logfile.Record, proc float64, entry, target bool) (*entity.URL, bool, error) {
	u, created, err := e.urls.FindOrCreate(kind, path, rec.Time.In(e.loc))
	if err != nil {
		return nil, false, err
	}
	if entry {
		u.Entry++
		e.totals.Entry++
	}
	if kind == entity.Regular {
		if rec.Secure {
			u.Type |= entity.URLTypeHTTPS
		} else {
			u.Type |= entity.URLTypeHTTP
		}
	}
	if target {
		u.Target = true
	}
	u.Count++
	u.Xfer += rec.Xfer
	if isFile(rec.Status) {
		u.Files++
	}
	if created {
		u.AvgTime, u.MaxTime = proc, proc
	} else {
		u.AvgTime = entity.Avg(u.AvgTime, proc, u.Count)
		u.MaxTime = max(u.MaxTime, proc)
	}
	u.MarkDirty()
	return u, created, nil
}

// setLastURL moves the visit's exit candidate to id, keeping the URL
// resident while a visit points at it.
func (e *Engine) setLastURL(v *entity.Visit, id uint64) {
	if v.LastURL == id {
		return
	}
	if v.LastURL != 0 {
		e.urls.Unpin(v.LastURL)
	}
	v.LastURL = id
	e.urls.Pin(id)
}

func (e *Engine) putUser(name string, kind entity.Kind, in hit, proc float64) (bool, error) {
	u, created, err := e.users.FindOrCreate(kind, name, in.ts)
	if err != nil {
		return false, err
	}
	u.Count++
	if in.file {
		u.Files++
	}
	u.Xfer += in.xfer
	switch {
	case created:
		u.AvgTime, u.MaxTime = proc, proc
		u.Visits = 1
	default:
		u.AvgTime = entity.Avg(u.AvgTime, proc, u.Count)
		u.MaxTime = max(u.MaxTime, proc)
		if in.ts.Sub(u.LastSeen) >= e.cfg.VisitTimeout() {
			u.Visits++
		}
	}
	u.LastSeen = in.ts
	u.MarkDirty()
	return created, nil
}

func (e *Engine) putError(status uint16, method, url string, ts time.Time) (bool, error) {
	if method == "" || url == "" {
		return false, nil
	}
	r, created, err := e.failures.FindOrCreate(entity.Regular, entity.ErrorKey(status, method, url), ts)
	if err != nil {
		return false, err
	}
	if created {
		r.Status, r.Method, r.URL = status, method, url
	}
	r.Count++
	r.MarkDirty()
	return created, nil
}

func (e *Engine) putReferrer(ref string, kind entity.Kind, ts time.Time, newVisit bool) (bool, error) {
	r, created, err := e.referrers.FindOrCreate(kind, ref, ts)
	if err != nil {
		return false, err
	}
	r.Count++
	if newVisit {
		r.Visits++
	}
	r.MarkDirty()
	return created, nil
}

func (e *Engine) putAgent(ua string, kind entity.Kind, in hit, newVisit, robot bool) (bool, error) {
	a, created, err := e.agents.FindOrCreate(kind, ua, in.ts)
	if err != nil {
		return false, err
	}
	a.Count++
	a.Xfer += in.xfer
	if created {
		a.Visits = 1
		a.Robot = robot
	} else if newVisit {
		a.Visits++
	}
	a.MarkDirty()
	return created, nil
}

func (e *Engine) putSearch(terms string, count uint32, ts time.Time, newVisit bool) error {
	s, created, err := e.searches.FindOrCreate(entity.Regular, terms, ts)
	if err != nil {
		return err
	}
	if created {
		s.TermCount = count
	}
	s.Count++
	if newVisit {
		s.Visits++
	}
	s.MarkDirty()
	e.totals.SearchHits++
	return nil
}
