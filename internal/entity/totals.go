package entity

import (
	"time"

	"webalyze/internal/codec"
)

// Totals is the per-month run state: the log-time cursor and every
// month-wide counter.
type Totals struct {
	Node

	Cursor   time.Time
	FirstDay uint32
	LastDay  uint32

	Hits       uint64
	Files      uint64
	Pages      uint64
	Xfer       uint64
	Hosts      uint64
	URLs       uint64
	Referrers  uint64
	Agents     uint64
	Users      uint64
	Errors     uint64
	SearchHits uint64
	Downloads  uint64
	Ignored    uint64

	Visits         uint64 // started
	VisitsEnd      uint64
	HumanVisitsEnd uint64
	RobotVisitsEnd uint64
	SpamVisitsEnd  uint64
	HostsConv      uint64
	VisitsConv     uint64
	Entry          uint64
	Exit           uint64

	RobotHits   uint64
	RobotFiles  uint64
	RobotPages  uint64
	RobotXfer   uint64
	RobotVisits uint64
	RobotHosts  uint64

	SpamHits  uint64
	SpamFiles uint64
	SpamPages uint64
	SpamXfer  uint64
	SpamHosts uint64

	VisitAvg float64 // human visits, seconds
	VisitMax uint64
	VConvAvg float64
	VConvMax uint64

	MaxVHits   uint64
	MaxVFiles  uint64
	MaxVPages  uint64
	MaxVXfer   uint64
	MaxHVHits  uint64
	MaxHVFiles uint64
	MaxHVPages uint64
	MaxHVXfer  uint64

	HitPTimeAvg  float64 // seconds
	HitPTimeMax  float64
	FilePTimeAvg float64
	FilePTimeMax float64
	PagePTimeAvg float64
	PagePTimeMax float64

	// Counters of the current hour, folded into the daily slot when the
	// hour changes.
	HourHits    uint64
	HourFiles   uint64
	HourPages   uint64
	HourXfer    uint64
	HourVisits  uint64
	HourHosts   uint64
	MaxHourHits uint64

	GroupHosts     uint64
	GroupURLs      uint64
	GroupReferrers uint64
	GroupAgents    uint64
	GroupUsers     uint64

	// Added in v2: download sessions closed this month. Downloads counts
	// jobs.
	DownloadsDone uint64
}

var totalsSchema = codec.Schema[Totals]{
	Name: "totals",
	Base: func(r *codec.Reader, t *Totals) {
		t.Cursor = r.Time()
		t.FirstDay = r.U32()
		t.LastDay = r.U32()
		for _, p := range t.counters() {
			*p = r.U64()
		}
		for _, p := range t.averages() {
			*p = r.F64()
		}
	},
	Steps: []codec.Step[Totals]{
		func(r *codec.Reader, t *Totals) { t.DownloadsDone = r.U64() },
	},
	Encode: func(w *codec.Writer, t *Totals) {
		w.PutTime(t.Cursor)
		w.PutU32(t.FirstDay)
		w.PutU32(t.LastDay)
		for _, p := range t.counters() {
			w.PutU64(*p)
		}
		for _, p := range t.averages() {
			w.PutF64(*p)
		}
		w.PutU64(t.DownloadsDone)
	},
}

// counters lists the integer fields in layout order. Appending here
// requires a new schema step.
func (t *Totals) counters() []*uint64 {
	return []*uint64{
		&t.Hits, &t.Files, &t.Pages, &t.Xfer, &t.Hosts, &t.URLs, &t.Referrers,
		&t.Agents, &t.Users, &t.Errors, &t.SearchHits, &t.Downloads, &t.Ignored,
		&t.Visits, &t.VisitsEnd, &t.HumanVisitsEnd, &t.RobotVisitsEnd, &t.SpamVisitsEnd,
		&t.HostsConv, &t.VisitsConv, &t.Entry, &t.Exit,
		&t.RobotHits, &t.RobotFiles, &t.RobotPages, &t.RobotXfer, &t.RobotVisits, &t.RobotHosts,
		&t.SpamHits, &t.SpamFiles, &t.SpamPages, &t.SpamXfer, &t.SpamHosts,
		&t.VisitMax, &t.VConvMax,
		&t.MaxVHits, &t.MaxVFiles, &t.MaxVPages, &t.MaxVXfer,
		&t.MaxHVHits, &t.MaxHVFiles, &t.MaxHVPages, &t.MaxHVXfer,
		&t.HourHits, &t.HourFiles, &t.HourPages, &t.HourXfer, &t.HourVisits, &t.HourHosts,
		&t.MaxHourHits,
		&t.GroupHosts, &t.GroupURLs, &t.GroupReferrers, &t.GroupAgents, &t.GroupUsers,
	}
}

func (t *Totals) averages() []*float64 {
	return []*float64{
		&t.VisitAvg, &t.VConvAvg,
		&t.HitPTimeAvg, &t.HitPTimeMax,
		&t.FilePTimeAvg, &t.FilePTimeMax,
		&t.PagePTimeAvg, &t.PagePTimeMax,
	}
}

func (t *Totals) MarshalBinary() ([]byte, error) { return totalsSchema.Marshal(t), nil }

func (t *Totals) UnmarshalBinary(b []byte) error { return totalsSchema.Unmarshal(b, t) }

// Reset zeroes every counter and the cursor, keeping the node identity.
func (t *Totals) Reset() {
	*t = Totals{Node: t.Node}
}

// ByteOrderMark is written into the system record in the store's byte
// order and compared on open.
const ByteOrderMark uint32 = 0x12345678

// System is the singleton describing the store itself.
type System struct {
	Node

	AppVersion     string // version that created the store
	AppVersionLast string // version of the last writer
	Incremental    bool
	Batch          bool
	ByteOrder      uint32
	WordSizes      [4]uint8 // u16, u32, u64, f64
	TimeZone       string
	Created        time.Time
}

// NativeWordSizes is the layout every record is encoded with.
var NativeWordSizes = [4]uint8{2, 4, 8, 8}

var systemSchema = codec.Schema[System]{
	Name: "system",
	Base: func(r *codec.Reader, s *System) {
		s.AppVersion = r.String()
		s.AppVersionLast = r.String()
		s.Incremental = r.Bool()
		s.Batch = r.Bool()
		s.ByteOrder = r.U32()
		for i := range s.WordSizes {
			s.WordSizes[i] = r.U8()
		}
		s.TimeZone = r.String()
		s.Created = r.Time()
	},
	Encode: func(w *codec.Writer, s *System) {
		w.PutString(s.AppVersion)
		w.PutString(s.AppVersionLast)
		w.PutBool(s.Incremental)
		w.PutBool(s.Batch)
		w.PutU32(s.ByteOrder)
		for _, n := range s.WordSizes {
			w.PutU8(n)
		}
		w.PutString(s.TimeZone)
		w.PutTime(s.Created)
	},
}

func (s *System) MarshalBinary() ([]byte, error) { return systemSchema.Marshal(s), nil }

func (s *System) UnmarshalBinary(b []byte) error { return systemSchema.Unmarshal(b, s) }
