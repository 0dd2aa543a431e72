package entity

import (
	"strings"

	"github.com/pariz/gountries"

	"webalyze/internal/codec"
)

// Country aggregates non-robot, non-spammer traffic by ISO country code.
// Value holds the lower-case code; "*" collects unknown locations.
type Country struct {
	Node
	Description string
	Count       uint64
	Files       uint64
	Visits      uint64
	Xfer        uint64

	// Added in v2.
	Pages uint64
}

// UnknownCountry is the code used when no location is known.
const UnknownCountry = "*"

var countryNames = gountries.New()

// NewCountry returns a country node with its common English name.
func NewCountry(code string) *Country {
	c := &Country{Node: Node{Value: code}, Description: "Unresolved/Unknown"}
	if code != UnknownCountry {
		if found, err := countryNames.FindCountryByAlpha(strings.ToUpper(code)); err == nil {
			c.Description = found.Name.Common
		} else {
			c.Description = code
		}
	}
	return c
}

var countrySchema = codec.Schema[Country]{
	Name: "countries",
	Base: func(r *codec.Reader, v *Country) {
		readHeader(r, &v.Node)
		v.Description = r.String()
		v.Count = r.U64()
		v.Files = r.U64()
		v.Visits = r.U64()
		v.Xfer = r.U64()
	},
	Steps: []codec.Step[Country]{
		func(r *codec.Reader, v *Country) { v.Pages = r.U64() },
	},
	Encode: func(w *codec.Writer, v *Country) {
		putHeader(w, &v.Node)
		w.PutString(v.Description)
		w.PutU64(v.Count)
		w.PutU64(v.Files)
		w.PutU64(v.Visits)
		w.PutU64(v.Xfer)
		w.PutU64(v.Pages)
	},
}

func (v *Country) MarshalBinary() ([]byte, error) { return countrySchema.Marshal(v), nil }

func (v *Country) UnmarshalBinary(b []byte) error { return countrySchema.Unmarshal(b, v) }

// Daily holds the totals of one day of the month. ID is the day (1..31).
type Daily struct {
	Node
	Hits   uint64
	Files  uint64
	Pages  uint64
	Hosts  uint64
	Visits uint64
	Xfer   uint64

	// Added in v2: hourly averages and maxima within the day.
	Hours     uint32
	HitsAvg   float64
	HitsMax   uint64
	FilesAvg  float64
	FilesMax  uint64
	PagesAvg  float64
	PagesMax  uint64
	XferAvg   float64
	XferMax   uint64
	VisitsAvg float64
	VisitsMax uint64
	HostsAvg  float64
	HostsMax  uint64
}

var dailySchema = codec.Schema[Daily]{
	Name: "daily",
	Base: func(r *codec.Reader, v *Daily) {
		v.Hits = r.U64()
		v.Files = r.U64()
		v.Pages = r.U64()
		v.Hosts = r.U64()
		v.Visits = r.U64()
		v.Xfer = r.U64()
	},
	Steps: []codec.Step[Daily]{
		func(r *codec.Reader, v *Daily) {
			v.Hours = r.U32()
			v.HitsAvg, v.HitsMax = r.F64(), r.U64()
			v.FilesAvg, v.FilesMax = r.F64(), r.U64()
			v.PagesAvg, v.PagesMax = r.F64(), r.U64()
			v.XferAvg, v.XferMax = r.F64(), r.U64()
			v.VisitsAvg, v.VisitsMax = r.F64(), r.U64()
			v.HostsAvg, v.HostsMax = r.F64(), r.U64()
		},
	},
	Encode: func(w *codec.Writer, v *Daily) {
		w.PutU64(v.Hits)
		w.PutU64(v.Files)
		w.PutU64(v.Pages)
		w.PutU64(v.Hosts)
		w.PutU64(v.Visits)
		w.PutU64(v.Xfer)
		w.PutU32(v.Hours)
		w.PutF64(v.HitsAvg)
		w.PutU64(v.HitsMax)
		w.PutF64(v.FilesAvg)
		w.PutU64(v.FilesMax)
		w.PutF64(v.PagesAvg)
		w.PutU64(v.PagesMax)
		w.PutF64(v.XferAvg)
		w.PutU64(v.XferMax)
		w.PutF64(v.VisitsAvg)
		w.PutU64(v.VisitsMax)
		w.PutF64(v.HostsAvg)
		w.PutU64(v.HostsMax)
	},
}

func (v *Daily) MarshalBinary() ([]byte, error) { return dailySchema.Marshal(v), nil }

func (v *Daily) UnmarshalBinary(b []byte) error { return dailySchema.Unmarshal(b, v) }

// Hourly holds the month's totals for one hour of the day. ID is hour+1.
type Hourly struct {
	Node
	Hits  uint64
	Files uint64
	Pages uint64
	Xfer  uint64
}

var hourlySchema = codec.Schema[Hourly]{
	Name: "hourly",
	Base: func(r *codec.Reader, v *Hourly) {
		v.Hits = r.U64()
		v.Files = r.U64()
		v.Pages = r.U64()
		v.Xfer = r.U64()
	},
	Encode: func(w *codec.Writer, v *Hourly) {
		w.PutU64(v.Hits)
		w.PutU64(v.Files)
		w.PutU64(v.Pages)
		w.PutU64(v.Xfer)
	},
}

func (v *Hourly) MarshalBinary() ([]byte, error) { return hourlySchema.Marshal(v), nil }

func (v *Hourly) UnmarshalBinary(b []byte) error { return hourlySchema.Unmarshal(b, v) }

// StatusCode counts responses with one HTTP status. ID is the code.
type StatusCode struct {
	Node
	Count uint64
}

var statusSchema = codec.Schema[StatusCode]{
	Name: "statuscodes",
	Base: func(r *codec.Reader, v *StatusCode) {
		v.Count = r.U64()
	},
	Encode: func(w *codec.Writer, v *StatusCode) {
		w.PutU64(v.Count)
	},
}

func (v *StatusCode) MarshalBinary() ([]byte, error) { return statusSchema.Marshal(v), nil }

func (v *StatusCode) UnmarshalBinary(b []byte) error { return statusSchema.Unmarshal(b, v) }
