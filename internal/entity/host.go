package entity

import (
	"time"

	"webalyze/internal/codec"
)

// Host aggregates every hit from one client address, or a group bucket
// produced by a GroupHost rule or domain grouping.
type Host struct {
	Node

	Count      uint64
	Files      uint64
	Pages      uint64
	Xfer       uint64
	Visits     uint64
	VisitsConv uint64
	VisitAvg   float64
	VisitMax   uint64 // seconds

	MaxVHits  uint64
	MaxVFiles uint64
	MaxVPages uint64
	MaxVXfer  uint64

	Spammer  bool
	Robot    bool
	LastSeen time.Time

	// Added in v2.
	Name        string
	CountryCode string
	City        string

	// Added in v3.
	Latitude  float64
	Longitude float64
	ASNumber  uint32
	ASOrg     string

	// Resolved is set once the resolver has produced name and location
	// data. Freshly loaded hosts count as resolved when they carry a name.
	Resolved bool
	// Visit is the open visit, if any.
	Visit *Visit
	// Pending holds closed visits waiting for resolution before grouping.
	Pending []*Visit
}

// Hostname returns the resolved name, or the address when unresolved.
func (h *Host) Hostname() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Value
}

// HasPending reports whether closed visits are queued on the host.
func (h *Host) HasPending() bool {
	return len(h.Pending) > 0
}

// NewHost returns a regular host for addr.
func NewHost(addr string) *Host {
	return &Host{Node: Node{Kind: Regular, Value: addr}}
}

var hostSchema = codec.Schema[Host]{
	Name: "hosts",
	Base: func(r *codec.Reader, h *Host) {
		readHeader(r, &h.Node)
		h.Count = r.U64()
		h.Files = r.U64()
		h.Pages = r.U64()
		h.Xfer = r.U64()
		h.Visits = r.U64()
		h.VisitsConv = r.U64()
		h.VisitAvg = r.F64()
		h.VisitMax = r.U64()
		h.MaxVHits = r.U64()
		h.MaxVFiles = r.U64()
		h.MaxVPages = r.U64()
		h.MaxVXfer = r.U64()
		h.Spammer = r.Bool()
		h.Robot = r.Bool()
		h.LastSeen = r.Time()
	},
	Steps: []codec.Step[Host]{
		func(r *codec.Reader, h *Host) {
			h.Name = r.String()
			h.CountryCode = r.String()
			h.City = r.String()
		},
		func(r *codec.Reader, h *Host) {
			h.Latitude = r.F64()
			h.Longitude = r.F64()
			h.ASNumber = r.U32()
			h.ASOrg = r.String()
		},
	},
	Encode: func(w *codec.Writer, h *Host) {
		putHeader(w, &h.Node)
		w.PutU64(h.Count)
		w.PutU64(h.Files)
		w.PutU64(h.Pages)
		w.PutU64(h.Xfer)
		w.PutU64(h.Visits)
		w.PutU64(h.VisitsConv)
		w.PutF64(h.VisitAvg)
		w.PutU64(h.VisitMax)
		w.PutU64(h.MaxVHits)
		w.PutU64(h.MaxVFiles)
		w.PutU64(h.MaxVPages)
		w.PutU64(h.MaxVXfer)
		w.PutBool(h.Spammer)
		w.PutBool(h.Robot)
		w.PutTime(h.LastSeen)

		w.PutString(h.Name)
		w.PutString(h.CountryCode)
		w.PutString(h.City)

		w.PutF64(h.Latitude)
		w.PutF64(h.Longitude)
		w.PutU32(h.ASNumber)
		w.PutString(h.ASOrg)
	},
}

func (h *Host) MarshalBinary() ([]byte, error) {
	return hostSchema.Marshal(h), nil
}

func (h *Host) UnmarshalBinary(b []byte) error {
	if err := hostSchema.Unmarshal(b, h); err != nil {
		return err
	}
	h.Resolved = h.Name != ""
	return nil
}

// HostVersion is the newest host layout.
func HostVersion() uint16 { return hostSchema.Version() }
