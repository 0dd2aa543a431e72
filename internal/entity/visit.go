package entity

import (
	"time"

	"webalyze/internal/codec"
)

// Visit is the open session of one host. It is stored in visits.active
// under the owning host's ID while a run is checkpointed mid-session.
type Visit struct {
	Node // ID is the host ID

	Start   time.Time
	End     time.Time
	Hits    uint64
	Files   uint64
	Pages   uint64
	Xfer    uint64
	LastURL uint64

	// Added in v2.
	Robot bool
	// Added in v3.
	Converted bool
	// Added in v4.
	EntrySeen bool
}

// NewVisit opens a visit for host at ts.
func NewVisit(hostID uint64, ts time.Time) *Visit {
	return &Visit{Node: Node{ID: hostID}, Start: ts, End: ts}
}

// HostID returns the owning host.
func (v *Visit) HostID() uint64 {
	return v.ID
}

// Length returns the visit duration in whole seconds.
func (v *Visit) Length() uint64 {
	if v.End.Before(v.Start) {
		return 0
	}
	return uint64(v.End.Sub(v.Start) / time.Second)
}

var visitSchema = codec.Schema[Visit]{
	Name: "visits.active",
	Base: func(r *codec.Reader, v *Visit) {
		v.Start = r.Time()
		v.End = r.Time()
		v.Hits = r.U64()
		v.Files = r.U64()
		v.Pages = r.U64()
		v.Xfer = r.U64()
		v.LastURL = r.U64()
	},
	Steps: []codec.Step[Visit]{
		func(r *codec.Reader, v *Visit) { v.Robot = r.Bool() },
		func(r *codec.Reader, v *Visit) { v.Converted = r.Bool() },
		func(r *codec.Reader, v *Visit) { v.EntrySeen = r.Bool() },
	},
	Upgrade: func(from uint16, v *Visit) {
		// Visits checkpointed before the entry flag existed already had
		// their entry URL counted.
		if from < 4 {
			v.EntrySeen = true
		}
	},
	Encode: func(w *codec.Writer, v *Visit) {
		w.PutTime(v.Start)
		w.PutTime(v.End)
		w.PutU64(v.Hits)
		w.PutU64(v.Files)
		w.PutU64(v.Pages)
		w.PutU64(v.Xfer)
		w.PutU64(v.LastURL)
		w.PutBool(v.Robot)
		w.PutBool(v.Converted)
		w.PutBool(v.EntrySeen)
	},
}

func (v *Visit) MarshalBinary() ([]byte, error) {
	return visitSchema.Marshal(v), nil
}

func (v *Visit) UnmarshalBinary(b []byte) error {
	return visitSchema.Unmarshal(b, v)
}
