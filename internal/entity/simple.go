package entity

import (
	"time"

	"webalyze/internal/codec"
)

// Referrer aggregates hits carrying one referring URL.
type Referrer struct {
	Node
	Count  uint64
	Visits uint64
}

func NewReferrer(ref string) *Referrer {
	return &Referrer{Node: Node{Value: ref}}
}

var referrerSchema = codec.Schema[Referrer]{
	Name: "referrers",
	Base: func(r *codec.Reader, v *Referrer) {
		readHeader(r, &v.Node)
		v.Count = r.U64()
		v.Visits = r.U64()
	},
	Encode: func(w *codec.Writer, v *Referrer) {
		putHeader(w, &v.Node)
		w.PutU64(v.Count)
		w.PutU64(v.Visits)
	},
}

func (v *Referrer) MarshalBinary() ([]byte, error) { return referrerSchema.Marshal(v), nil }

func (v *Referrer) UnmarshalBinary(b []byte) error { return referrerSchema.Unmarshal(b, v) }

// Agent aggregates hits from one user agent string.
type Agent struct {
	Node
	Count  uint64
	Visits uint64
	Xfer   uint64

	// Added in v2.
	Robot bool
}

func NewAgent(ua string) *Agent {
	return &Agent{Node: Node{Value: ua}}
}

var agentSchema = codec.Schema[Agent]{
	Name: "agents",
	Base: func(r *codec.Reader, v *Agent) {
		readHeader(r, &v.Node)
		v.Count = r.U64()
		v.Visits = r.U64()
		v.Xfer = r.U64()
	},
	Steps: []codec.Step[Agent]{
		func(r *codec.Reader, v *Agent) { v.Robot = r.Bool() },
	},
	Encode: func(w *codec.Writer, v *Agent) {
		putHeader(w, &v.Node)
		w.PutU64(v.Count)
		w.PutU64(v.Visits)
		w.PutU64(v.Xfer)
		w.PutBool(v.Robot)
	},
}

func (v *Agent) MarshalBinary() ([]byte, error) { return agentSchema.Marshal(v), nil }

func (v *Agent) UnmarshalBinary(b []byte) error { return agentSchema.Unmarshal(b, v) }

// Search aggregates one encoded search-term string. Value holds the
// encoded term groups; TermCount is the number of groups.
type Search struct {
	Node
	TermCount uint32
	Count     uint64
	Visits    uint64
}

func NewSearch(terms string, termCount uint32) *Search {
	return &Search{Node: Node{Value: terms}, TermCount: termCount}
}

var searchSchema = codec.Schema[Search]{
	Name: "search",
	Base: func(r *codec.Reader, v *Search) {
		readHeader(r, &v.Node)
		v.TermCount = r.U32()
		v.Count = r.U64()
		v.Visits = r.U64()
	},
	Encode: func(w *codec.Writer, v *Search) {
		putHeader(w, &v.Node)
		w.PutU32(v.TermCount)
		w.PutU64(v.Count)
		w.PutU64(v.Visits)
	},
}

func (v *Search) MarshalBinary() ([]byte, error) { return searchSchema.Marshal(v), nil }

func (v *Search) UnmarshalBinary(b []byte) error { return searchSchema.Unmarshal(b, v) }

// User aggregates hits from one authenticated user name.
type User struct {
	Node
	Count    uint64
	Files    uint64
	Visits   uint64
	Xfer     uint64
	LastSeen time.Time
	AvgTime  float64

	// Added in v2.
	MaxTime float64
}

func NewUser(name string) *User {
	return &User{Node: Node{Value: name}}
}

var userSchema = codec.Schema[User]{
	Name: "users",
	Base: func(r *codec.Reader, v *User) {
		readHeader(r, &v.Node)
		v.Count = r.U64()
		v.Files = r.U64()
		v.Visits = r.U64()
		v.Xfer = r.U64()
		v.LastSeen = r.Time()
		v.AvgTime = r.F64()
	},
	Steps: []codec.Step[User]{
		func(r *codec.Reader, v *User) { v.MaxTime = r.F64() },
	},
	Upgrade: func(from uint16, v *User) {
		if from < 2 {
			v.MaxTime = v.AvgTime
		}
	},
	Encode: func(w *codec.Writer, v *User) {
		putHeader(w, &v.Node)
		w.PutU64(v.Count)
		w.PutU64(v.Files)
		w.PutU64(v.Visits)
		w.PutU64(v.Xfer)
		w.PutTime(v.LastSeen)
		w.PutF64(v.AvgTime)
		w.PutF64(v.MaxTime)
	},
}

func (v *User) MarshalBinary() ([]byte, error) { return userSchema.Marshal(v), nil }

func (v *User) UnmarshalBinary(b []byte) error { return userSchema.Unmarshal(b, v) }
