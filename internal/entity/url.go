package entity

import "webalyze/internal/codec"

// URLType records the schemes a URL was requested over.
type URLType uint8

const (
	URLTypeHTTP  URLType = 1 << 0
	URLTypeHTTPS URLType = 1 << 1
)

// URL aggregates requests for one path and query.
type URL struct {
	Node

	Type    URLType
	Count   uint64
	Files   uint64
	Entry   uint64
	Exit    uint64
	Xfer    uint64
	AvgTime float64 // seconds

	// Added in v2.
	MaxTime float64
	Target  bool
}

// NewURL returns a regular URL node.
func NewURL(path string) *URL {
	return &URL{Node: Node{Kind: Regular, Value: path}}
}

var urlSchema = codec.Schema[URL]{
	Name: "urls",
	Base: func(r *codec.Reader, u *URL) {
		readHeader(r, &u.Node)
		u.Type = URLType(r.U8())
		u.Count = r.U64()
		u.Files = r.U64()
		u.Entry = r.U64()
		u.Exit = r.U64()
		u.Xfer = r.U64()
		u.AvgTime = r.F64()
	},
	Steps: []codec.Step[URL]{
		func(r *codec.Reader, u *URL) {
			u.MaxTime = r.F64()
			u.Target = r.Bool()
		},
	},
	Upgrade: func(from uint16, u *URL) {
		if from < 2 {
			u.MaxTime = u.AvgTime
		}
	},
	Encode: func(w *codec.Writer, u *URL) {
		putHeader(w, &u.Node)
		w.PutU8(uint8(u.Type))
		w.PutU64(u.Count)
		w.PutU64(u.Files)
		w.PutU64(u.Entry)
		w.PutU64(u.Exit)
		w.PutU64(u.Xfer)
		w.PutF64(u.AvgTime)
		w.PutF64(u.MaxTime)
		w.PutBool(u.Target)
	},
}

func (u *URL) MarshalBinary() ([]byte, error) {
	return urlSchema.Marshal(u), nil
}

func (u *URL) UnmarshalBinary(b []byte) error {
	return urlSchema.Unmarshal(b, u)
}
