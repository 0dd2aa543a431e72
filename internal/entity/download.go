package entity

import (
	"fmt"
	"strings"
	"time"

	"webalyze/internal/codec"
)

// ErrorRecord counts requests that failed with one status, method and URL.
type ErrorRecord struct {
	Node
	Status uint16
	Method string
	URL    string
	Count  uint64
}

// ErrorKey is the identity value of an error record.
func ErrorKey(status uint16, method, url string) string {
	return fmt.Sprintf("%d %s %s", status, method, url)
}

func NewErrorRecord(status uint16, method, url string) *ErrorRecord {
	return &ErrorRecord{
		Node:   Node{Value: ErrorKey(status, method, url)},
		Status: status,
		Method: method,
		URL:    url,
	}
}

var errorSchema = codec.Schema[ErrorRecord]{
	Name: "errors",
	Base: func(r *codec.Reader, v *ErrorRecord) {
		readHeader(r, &v.Node)
		v.Status = r.U16()
		v.Method = r.String()
		v.URL = r.String()
		v.Count = r.U64()
	},
	Encode: func(w *codec.Writer, v *ErrorRecord) {
		putHeader(w, &v.Node)
		w.PutU16(v.Status)
		w.PutString(v.Method)
		w.PutString(v.URL)
		w.PutU64(v.Count)
	},
}

func (v *ErrorRecord) MarshalBinary() ([]byte, error) { return errorSchema.Marshal(v), nil }

func (v *ErrorRecord) UnmarshalBinary(b []byte) error { return errorSchema.Unmarshal(b, v) }

const downloadKeySep = "\x1f"

// DownloadKey is the identity value of a download job.
func DownloadKey(name, hostAddr string) string {
	return name + downloadKeySep + hostAddr
}

// SplitDownloadKey reverses DownloadKey.
func SplitDownloadKey(key string) (name, hostAddr string) {
	name, hostAddr, _ = strings.Cut(key, downloadKeySep)
	return name, hostAddr
}

// Download aggregates the download sessions one host ran against one
// download rule.
type Download struct {
	Node
	Name    string
	HostID  uint64
	Count   uint64
	SumHits uint64
	SumXfer uint64
	AvgXfer float64
	SumTime float64 // minutes
	AvgTime float64

	// Active is the open session, if any.
	Active *ActiveDownload
}

func NewDownload(name, hostAddr string, hostID uint64) *Download {
	return &Download{Node: Node{Value: DownloadKey(name, hostAddr)}, Name: name, HostID: hostID}
}

var downloadSchema = codec.Schema[Download]{
	Name: "downloads",
	Base: func(r *codec.Reader, v *Download) {
		readHeader(r, &v.Node)
		v.Name = r.String()
		v.HostID = r.U64()
		v.Count = r.U64()
		v.SumHits = r.U64()
		v.SumXfer = r.U64()
		v.AvgXfer = r.F64()
		v.SumTime = r.F64()
		v.AvgTime = r.F64()
	},
	Encode: func(w *codec.Writer, v *Download) {
		putHeader(w, &v.Node)
		w.PutString(v.Name)
		w.PutU64(v.HostID)
		w.PutU64(v.Count)
		w.PutU64(v.SumHits)
		w.PutU64(v.SumXfer)
		w.PutF64(v.AvgXfer)
		w.PutF64(v.SumTime)
		w.PutF64(v.AvgTime)
	},
}

func (v *Download) MarshalBinary() ([]byte, error) { return downloadSchema.Marshal(v), nil }

func (v *Download) UnmarshalBinary(b []byte) error { return downloadSchema.Unmarshal(b, v) }

// ActiveDownload is the open session of one download job, stored in
// downloads.active under the job's ID.
type ActiveDownload struct {
	Node // ID is the download job ID

	Hits     uint64
	LastSeen time.Time
	Xfer     uint64

	// Added in v2.
	ProcTime uint64 // milliseconds
}

func NewActiveDownload(jobID uint64, ts time.Time) *ActiveDownload {
	return &ActiveDownload{Node: Node{ID: jobID}, LastSeen: ts}
}

var activeDownloadSchema = codec.Schema[ActiveDownload]{
	Name: "downloads.active",
	Base: func(r *codec.Reader, v *ActiveDownload) {
		v.Hits = r.U64()
		v.LastSeen = r.Time()
		v.Xfer = r.U64()
	},
	Steps: []codec.Step[ActiveDownload]{
		func(r *codec.Reader, v *ActiveDownload) { v.ProcTime = r.U64() },
	},
	Encode: func(w *codec.Writer, v *ActiveDownload) {
		w.PutU64(v.Hits)
		w.PutTime(v.LastSeen)
		w.PutU64(v.Xfer)
		w.PutU64(v.ProcTime)
	},
}

func (v *ActiveDownload) MarshalBinary() ([]byte, error) {
	return activeDownloadSchema.Marshal(v), nil
}

func (v *ActiveDownload) UnmarshalBinary(b []byte) error {
	return activeDownloadSchema.Unmarshal(b, v)
}
