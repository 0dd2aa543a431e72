// Package entity defines every persisted record kind and its versioned
// binary layout.
package entity

import (
	"encoding"
	"time"

	"github.com/cespare/xxhash/v2"

	"webalyze/internal/codec"
)

// Kind distinguishes raw observed values from aggregation buckets.
type Kind uint8

const (
	Regular Kind = iota
	Group
)

func (k Kind) String() string {
	if k == Group {
		return "group"
	}
	return "regular"
}

// Storage holds in-memory lifecycle flags. It is never serialized.
type Storage struct {
	Dirty     bool
	Persisted bool
}

// Node is the part every record shares: its primary key, kind and identity
// value, plus the in-memory bookkeeping used by caches.
type Node struct {
	ID      uint64
	Kind    Kind
	Value   string
	Storage Storage

	// Touched is the log time of the last access; swap-out compares it
	// against the eviction cutoff.
	Touched time.Time
}

// Header returns the node itself so that embedding types satisfy Entity.
func (n *Node) Header() *Node {
	return n
}

// MarkDirty flags the record for the next flush.
func (n *Node) MarkDirty() {
	n.Storage.Dirty = true
}

// Entity is implemented by every record kind stored in a table.
type Entity interface {
	Header() *Node
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// ValueHash is the content hash stored next to a value and used as the
// value index key. It is never treated as proof of equality.
func ValueHash(value string) uint64 {
	return xxhash.Sum64String(value)
}

func putHeader(w *codec.Writer, n *Node) {
	w.PutU8(uint8(n.Kind))
	w.PutString(n.Value)
	w.PutU64(ValueHash(n.Value))
}

func readHeader(r *codec.Reader, n *Node) {
	kind := r.U8()
	if kind > uint8(Group) {
		r.Invalid("node kind %d", kind)
		return
	}
	n.Kind = Kind(kind)
	n.Value = r.String()
	_ = r.U64() // stored hash, recomputed on demand
}

// Avg folds value into a running average over count samples.
func Avg(avg, value float64, count uint64) float64 {
	if count == 0 {
		return avg
	}
	return avg + (value-avg)/float64(count)
}
