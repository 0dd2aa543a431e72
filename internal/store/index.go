package store

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"
)

// Order selects the iteration direction of a secondary index.
type Order int

const (
	Descending Order = iota
	Ascending
)

func (t *Table[E]) isAssociated() bool {
	return t.associated
}

// Associated reports whether secondary indexes are currently maintained.
func (t *Table[E]) Associated() bool {
	return t.associated
}

// IndexNames lists the table's secondary index store names.
func (t *Table[E]) IndexNames() []string {
	names := make([]string, 0, len(t.cfg.Indexes))
	for _, ix := range t.cfg.Indexes {
		names = append(names, ix.Name(t.name))
	}
	return names
}

// AssociateIndexes starts maintaining secondary indexes on every write.
// With rebuild set the indexes are emptied first and rebuilt from the
// primary records; otherwise the stored indexes are trusted as current.
func (t *Table[E]) AssociateIndexes(rebuild bool) error {
	if len(t.cfg.Indexes) == 0 {
		t.associated = true
		return nil
	}
	if rebuild {
		if err := t.rebuildIndexes(); err != nil {
			return err
		}
	}
	t.associated = true
	return nil
}

// DissociateIndexes stops index maintenance. Stored indexes go stale on
// the next write and must be rebuilt before they are read again.
func (t *Table[E]) DissociateIndexes() {
	t.associated = false
}

func (t *Table[E]) rebuildIndexes() error {
	prefixes := make([][]byte, 0, len(t.cfg.Indexes))
	for _, ix := range t.cfg.Indexes {
		prefixes = append(prefixes, prefix(ix.Name(t.name)))
	}
	if err := t.db.bdb.DropPrefix(prefixes...); err != nil {
		return ioError(t.name, err)
	}

	wb := t.db.bdb.NewWriteBatch()
	defer wb.Cancel()

	err := t.Iterate(func(e E) error {
		n := e.Header()
		for _, ix := range t.cfg.Indexes {
			if !ix.covers(n.Kind) {
				continue
			}
			if err := wb.Set(indexKey(ix.Name(t.name), ix.Key(e), n.ID), nil); err != nil {
				return ioError(t.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return ioError(t.name, err)
	}
	return nil
}

func (t *Table[E]) findIndex(name string) (Index[E], bool) {
	for _, ix := range t.cfg.Indexes {
		if ix.Name(t.name) == name || (!ix.Groups && ix.Field == name) {
			return ix, true
		}
	}
	return Index[E]{}, false
}

// IterateByIndex yields records sorted by an index field, ties broken by
// ID. name is either the full index name or, for regular indexes, the
// field alone. The sequence is lazy and holds a read transaction open
// until iteration stops.
func (t *Table[E]) IterateByIndex(name string, order Order) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		var zero E
		if !t.associated {
			yield(zero, fmt.Errorf("table %s: %w", t.name, ErrIndexNotAssociated))
			return
		}
		ix, ok := t.findIndex(name)
		if !ok {
			yield(zero, fmt.Errorf("table %s, index %s: %w", t.name, name, ErrUnknownIndex))
			return
		}

		p := prefix(ix.Name(t.name))
		err := t.db.bdb.View(func(txn *badger.Txn) error {
			opts := badger.IteratorOptions{Prefix: p, Reverse: order == Descending}
			it := txn.NewIterator(opts)
			defer it.Close()

			start := p
			if opts.Reverse {
				// Seek lands on the last key <= start, so start just past
				// every key with this prefix.
				start = append(bytes.Clone(p), bytes.Repeat([]byte{0xff}, 17)...)
			}
			for it.Seek(start); it.ValidForPrefix(p); it.Next() {
				id := trailingID(it.Item().Key())
				e, found, err := t.getTxn(txn, id)
				if err != nil {
					return err
				}
				if !found {
					continue
				}
				if !yield(e, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(zero, err)
		}
	}
}

// Top returns up to n records from the named index in descending order.
func (t *Table[E]) Top(name string, n int) ([]E, error) {
	out := make([]E, 0, n)
	for e, err := range t.IterateByIndex(name, Descending) {
		if err != nil {
			return nil, err
		}
		if len(out) == n {
			break
		}
		out = append(out, e)
	}
	return out, nil
}
