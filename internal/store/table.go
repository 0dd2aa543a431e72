package store

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"webalyze/internal/entity"
)

// Index projects one numeric field of a table's records into a sorted view.
// Regular indexes hold Regular records only, group indexes Group records
// only.
type Index[E entity.Entity] struct {
	Field  string
	Groups bool
	Key    func(E) uint64
}

// Name returns the index store name, "<table>.<field>" or
// "<table>.groups.<field>".
func (ix Index[E]) Name(table string) string {
	if ix.Groups {
		return table + ".groups." + ix.Field
	}
	return table + "." + ix.Field
}

func (ix Index[E]) covers(kind entity.Kind) bool {
	return ix.Groups == (kind == entity.Group)
}

// TableConfig describes the optional structures of a table.
type TableConfig[E entity.Entity] struct {
	ValueIndex bool
	Indexes    []Index[E]
	// Hash overrides the value index hash. Tests use it to force
	// collisions.
	Hash func(string) uint64
	// MultiThreaded serializes ID draws and writes.
	MultiThreaded bool
}

// Table is the persistent collection of one entity kind.
type Table[E entity.Entity] struct {
	db    *DB
	name  string
	newFn func() E
	cfg   TableConfig[E]

	mu         sync.Mutex
	associated bool
}

// NewTable binds a table named name to db. newFn returns an empty record
// to decode into.
func NewTable[E entity.Entity](db *DB, name string, newFn func() E, cfg TableConfig[E]) *Table[E] {
	if cfg.Hash == nil {
		cfg.Hash = entity.ValueHash
	}
	return &Table[E]{db: db, name: name, newFn: newFn, cfg: cfg}
}

func (t *Table[E]) Name() string {
	return t.name
}

func (t *Table[E]) lock() func() {
	if !t.cfg.MultiThreaded {
		return func() {}
	}
	t.mu.Lock()
	return t.mu.Unlock
}

// NextID draws the next ID from the table's sequence. IDs start at 1.
func (t *Table[E]) NextID() (uint64, error) {
	defer t.lock()()
	return t.nextID()
}

func (t *Table[E]) nextID() (uint64, error) {
	seq, err := t.db.sequence(t.name)
	if err != nil {
		return 0, err
	}
	n, err := seq.Next()
	if err != nil {
		return 0, ioError(t.name, err)
	}
	if n == math.MaxUint64 {
		return 0, fmt.Errorf("%w: table %s", ErrSequenceExhausted, t.name)
	}
	return n + 1, nil
}

func (t *Table[E]) decode(id uint64, raw []byte) (E, error) {
	e := t.newFn()
	if err := e.UnmarshalBinary(raw); err != nil {
		var zero E
		return zero, decodeError(t.name, id, err)
	}
	n := e.Header()
	n.ID = id
	n.Storage = entity.Storage{Persisted: true}
	return e, nil
}

func (t *Table[E]) getTxn(txn *badger.Txn, id uint64) (E, bool, error) {
	var zero E
	item, err := txn.Get(primaryKey(t.name, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, ioError(t.name, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return zero, false, ioError(t.name, err)
	}
	e, err := t.decode(id, raw)
	if err != nil {
		return zero, false, err
	}
	return e, true, nil
}

// GetByID loads the record with the given primary key.
func (t *Table[E]) GetByID(id uint64) (E, bool, error) {
	var (
		e     E
		found bool
	)
	err := t.db.bdb.View(func(txn *badger.Txn) error {
		var err error
		e, found, err = t.getTxn(txn, id)
		return err
	})
	return e, found, err
}

// GetByValue finds the record of the given kind whose value equals value.
// Every candidate sharing the hash is decoded and compared literally.
func (t *Table[E]) GetByValue(kind entity.Kind, value string) (E, bool, error) {
	var zero E
	if !t.cfg.ValueIndex {
		return zero, false, fmt.Errorf("table %s has no value index: %w", t.name, ErrUnsupported)
	}

	var (
		match E
		found bool
	)
	p := valuePrefix(t.name, t.cfg.Hash(value))
	err := t.db.bdb.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			id := trailingID(it.Item().Key())
			e, ok, err := t.getTxn(txn, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			n := e.Header()
			if n.Kind == kind && n.Value == value {
				match, found = e, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return zero, false, err
	}
	return match, found, nil
}

// Put upserts e, assigning an ID first if it has none. On success the
// record is clean and persisted.
func (t *Table[E]) Put(e E) error {
	defer t.lock()()

	if err := t.assignID(e); err != nil {
		return err
	}
	err := t.db.bdb.Update(func(txn *badger.Txn) error {
		return t.putTxn(txn, e)
	})
	if err != nil {
		return err
	}
	t.markClean(e)
	return nil
}

// PutAll writes records in as few transactions as the store allows.
func (t *Table[E]) PutAll(es []E) error {
	defer t.lock()()

	for _, e := range es {
		if err := t.assignID(e); err != nil {
			return err
		}
	}

	txn := t.db.bdb.NewTransaction(true)
	defer func() { txn.Discard() }()

	pending := 0
	for i := 0; i < len(es); i++ {
		err := t.putTxn(txn, es[i])
		if errors.Is(err, badger.ErrTxnTooBig) && pending > 0 {
			if err := txn.Commit(); err != nil {
				return ioError(t.name, err)
			}
			for _, done := range es[i-pending : i] {
				t.markClean(done)
			}
			txn = t.db.bdb.NewTransaction(true)
			pending = 0
			i--
			continue
		}
		if err != nil {
			return err
		}
		pending++
	}
	if err := txn.Commit(); err != nil {
		return ioError(t.name, err)
	}
	for _, done := range es[len(es)-pending:] {
		t.markClean(done)
	}
	return nil
}

func (t *Table[E]) assignID(e E) error {
	n := e.Header()
	if n.ID != 0 {
		return nil
	}
	id, err := t.nextID()
	if err != nil {
		return err
	}
	n.ID = id
	return nil
}

func (t *Table[E]) markClean(e E) {
	n := e.Header()
	n.Storage.Dirty = false
	n.Storage.Persisted = true
}

func (t *Table[E]) putTxn(txn *badger.Txn, e E) error {
	n := e.Header()
	raw, err := e.MarshalBinary()
	if err != nil {
		return fmt.Errorf("table %s, record %d: %w", t.name, n.ID, err)
	}

	if t.isAssociated() && len(t.cfg.Indexes) > 0 {
		old, found, err := t.getTxn(txn, n.ID)
		if err != nil {
			return err
		}
		if found {
			if err := t.deleteIndexKeys(txn, old); err != nil {
				return err
			}
		}
	}

	if err := txn.Set(primaryKey(t.name, n.ID), raw); err != nil {
		return t.wrapSet(err)
	}
	if t.cfg.ValueIndex {
		if err := txn.Set(valueKey(t.name, t.cfg.Hash(n.Value), n.ID), nil); err != nil {
			return t.wrapSet(err)
		}
	}
	if t.isAssociated() {
		for _, ix := range t.cfg.Indexes {
			if !ix.covers(n.Kind) {
				continue
			}
			if err := txn.Set(indexKey(ix.Name(t.name), ix.Key(e), n.ID), nil); err != nil {
				return t.wrapSet(err)
			}
		}
	}
	return nil
}

// wrapSet keeps ErrTxnTooBig recognizable for PutAll.
func (t *Table[E]) wrapSet(err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}
	return ioError(t.name, err)
}

func (t *Table[E]) deleteIndexKeys(txn *badger.Txn, old E) error {
	n := old.Header()
	for _, ix := range t.cfg.Indexes {
		if !ix.covers(n.Kind) {
			continue
		}
		if err := txn.Delete(indexKey(ix.Name(t.name), ix.Key(old), n.ID)); err != nil {
			return t.wrapSet(err)
		}
	}
	return nil
}

// Delete removes the record and its index entries. Deleting a missing
// record is not an error.
func (t *Table[E]) Delete(id uint64) error {
	defer t.lock()()

	return t.db.bdb.Update(func(txn *badger.Txn) error {
		old, found, err := t.getTxn(txn, id)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if t.cfg.ValueIndex {
			if err := txn.Delete(valueKey(t.name, t.cfg.Hash(old.Header().Value), id)); err != nil {
				return ioError(t.name, err)
			}
		}
		if t.isAssociated() {
			if err := t.deleteIndexKeys(txn, old); err != nil {
				return err
			}
		}
		if err := txn.Delete(primaryKey(t.name, id)); err != nil {
			return ioError(t.name, err)
		}
		return nil
	})
}

// Iterate calls fn for every record in ID order until fn returns an error.
func (t *Table[E]) Iterate(fn func(E) error) error {
	p := prefix(t.name)
	return t.db.bdb.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			id := trailingID(item.Key())
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return ioError(t.name, err)
			}
			e, err := t.decode(id, raw)
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of primary records.
func (t *Table[E]) Count() (uint64, error) {
	var n uint64
	p := prefix(t.name)
	err := t.db.bdb.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, ioError(t.name, err)
	}
	return n, nil
}
