// Package store persists entity tables, their value and sort indexes and ID
// sequences in a single badger key-value store.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"webalyze/internal/entity"
)

// MinSequenceCacheSize is the smallest number of IDs leased per sequence
// round trip.
const MinSequenceCacheSize = 256

// Options configure a store.
type Options struct {
	Path              string
	InMemory          bool
	SequenceCacheSize uint64
	AppVersion        string
	TimeZone          string
	// IgnoreTimeZone accepts a store written under another time zone. Only
	// read-only inspection should set it.
	IgnoreTimeZone bool

	Logger      *slog.Logger
	StoreLogger badger.Logger
}

// DB is an open store. Tables created on it share the keyspace.
type DB struct {
	opts Options
	log  *slog.Logger
	bdb  *badger.DB

	mu     sync.Mutex
	seqs   map[string]*badger.Sequence
	system entity.System
	fresh  bool
}

// Open opens or creates the store at opts.Path and verifies that its
// system record matches the running binary's layout.
func Open(opts Options) (*DB, error) {
	if opts.SequenceCacheSize < MinSequenceCacheSize {
		opts.SequenceCacheSize = MinSequenceCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if !opts.InMemory {
		opts.Path = filepath.Clean(opts.Path)
	}

	d := &DB{opts: opts, log: opts.Logger.With(slog.String("component", "store"))}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) open() error {
	var bopts badger.Options
	if d.opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(d.opts.Path, 0o755); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStoreOpen, d.opts.Path, err)
		}
		bopts = badger.DefaultOptions(d.opts.Path)
	}
	bopts = bopts.WithLogger(d.opts.StoreLogger)

	bdb, err := badger.Open(bopts)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStoreOpen, d.opts.Path, err)
	}
	d.bdb = bdb
	d.seqs = make(map[string]*badger.Sequence)

	if err := d.loadSystem(); err != nil {
		_ = bdb.Close()
		d.bdb = nil
		return err
	}
	return nil
}

func (d *DB) loadSystem() error {
	var raw []byte
	err := d.bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(systemKey)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return d.initSystem()
	}
	if err != nil {
		return ioError("system", err)
	}

	var sys entity.System
	if err := sys.UnmarshalBinary(raw); err != nil {
		return decodeError("system", 1, err)
	}
	if sys.ByteOrder != entity.ByteOrderMark || sys.WordSizes != entity.NativeWordSizes {
		return fmt.Errorf("%w: byte order %#x, word sizes %v", ErrIncompatibleLayout, sys.ByteOrder, sys.WordSizes)
	}
	if sys.TimeZone != d.opts.TimeZone && !d.opts.IgnoreTimeZone {
		return fmt.Errorf("%w: store time zone %q, configured %q", ErrIncompatibleLayout, sys.TimeZone, d.opts.TimeZone)
	}
	d.system = sys
	d.fresh = false
	return nil
}

func (d *DB) initSystem() error {
	d.system = entity.System{
		Node:           entity.Node{ID: 1},
		AppVersion:     d.opts.AppVersion,
		AppVersionLast: d.opts.AppVersion,
		ByteOrder:      entity.ByteOrderMark,
		WordSizes:      entity.NativeWordSizes,
		TimeZone:       d.opts.TimeZone,
		Created:        time.Now().UTC(),
	}
	d.fresh = true
	return d.PutSystem(d.system)
}

// System returns the system record read at open.
func (d *DB) System() entity.System {
	return d.system
}

// PutSystem replaces the system record.
func (d *DB) PutSystem(sys entity.System) error {
	b, _ := sys.MarshalBinary()
	if err := d.bdb.Update(func(txn *badger.Txn) error {
		return txn.Set(systemKey, b)
	}); err != nil {
		return ioError("system", err)
	}
	d.system = sys
	return nil
}

// Fresh reports whether this open created the store.
func (d *DB) Fresh() bool {
	return d.fresh
}

func (d *DB) Path() string {
	return d.opts.Path
}

func (d *DB) InMemory() bool {
	return d.opts.InMemory
}

func (d *DB) sequence(table string) (*badger.Sequence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seq, ok := d.seqs[table]; ok {
		return seq, nil
	}
	seq, err := d.bdb.GetSequence(sequenceKey(table), d.opts.SequenceCacheSize)
	if err != nil {
		return nil, ioError(table, err)
	}
	d.seqs[table] = seq
	return seq, nil
}

func (d *DB) releaseSequences() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for name, seq := range d.seqs {
		if err := seq.Release(); err != nil {
			errs = append(errs, ioError(name, err))
		}
	}
	d.seqs = make(map[string]*badger.Sequence)
	return errors.Join(errs...)
}

// Sync flushes written data to durable media.
func (d *DB) Sync() error {
	if err := d.bdb.Sync(); err != nil {
		return ioError("*", err)
	}
	return nil
}

// Sizes returns badger's own estimate of the LSM and value log sizes.
func (d *DB) Sizes() (lsm, vlog int64) {
	return d.bdb.Size()
}

// DiskSize returns the bytes the store directory occupies.
func (d *DB) DiskSize() (int64, error) {
	if d.opts.InMemory {
		return 0, ErrUnsupported
	}
	var total int64
	err := filepath.WalkDir(d.opts.Path, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Compact flattens the LSM tree and rewrites value log files until no
// more space can be reclaimed. It returns the number of bytes freed.
func (d *DB) Compact() (int64, error) {
	if d.opts.InMemory {
		return 0, ErrUnsupported
	}
	before, err := d.DiskSize()
	if err != nil {
		return 0, ioError("*", err)
	}

	if err := d.bdb.Flatten(2); err != nil {
		return 0, ioError("*", err)
	}
	for {
		err := d.bdb.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if errors.Is(err, badger.ErrGCInMemoryMode) {
			return 0, ErrUnsupported
		}
		if err != nil {
			return 0, ioError("*", err)
		}
	}

	after, err := d.DiskSize()
	if err != nil {
		return 0, ioError("*", err)
	}
	if after >= before {
		return 0, nil
	}
	return before - after, nil
}

// Truncate removes every table, index and sequence and writes a fresh
// system record.
func (d *DB) Truncate() error {
	if err := d.releaseSequences(); err != nil {
		return err
	}
	if err := d.bdb.DropAll(); err != nil {
		return ioError("*", err)
	}
	d.log.Info("store truncated", slog.String("path", d.opts.Path))
	return d.initSystem()
}

// Rollover archives the current store under "<path>_YYYYMM", or
// "<path>_YYYYMM_<n>" when that name is taken, and reopens an empty store
// at the original path. It returns the archive path. In-memory stores are
// truncated instead.
func (d *DB) Rollover(month time.Time) (string, error) {
	if d.opts.InMemory {
		return "", d.Truncate()
	}
	if err := d.Close(); err != nil {
		return "", err
	}

	base := fmt.Sprintf("%s_%s", d.opts.Path, month.Format("200601"))
	target := base
	for n := 1; ; n++ {
		if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
			break
		}
		target = fmt.Sprintf("%s_%d", base, n)
	}
	if err := os.Rename(d.opts.Path, target); err != nil {
		return "", ioError("*", err)
	}
	d.log.Info("store rolled over", slog.String("archive", target))

	if err := d.open(); err != nil {
		return target, err
	}
	return target, nil
}

// Close releases unused sequence leases and closes the store.
func (d *DB) Close() error {
	if d.bdb == nil {
		return nil
	}
	relErr := d.releaseSequences()
	err := d.bdb.Close()
	d.bdb = nil
	if err != nil {
		return ioError("*", err)
	}
	return relErr
}
