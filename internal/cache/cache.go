// Package cache keeps the live entities of one table in memory and spills
// idle ones back to the store.
package cache

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"webalyze/internal/entity"
	"webalyze/internal/metrics"
)

// ErrEvictionFlushFailed wraps a store failure hit while persisting dirty
// entities. Nothing is evicted when it is returned.
var ErrEvictionFlushFailed = errors.New("eviction flush failed")

// Backend is the persistent table behind a cache.
type Backend[E entity.Entity] interface {
	Name() string
	GetByID(id uint64) (E, bool, error)
	GetByValue(kind entity.Kind, value string) (E, bool, error)
	NextID() (uint64, error)
	PutAll(es []E) error
}

type key struct {
	kind  entity.Kind
	value string
}

// Cache holds at most one live instance per kind and value.
type Cache[E entity.Entity] struct {
	backend Backend[E]
	newFn   func(kind entity.Kind, value string) E
	metrics *metrics.Metrics

	byKey map[key]E
	byID  map[uint64]E
	pins  map[uint64]int

	// keep reports entities that own open sessions; they are never
	// evicted regardless of pins.
	keep func(E) bool
}

// New returns an empty cache over backend. newFn builds a fresh entity for
// a value not found in memory or in the store.
func New[E entity.Entity](backend Backend[E], newFn func(kind entity.Kind, value string) E, m *metrics.Metrics) *Cache[E] {
	return &Cache[E]{
		backend: backend,
		newFn:   newFn,
		metrics: m,
		byKey:   make(map[key]E),
		byID:    make(map[uint64]E),
		pins:    make(map[uint64]int),
	}
}

// KeepWhile installs a predicate protecting entities from eviction.
func (c *Cache[E]) KeepWhile(keep func(E) bool) {
	c.keep = keep
}

func (c *Cache[E]) Name() string {
	return c.backend.Name()
}

// Len returns the number of resident entities.
func (c *Cache[E]) Len() int {
	return len(c.byID)
}

// FindOrCreate returns the live entity for kind and value, loading it from
// the store or creating it with a fresh ID when needed. created is true
// only for brand new entities.
func (c *Cache[E]) FindOrCreate(kind entity.Kind, value string, touched time.Time) (e E, created bool, err error) {
	k := key{kind, value}
	if e, ok := c.byKey[k]; ok {
		e.Header().Touched = touched
		return e, false, nil
	}

	e, found, err := c.backend.GetByValue(kind, value)
	if err != nil {
		return e, false, err
	}
	if !found {
		id, err := c.backend.NextID()
		if err != nil {
			return e, false, err
		}
		e = c.newFn(kind, value)
		n := e.Header()
		n.ID = id
		n.Kind = kind
		n.Storage = entity.Storage{Dirty: true}
		created = true
	}
	e.Header().Touched = touched
	c.insert(e)
	return e, created, nil
}

// Find looks up a resident entity without touching the store.
func (c *Cache[E]) Find(kind entity.Kind, value string) (E, bool) {
	e, ok := c.byKey[key{kind, value}]
	return e, ok
}

// Get returns the entity with id, loading it from the store on a miss.
func (c *Cache[E]) Get(id uint64, touched time.Time) (E, bool, error) {
	if e, ok := c.byID[id]; ok {
		return e, true, nil
	}
	e, found, err := c.backend.GetByID(id)
	if err != nil || !found {
		return e, found, err
	}
	e.Header().Touched = touched
	c.insert(e)
	return e, true, nil
}

// Insert makes e resident. An entity with the same ID is replaced.
func (c *Cache[E]) Insert(e E) {
	c.insert(e)
}

func (c *Cache[E]) insert(e E) {
	n := e.Header()
	if old, ok := c.byID[n.ID]; ok {
		on := old.Header()
		delete(c.byKey, key{on.Kind, on.Value})
	}
	c.byKey[key{n.Kind, n.Value}] = e
	c.byID[n.ID] = e
}

// Remove drops an entity from memory without persisting it.
func (c *Cache[E]) Remove(id uint64) {
	e, ok := c.byID[id]
	if !ok {
		return
	}
	n := e.Header()
	delete(c.byKey, key{n.Kind, n.Value})
	delete(c.byID, id)
	delete(c.pins, id)
}

// Pin protects id from eviction until a matching Unpin.
func (c *Cache[E]) Pin(id uint64) {
	c.pins[id]++
}

func (c *Cache[E]) Unpin(id uint64) {
	switch n := c.pins[id]; {
	case n <= 1:
		delete(c.pins, id)
	default:
		c.pins[id] = n - 1
	}
}

// Pins returns the pin count of id.
func (c *Cache[E]) Pins(id uint64) int {
	return c.pins[id]
}

func (c *Cache[E]) evictable(e E) bool {
	if c.pins[e.Header().ID] > 0 {
		return false
	}
	return c.keep == nil || !c.keep(e)
}

// Each calls fn for every resident entity in ID order until fn returns
// false.
func (c *Cache[E]) Each(fn func(E) bool) {
	for _, e := range c.sorted() {
		if !fn(e) {
			return
		}
	}
}

func (c *Cache[E]) sorted() []E {
	all := make([]E, 0, len(c.byID))
	for _, e := range c.byID {
		all = append(all, e)
	}
	slices.SortFunc(all, func(a, b E) int {
		return cmp.Compare(a.Header().ID, b.Header().ID)
	})
	return all
}

// SwapOut evicts every unpinned entity last touched before cutoff. If more
// than budget entities remain, the least recently touched unpinned ones go
// too. Dirty entities are persisted first; if that fails nothing is
// evicted. budget <= 0 disables the budget pass.
func (c *Cache[E]) SwapOut(cutoff time.Time, budget int) (int, error) {
	var idle, active []E
	for _, e := range c.byID {
		if !c.evictable(e) {
			continue
		}
		if e.Header().Touched.Before(cutoff) {
			idle = append(idle, e)
		} else {
			active = append(active, e)
		}
	}

	victims := idle
	if over := len(c.byID) - len(idle) - budget; budget > 0 && over > 0 {
		slices.SortFunc(active, func(a, b E) int {
			an, bn := a.Header(), b.Header()
			if d := an.Touched.Compare(bn.Touched); d != 0 {
				return d
			}
			return cmp.Compare(an.ID, bn.ID)
		})
		victims = append(victims, active[:min(over, len(active))]...)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	if err := c.persist(victims); err != nil {
		return 0, fmt.Errorf("%w: table %s: %w", ErrEvictionFlushFailed, c.Name(), err)
	}
	for _, e := range victims {
		n := e.Header()
		delete(c.byKey, key{n.Kind, n.Value})
		delete(c.byID, n.ID)
	}
	if c.metrics != nil {
		c.metrics.Evictions.WithLabelValues(c.Name()).Add(float64(len(victims)))
	}
	c.observeResident()
	return len(victims), nil
}

func (c *Cache[E]) persist(es []E) error {
	dirty := make([]E, 0, len(es))
	for _, e := range es {
		if e.Header().Storage.Dirty || !e.Header().Storage.Persisted {
			dirty = append(dirty, e)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	slices.SortFunc(dirty, func(a, b E) int {
		return cmp.Compare(a.Header().ID, b.Header().ID)
	})
	if err := c.backend.PutAll(dirty); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.Flushes.WithLabelValues(c.Name()).Add(float64(len(dirty)))
	}
	return nil
}

// Flush persists every dirty resident entity and keeps them resident.
func (c *Cache[E]) Flush() (int, error) {
	all := make([]E, 0, len(c.byID))
	for _, e := range c.byID {
		all = append(all, e)
	}
	before := 0
	for _, e := range all {
		if e.Header().Storage.Dirty || !e.Header().Storage.Persisted {
			before++
		}
	}
	if err := c.persist(all); err != nil {
		return 0, fmt.Errorf("table %s: %w", c.Name(), err)
	}
	c.observeResident()
	return before, nil
}

// Clear drops every resident entity and pin without persisting anything.
func (c *Cache[E]) Clear() {
	c.byKey = make(map[key]E)
	c.byID = make(map[uint64]E)
	c.pins = make(map[uint64]int)
	c.observeResident()
}

func (c *Cache[E]) observeResident() {
	if c.metrics != nil {
		c.metrics.Resident.WithLabelValues(c.Name()).Set(float64(len(c.byID)))
	}
}
