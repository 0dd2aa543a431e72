// Package resolver looks up host names and locations in the background.
// Requests are submitted by the single-threaded engine and results are
// collected by polling, so the engine never blocks on a slow DNS server.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"webalyze/internal/metrics"
	"webalyze/internal/pkg/geoip"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("resolver is closed")

// Locator answers location lookups. *geoip.DB implements it.
type Locator interface {
	Lookup(addr string) (geoip.Location, error)
}

// Request asks for the name and location of a host address.
type Request struct {
	HostID uint64
	Addr   string
}

// Result is a completed lookup. Name is empty when the address has no
// reverse record.
type Result struct {
	HostID uint64
	Addr   string
	Name   string
	geoip.Location
}

type Options struct {
	Workers   int
	Timeout   time.Duration
	CacheSize int
	// DNS enables reverse lookups; without it only locations are resolved.
	DNS bool
	// LookupAddr replaces net.DefaultResolver.LookupAddr.
	LookupAddr func(ctx context.Context, addr string) ([]string, error)
}

type cached struct {
	name string
	loc  geoip.Location
}

type Resolver struct {
	opts    Options
	geo     Locator
	metrics *metrics.Metrics
	logger  *slog.Logger
	cache   *lru.Cache[string, cached]

	queue   chan Request
	group   *errgroup.Group
	cancel  context.CancelFunc
	pending atomic.Int64
	closed  atomic.Bool

	mu      sync.Mutex
	results []Result
	ready   chan struct{}
}

func New(opts Options, geo Locator, m *metrics.Metrics, logger *slog.Logger) (*Resolver, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.CacheSize < 1 {
		opts.CacheSize = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.LookupAddr == nil {
		opts.LookupAddr = net.DefaultResolver.LookupAddr
	}
	cache, err := lru.New[string, cached](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		opts:    opts,
		geo:     geo,
		metrics: m,
		logger:  logger,
		cache:   cache,
		queue:   make(chan Request, opts.Workers*64),
		ready:   make(chan struct{}, 1),
	}, nil
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Close is called.
func (r *Resolver) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.group = g
	for i := 0; i < r.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case req, ok := <-r.queue:
					if !ok {
						return nil
					}
					r.deliver(r.resolve(gctx, req))
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	r.logger.Debug("Resolver started", slog.Int("workers", r.opts.Workers), slog.Bool("dns", r.opts.DNS))
}

// Submit queues a lookup. It blocks only while the queue is full.
func (r *Resolver) Submit(ctx context.Context, req Request) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.pending.Add(1)
	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		r.pending.Add(-1)
		return ctx.Err()
	}
}

// Lookup resolves addr synchronously, without reverse DNS.
func (r *Resolver) Lookup(addr string) Result {
	if c, ok := r.cache.Get(addr); ok {
		return Result{Addr: addr, Name: c.name, Location: c.loc}
	}
	res := Result{Addr: addr, Location: r.locate(addr)}
	r.cache.Add(addr, cached{loc: res.Location})
	return res
}

func (r *Resolver) resolve(ctx context.Context, req Request) Result {
	res := Result{HostID: req.HostID, Addr: req.Addr}
	if c, ok := r.cache.Get(req.Addr); ok {
		res.Name, res.Location = c.name, c.loc
		r.observe("cached")
		return res
	}

	if r.opts.DNS {
		lctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		names, err := r.opts.LookupAddr(lctx, req.Addr)
		cancel()
		switch {
		case err == nil && len(names) > 0:
			res.Name = strings.ToLower(strings.TrimSuffix(names[0], "."))
			r.observe("ok")
		case err != nil:
			r.logger.Debug("Reverse lookup failed", slog.String("addr", req.Addr), slog.Any("error", err))
			r.observe("failed")
		default:
			r.observe("failed")
		}
	}
	res.Location = r.locate(req.Addr)
	r.cache.Add(req.Addr, cached{name: res.Name, loc: res.Location})
	return res
}

func (r *Resolver) locate(addr string) geoip.Location {
	if r.geo == nil {
		return geoip.Location{}
	}
	loc, err := r.geo.Lookup(addr)
	if err != nil {
		r.logger.Debug("Location lookup failed", slog.String("addr", addr), slog.Any("error", err))
	}
	return loc
}

func (r *Resolver) observe(result string) {
	if r.metrics != nil {
		r.metrics.Resolutions.WithLabelValues(result).Inc()
	}
}

func (r *Resolver) deliver(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	r.pending.Add(-1)
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Poll returns the results completed since the last call.
func (r *Resolver) Poll() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.results
	r.results = nil
	return out
}

// Pending returns the number of submitted lookups without a result yet.
func (r *Resolver) Pending() int {
	return int(r.pending.Load())
}

// Wait blocks until every submitted lookup completed or ctx is done, then
// returns the results not yet polled.
func (r *Resolver) Wait(ctx context.Context) ([]Result, error) {
	for r.pending.Load() > 0 {
		select {
		case <-r.ready:
		case <-ctx.Done():
			return r.Poll(), ctx.Err()
		}
	}
	return r.Poll(), nil
}

// Close stops the workers. With abandon set, lookups still queued are
// dropped instead of completed.
func (r *Resolver) Close(abandon bool) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.group == nil {
		return nil
	}
	if abandon {
		r.cancel()
	}
	close(r.queue)
	err := r.group.Wait()
	r.cancel()
	if abandon {
		r.pending.Store(0)
	}
	return err
}
