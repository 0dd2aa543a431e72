package jobs

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"webalyze/internal/metrics"
)

// Flusher is the durability side of the store. The trickle job never
// touches entity content.
type Flusher interface {
	Sync() error
}

// TrickleJob syncs the store in the background while writes are pending,
// at most rate times per second. A write arriving after a quiet period
// wakes it immediately instead of waiting for the next tick.
type TrickleJob struct {
	store   Flusher
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	pending  atomic.Int64
	lastSync atomic.Int64 // unix nanos
	syncs    atomic.Uint64
	wake     chan struct{}
}

func NewTrickleJob(store Flusher, perSecond float64, m *metrics.Metrics, logger *slog.Logger) *TrickleJob {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &TrickleJob{
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		metrics: m,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Notify records n pending writes.
func (j *TrickleJob) Notify(n int) {
	if n <= 0 {
		return
	}
	if j.pending.Add(int64(n)) == int64(n) && j.quiesced() {
		select {
		case j.wake <- struct{}{}:
		default:
		}
	}
}

func (j *TrickleJob) quiesced() bool {
	last := j.lastSync.Load()
	return last == 0 || time.Since(time.Unix(0, last)) >= trickleInterval
}

// Run syncs once if writes are pending and the rate allows it.
func (j *TrickleJob) Run() error {
	if j.pending.Load() == 0 {
		return nil
	}
	if !j.limiter.Allow() {
		return nil
	}

	n := j.pending.Swap(0)
	err := j.store.Sync()
	j.lastSync.Store(time.Now().UnixNano())
	if err != nil {
		// Keep the writes pending so the next tick retries.
		j.pending.Add(n)
		j.observe("error")
		return err
	}
	j.syncs.Add(1)
	j.observe("ok")
	j.logger.Debug("store synced", slog.Int64("writes", n))
	return nil
}

func (j *TrickleJob) observe(result string) {
	if j.metrics != nil {
		j.metrics.StoreSyncs.WithLabelValues(result).Inc()
	}
}

// Syncs returns the number of successful syncs.
func (j *TrickleJob) Syncs() uint64 {
	return j.syncs.Load()
}

// Pending returns the number of writes not yet synced.
func (j *TrickleJob) Pending() int64 {
	return j.pending.Load()
}
