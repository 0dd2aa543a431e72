package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"webalyze/internal/config"
	"webalyze/internal/metrics"
)

// ErrStopTimeout is returned by Stop when a job did not finish within the
// stop timeout. The caller may proceed with shutdown.
var ErrStopTimeout = errors.New("background job did not stop in time")

var (
	trickleInterval  = time.Second
	stopPollInterval = 50 * time.Millisecond
	stopTimeout      = 15 * time.Second
)

// Scheduler is responsible for running background jobs
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	trickle *TrickleJob

	trickleTicker *time.Ticker
	done          chan struct{}
	doneOnce      sync.Once
}

// NewScheduler creates a scheduler that trickles writes to store. A zero
// trickle rate or an in-memory store disables it.
func NewScheduler(store Flusher, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		enabled: cfg.TrickleRate > 0 && !cfg.MemoryMode,
		trickle: NewTrickleJob(store, cfg.TrickleRate, m, logger),
		done:    make(chan struct{}),
	}
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Debug("Trickle is disabled")
		s.finish()
		return nil
	}

	if s.isRunning {
		return nil
	}
	s.isRunning = true
	s.startTrickleJob()

	s.logger.Debug("Background jobs started", slog.Duration("trickle_interval", trickleInterval))
	return nil
}

func (s *Scheduler) startTrickleJob() {
	s.trickleTicker = time.NewTicker(trickleInterval)

	go func() {
		defer s.finish()
		for {
			select {
			case <-s.trickleTicker.C:
				s.executeJobSafely("trickle", s.trickle.Run)
			case <-s.trickle.wake:
				s.executeJobSafely("trickle", s.trickle.Run)
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Notify tells the trickle job that n records were written.
func (s *Scheduler) Notify(n int) {
	if s.enabled {
		s.trickle.Notify(n)
	}
}

// Stop signals every job and waits for it to return, polling until the
// stop timeout elapses.
func (s *Scheduler) Stop() error {
	if s.trickleTicker != nil {
		s.trickleTicker.Stop()
	}
	s.cancel()

	if !s.isRunning {
		return nil
	}
	s.isRunning = false

	deadline := time.Now().Add(stopTimeout)
	poll := time.NewTicker(stopPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-s.done:
			s.logger.Debug("Background jobs stopped")
			return nil
		case <-poll.C:
			if time.Now().After(deadline) {
				s.logger.Warn("Background jobs did not stop in time", slog.Duration("timeout", stopTimeout))
				return ErrStopTimeout
			}
		}
	}
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// Enabled reports whether the trickle job runs at all.
func (s *Scheduler) Enabled() bool {
	return s.enabled
}
