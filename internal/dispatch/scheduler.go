// Package dispatch runs the periodic sweeps that move trips from searching
// to drivers_found and back when offers lapse.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"ridedispatch/internal/logger"
	"ridedispatch/internal/metrics"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/service"
)

// Runner is one periodic task. Run must be safe to repeat after a crash.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	runner   Runner
	interval time.Duration
	inFlight atomic.Bool

	mu     sync.Mutex
	status service.RunnerStatus
}

// Scheduler ticks each registered runner on its own interval. A tick that
// finds the previous run of the same runner still going is skipped.
type Scheduler struct {
	log     logger.ILogger
	leases  redis.LockStoreInterface
	owner   string
	nrApp   *newrelic.Application
	entries []*entry

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(log logger.ILogger) *Scheduler {
	return &Scheduler{log: log}
}

// WithLeases makes every run take a named lease first so that only one
// replica runs a given runner at a time.
func (s *Scheduler) WithLeases(leases redis.LockStoreInterface, owner string) *Scheduler {
	s.leases = leases
	s.owner = owner
	return s
}

// WithNewRelic records every run as a background transaction.
func (s *Scheduler) WithNewRelic(app *newrelic.Application) *Scheduler {
	s.nrApp = app
	return s
}

// Add registers a runner. It must be called before Start.
func (s *Scheduler) Add(r Runner, interval time.Duration) {
	s.entries = append(s.entries, &entry{
		runner:   r,
		interval: interval,
		status:   service.RunnerStatus{Name: r.Name()},
	})
}

// Start launches one ticker loop per runner.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.log.Info("scheduler started", logger.Int("runners", len(s.entries)))
}

// Stop cancels the loops and waits for running ticks to return.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Each tick runs detached so a slow run never delays the ticker.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.tick(ctx, e)
			}()
		}
	}
}

// RunNow runs the named runner once, honouring the in-flight guard and the
// lease. It reports whether the runner actually ran.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	for _, e := range s.entries {
		if e.runner.Name() == name {
			return s.tick(ctx, e)
		}
	}
	return false, nil
}

func (s *Scheduler) tick(ctx context.Context, e *entry) (bool, error) {
	name := e.runner.Name()

	if !e.inFlight.CompareAndSwap(false, true) {
		s.skip(e, "overlap")
		return false, nil
	}
	defer e.inFlight.Store(false)

	if s.leases != nil {
		ok, err := s.leases.AcquireLease(ctx, name, s.owner, e.interval)
		if err != nil {
			s.log.Warning("runner lease unavailable", logger.String("runner", name), logger.Error(err))
			s.skip(e, "lease_error")
			return false, err
		}
		if !ok {
			s.skip(e, "not_leader")
			return false, nil
		}
		defer func() {
			if err := s.leases.ReleaseLease(context.WithoutCancel(ctx), name, s.owner); err != nil {
				s.log.Warning("failed to release runner lease", logger.String("runner", name), logger.Error(err))
			}
		}()
	}

	e.mu.Lock()
	e.status.InFlight = true
	e.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, e.interval)
	defer cancel()

	var txn *newrelic.Transaction
	if s.nrApp != nil {
		txn = s.nrApp.StartTransaction("runner/" + name)
		runCtx = newrelic.NewContext(runCtx, txn)
	}

	start := time.Now()
	err := e.runner.Run(runCtx)
	elapsed := time.Since(start)

	if txn != nil {
		if err != nil {
			txn.NoticeError(err)
		}
		txn.End()
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.log.Error("runner failed", logger.String("runner", name), logger.Duration("elapsed", elapsed), logger.Error(err))
	}
	metrics.SweepRuns.WithLabelValues(name, outcome).Inc()
	metrics.SweepDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	e.mu.Lock()
	e.status.InFlight = false
	e.status.Runs++
	e.status.LastRunAt = start
	e.status.LastDuration = elapsed
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()

	return true, err
}

func (s *Scheduler) skip(e *entry, reason string) {
	metrics.SweepRuns.WithLabelValues(e.runner.Name(), "skipped_"+reason).Inc()
	e.mu.Lock()
	e.status.Skipped++
	e.mu.Unlock()
}

// RunnerStatuses returns a snapshot of every runner.
func (s *Scheduler) RunnerStatuses() []service.RunnerStatus {
	out := make([]service.RunnerStatus, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, e.status)
		e.mu.Unlock()
	}
	return out
}

var _ service.RunnerReporter = (*Scheduler)(nil)
