// Package queue runs typed background jobs with priority, delay and
// exponential-backoff retries. Delivery is at-least-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"

	"ridedispatch/internal/logger"
	"ridedispatch/internal/metrics"
)

var (
	// ErrDuplicateHandler is returned when a second handler is registered for a job type.
	ErrDuplicateHandler = errors.New("handler already registered for job type")

	// ErrNoHandler is returned when a job type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job type")

	// ErrBadPayload is returned when a stored payload cannot be decoded. Such jobs are not retried.
	ErrBadPayload = errors.New("job payload cannot be decoded")

	// ErrAlreadyStarted is returned by Start on a running queue.
	ErrAlreadyStarted = errors.New("queue already started")
)

// Config holds worker settings.
type Config struct {
	Workers            int
	PollInterval       time.Duration
	DefaultMaxAttempts int
	BackoffUnit        time.Duration
	LeaseTimeout       time.Duration
}

type handlerFunc func(ctx context.Context, raw json.RawMessage) error

// Queue dispatches stored jobs to their registered handlers.
type Queue struct {
	store Store
	cfg   Config
	log   logger.ILogger
	nrApp *newrelic.Application
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[string]handlerFunc

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue over store.
func New(store Store, cfg Config, log logger.ILogger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 5
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 30 * time.Second
	}
	return &Queue{
		store:    store,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		handlers: make(map[string]handlerFunc),
	}
}

// WithClock replaces the queue clock. Used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// WithNewRelic records each job execution as a background transaction.
func (q *Queue) WithNewRelic(app *newrelic.Application) *Queue {
	q.nrApp = app
	return q
}

// Handle registers fn as the only handler for P's job type.
func Handle[P Payload](q *Queue, fn func(ctx context.Context, payload P) error) error {
	var zero P
	jobType := zero.JobType()

	return q.register(jobType, func(ctx context.Context, raw json.RawMessage) error {
		var payload P
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return fn(ctx, payload)
	})
}

func (q *Queue) register(jobType string, h handlerFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, jobType)
	}
	q.handlers[jobType] = h
	return nil
}

// Enqueue stores payload as a new job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload Payload, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", payload.JobType(), err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}

	now := q.now()
	job := &Job{
		ID:          uuid.New().String(),
		Type:        payload.JobType(),
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Delay:       opts.Delay,
		Status:      StatusPending,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
	}

	if err := q.store.Push(ctx, job); err != nil {
		return "", fmt.Errorf("push %s job: %w", job.Type, err)
	}
	return job.ID, nil
}

// ProcessNext executes at most one due job. It reports whether a job was found.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.store.Pop(ctx, q.now(), q.cfg.LeaseTimeout)
	if err != nil {
		return false, fmt.Errorf("pop job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, q.execute(ctx, job)
}

func (q *Queue) execute(ctx context.Context, job *Job) error {
	job.Attempts++
	start := time.Now()

	runErr := q.run(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	now := q.now()
	if runErr == nil {
		job.CompletedAt = now
		job.Error = ""
		metrics.JobsProcessed.WithLabelValues(job.Type, "completed").Inc()
		return q.store.Complete(ctx, job)
	}

	job.Error = runErr.Error()
	if job.Attempts >= job.MaxAttempts || errors.Is(runErr, ErrBadPayload) {
		job.FailedAt = now
		metrics.JobsProcessed.WithLabelValues(job.Type, "failed").Inc()
		q.log.Error("job failed permanently",
			logger.String("job_id", job.ID),
			logger.String("type", job.Type),
			logger.Int("attempts", job.Attempts),
			logger.Error(runErr),
		)
		return q.store.Fail(ctx, job)
	}

	delay := Backoff(q.cfg.BackoffUnit, job.Attempts)
	metrics.JobsProcessed.WithLabelValues(job.Type, "retried").Inc()
	q.log.Warning("job failed, retrying",
		logger.String("job_id", job.ID),
		logger.String("type", job.Type),
		logger.Int("attempts", job.Attempts),
		logger.Duration("backoff", delay),
		logger.Error(runErr),
	)
	return q.store.Retry(ctx, job, now.Add(delay))
}

func (q *Queue) run(ctx context.Context, job *Job) (err error) {
	q.mu.RLock()
	h, ok := q.handlers[job.Type]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}

	if q.nrApp != nil {
		txn := q.nrApp.StartTransaction("job/" + job.Type)
		txn.AddAttribute("job_id", job.ID)
		txn.AddAttribute("attempt", job.Attempts)
		defer func() {
			if err != nil {
				txn.NoticeError(err)
			}
			txn.End()
		}()
		ctx = newrelic.NewContext(ctx, txn)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job.Payload)
}

// Start launches the workers and the lease reaper. They stop when ctx ends or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.reaper(ctx)

	q.log.Info("job queue started", logger.Int("workers", q.cfg.Workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.runMu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	q.wg.Wait()
	q.log.Info("job queue stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		// In-flight jobs finish on a context that survives shutdown.
		found, err := q.ProcessNext(context.WithoutCancel(ctx))
		if err != nil {
			q.log.Error("job queue worker error", logger.Int("worker", id), logger.Error(err))
		}
		if found && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) reaper(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.LeaseTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.store.RequeueExpired(ctx, q.now())
			if err != nil {
				q.log.Error("requeue expired jobs", logger.Error(err))
				continue
			}
			if n > 0 {
				q.log.Warning("requeued jobs with expired leases", logger.Int("count", n))
			}
		}
	}
}

// Stats returns job counts per state and publishes them as gauges.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	metrics.QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues(string(StatusDelayed)).Set(float64(st.Delayed))
	metrics.QueueDepth.WithLabelValues(string(StatusActive)).Set(float64(st.Active))
	metrics.QueueDepth.WithLabelValues(string(StatusCompleted)).Set(float64(st.Completed))
	metrics.QueueDepth.WithLabelValues(string(StatusFailed)).Set(float64(st.Failed))
	return st, nil
}

// Prune drops finished jobs older than retention.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return q.store.Prune(ctx, q.now().Add(-retention))
}

// RequeueExpired returns leased jobs whose lease ran out to the ready set.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	return q.store.RequeueExpired(ctx, q.now())
}

// Get returns a stored job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}
