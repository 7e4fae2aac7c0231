package dispatch

import (
	"context"
	"fmt"
	"time"

	"ridedispatch/internal/logger"
	"ridedispatch/internal/queue"
)

// MaintenanceJob prunes finished job records and re-queues lapsed leases.
type MaintenanceJob struct {
	Retention time.Duration `json:"retention"`
}

func (MaintenanceJob) JobType() string { return "maintenance.prune" }

// MaintenanceRunner schedules MaintenanceJob through the queue so that the
// work itself gets retries and shows up in queue metrics.
type MaintenanceRunner struct {
	q         *queue.Queue
	retention time.Duration
	log       logger.ILogger
}

// NewMaintenanceRunner creates a MaintenanceRunner and registers the job handler.
func NewMaintenanceRunner(q *queue.Queue, retention time.Duration, log logger.ILogger) (*MaintenanceRunner, error) {
	r := &MaintenanceRunner{q: q, retention: retention, log: log}
	if err := queue.Handle(q, r.handle); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MaintenanceRunner) Name() string { return "queue_maintenance" }

// Run enqueues one maintenance job.
func (r *MaintenanceRunner) Run(ctx context.Context) error {
	_, err := r.q.Enqueue(ctx, MaintenanceJob{Retention: r.retention}, queue.Options{MaxAttempts: 1})
	return err
}

func (r *MaintenanceRunner) handle(ctx context.Context, job MaintenanceJob) error {
	pruned, err := r.q.Prune(ctx, job.Retention)
	if err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	requeued, err := r.q.RequeueExpired(ctx)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	if _, err := r.q.Stats(ctx); err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	r.log.Info("queue maintenance done",
		logger.Int("pruned", pruned),
		logger.Int("requeued", requeued),
	)
	return nil
}
