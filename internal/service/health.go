package service

import (
	"context"
	"time"

	"ridedispatch/internal/queue"
)

// RunnerStatus is the last-known state of a periodic runner.
type RunnerStatus struct {
	Name         string        `json:"name"`
	InFlight     bool          `json:"in_flight"`
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastError    string        `json:"last_error,omitempty"`
}

// RunnerReporter exposes runner state.
type RunnerReporter interface {
	RunnerStatuses() []RunnerStatus
}

// QueueReporter exposes queue depth.
type QueueReporter interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status   string         `json:"status"`
	Registry string         `json:"registry"`
	Queue    *queue.Stats   `json:"queue,omitempty"`
	Runners  []RunnerStatus `json:"runners"`
	Errors   []string       `json:"errors,omitempty"`
}

// HealthService aggregates component health.
type HealthService struct {
	registry PresenceRegistry
	queue    QueueReporter
	runners  RunnerReporter
}

// NewHealthService creates a new HealthService. runners may be nil.
func NewHealthService(registry PresenceRegistry, queue QueueReporter, runners RunnerReporter) *HealthService {
	return &HealthService{
		registry: registry,
		queue:    queue,
		runners:  runners,
	}
}

// Check reports "ok" when every dependency answers and "degraded" otherwise.
func (s *HealthService) Check(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", Registry: "ok"}

	if err := s.registry.Ping(ctx); err != nil {
		report.Status = "degraded"
		report.Registry = "unavailable"
		report.Errors = append(report.Errors, err.Error())
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		report.Status = "degraded"
		report.Errors = append(report.Errors, err.Error())
	} else {
		report.Queue = &stats
	}

	if s.runners != nil {
		report.Runners = s.runners.RunnerStatuses()
	}
	return report
}
