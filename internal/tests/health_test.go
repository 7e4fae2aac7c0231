package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/queue"
	"ridedispatch/internal/service"
)

func TestHealth_ReportsComponents(t *testing.T) {
	t.Parallel()

	backend := geo.NewMemoryBackend()
	registry := geo.NewRegistry(backend, presenceTTL)
	q := queue.New(queue.NewMemoryStore(), queue.Config{}, logger.NewNop())
	if _, err := q.Enqueue(context.Background(), service.TripFanoutJob{TripID: "t1", UserID: "u1", Template: service.TemplateTripStarted}, service.FanoutOptions); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runner := newBlockingRunner("dispatch_sweep")
	close(runner.release)
	scheduler := dispatch.NewScheduler(logger.NewNop())
	scheduler.Add(runner, time.Minute)
	_, _ = scheduler.RunNow(context.Background(), "dispatch_sweep")

	health := service.NewHealthService(registry, q, scheduler)

	report := health.Check(context.Background())
	if report.Status != "ok" || report.Registry != "ok" {
		t.Errorf("report = %+v", report)
	}
	if report.Queue == nil || report.Queue.Pending != 1 {
		t.Errorf("queue = %+v", report.Queue)
	}
	if len(report.Runners) != 1 || report.Runners[0].Runs != 1 {
		t.Errorf("runners = %+v", report.Runners)
	}

	backend.FailWith = errors.New("connection refused")
	report = health.Check(context.Background())
	if report.Status != "degraded" || report.Registry != "unavailable" {
		t.Errorf("degraded report = %+v", report)
	}
	if len(report.Errors) != 1 {
		t.Errorf("errors = %v", report.Errors)
	}
}

func TestHealth_WithoutRunners(t *testing.T) {
	t.Parallel()

	registry := geo.NewRegistry(geo.NewMemoryBackend(), presenceTTL)
	q := queue.New(queue.NewMemoryStore(), queue.Config{}, logger.NewNop())

	report := service.NewHealthService(registry, q, nil).Check(context.Background())
	if report.Status != "ok" || report.Runners != nil {
		t.Errorf("report = %+v", report)
	}
}
