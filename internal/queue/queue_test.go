package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ridedispatch/internal/logger"
)

type echoPayload struct {
	Value string `json:"value"`
}

func (echoPayload) JobType() string { return "test.echo" }

type otherPayload struct {
	N int `json:"n"`
}

func (otherPayload) JobType() string { return "test.other" }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(maxAttempts int) (*Queue, *MemoryStore, *testClock) {
	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	q := New(store, Config{
		Workers:            1,
		PollInterval:       5 * time.Millisecond,
		DefaultMaxAttempts: maxAttempts,
		BackoffUnit:        time.Second,
		LeaseTimeout:       30 * time.Second,
	}, logger.NewNop()).WithClock(clock.Now)
	return q, store, clock
}

// drain runs every job that becomes due, advancing the clock past backoff delays.
func drain(t *testing.T, q *Queue, clock *testClock, maxSteps int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxSteps; i++ {
		found, err := q.ProcessNext(ctx)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !found {
			clock.Advance(time.Hour)
			st, _ := q.Stats(ctx)
			if st.Pending == 0 && st.Delayed == 0 {
				return
			}
		}
	}
	t.Fatal("queue did not drain")
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		5: 32 * time.Second,
	}
	for attempts, want := range cases {
		if got := Backoff(time.Second, attempts); got != want {
			t.Errorf("attempts=%d: expected %v, got %v", attempts, want, got)
		}
	}
}

func TestHandle_RejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(3)
	noop := func(ctx context.Context, p echoPayload) error { return nil }

	if err := Handle(q, noop); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := Handle(q, noop); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestQueue_DeliversTypedPayload(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(3)
	var got string
	_ = Handle(q, func(ctx context.Context, p echoPayload) error {
		got = p.Value
		return nil
	})

	id, err := q.Enqueue(context.Background(), echoPayload{Value: "hello"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, q, clock, 10)

	if got != "hello" {
		t.Errorf("expected payload hello, got %q", got)
	}
	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusCompleted || job.CompletedAt.IsZero() {
		t.Errorf("expected completed job, got %+v", job)
	}
}

func TestQueue_RetriesStopExactlyAtMaxAttempts(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(5)
	var calls int32
	_ = Handle(q, func(ctx context.Context, p echoPayload) error {
		n := atomic.AddInt32(&calls, 1)
		return errors.New("boom " + string(rune('0'+n)))
	})

	id, _ := q.Enqueue(context.Background(), echoPayload{}, Options{MaxAttempts: 4})
	drain(t, q, clock, 50)

	if calls != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", calls)
	}
	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}
	if job.Attempts != 4 {
		t.Errorf("expected attempts=4, got %d", job.Attempts)
	}
	if job.Error != "boom 4" {
		t.Errorf("expected last error preserved, got %q", job.Error)
	}

	st, _ := q.Stats(context.Background())
	if st.Failed != 1 || st.Pending != 0 || st.Delayed != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestQueue_RetryWaitsForBackoff(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(3)
	var calls int32
	_ = Handle(q, func(ctx context.Context, p echoPayload) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fail")
	})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, echoPayload{}, Options{})
	if _, err := q.ProcessNext(ctx); err != nil {
		t.Fatal(err)
	}

	// First failure schedules the retry 2^1 units out.
	clock.Advance(1999 * time.Millisecond)
	if found, _ := q.ProcessNext(ctx); found {
		t.Fatal("retry ran before backoff elapsed")
	}
	clock.Advance(time.Millisecond)
	if found, _ := q.ProcessNext(ctx); !found {
		t.Fatal("retry did not run once backoff elapsed")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestQueue_PriorityAndDelayOrdering(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(3)
	var order []string
	_ = Handle(q, func(ctx context.Context, p echoPayload) error {
		order = append(order, p.Value)
		return nil
	})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, echoPayload{Value: "low"}, Options{Priority: 0})
	_, _ = q.Enqueue(ctx, echoPayload{Value: "delayed-high"}, Options{Priority: 10, Delay: time.Minute})
	_, _ = q.Enqueue(ctx, echoPayload{Value: "high"}, Options{Priority: 5})

	for i := 0; i < 2; i++ {
		if _, err := q.ProcessNext(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if found, _ := q.ProcessNext(ctx); found {
		t.Fatal("delayed job ran early")
	}
	clock.Advance(time.Minute)
	if found, _ := q.ProcessNext(ctx); !found {
		t.Fatal("delayed job did not run once due")
	}

	want := []string{"high", "low", "delayed-high"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestQueue_UndecodablePayloadFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	q, store, clock := newTestQueue(5)
	_ = Handle(q, func(ctx context.Context, p otherPayload) error { return nil })

	job := &Job{
		ID:          "bad",
		Type:        otherPayload{}.JobType(),
		Payload:     []byte(`{"n":"not-a-number"}`),
		MaxAttempts: 5,
		Status:      StatusPending,
		RunAt:       clock.Now(),
	}
	_ = store.Push(context.Background(), job)
	drain(t, q, clock, 10)

	got, _ := q.Get(context.Background(), "bad")
	if got.Status != StatusFailed || got.Attempts != 1 {
		t.Fatalf("expected immediate failure, got %+v", got)
	}
}

func TestQueue_UnhandledTypeIsRetriedThenFailed(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(2)
	id, _ := q.Enqueue(context.Background(), otherPayload{N: 1}, Options{})
	drain(t, q, clock, 10)

	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusFailed || job.Attempts != 2 {
		t.Fatalf("expected failed after 2 attempts, got %+v", job)
	}
}

func TestQueue_RequeueExpiredLease(t *testing.T) {
	t.Parallel()

	q, store, clock := newTestQueue(3)
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, echoPayload{}, Options{})

	// Simulate a worker that crashed mid-job.
	if job, _ := store.Pop(ctx, clock.Now(), 30*time.Second); job == nil || job.ID != id {
		t.Fatal("expected to lease the job")
	}
	if n, _ := q.RequeueExpired(ctx); n != 0 {
		t.Fatalf("lease should still be held, requeued %d", n)
	}

	clock.Advance(30 * time.Second)
	if n, _ := q.RequeueExpired(ctx); n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}
	st, _ := q.Stats(ctx)
	if st.Pending != 1 || st.Active != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestQueue_PruneRemovesOldFinishedJobs(t *testing.T) {
	t.Parallel()

	q, _, clock := newTestQueue(1)
	_ = Handle(q, func(ctx context.Context, p echoPayload) error { return nil })
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, echoPayload{}, Options{})
	drain(t, q, clock, 5)

	clock.Advance(48 * time.Hour)
	n, err := q.Prune(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pruned job, got %d err=%v", n, err)
	}
}

func TestQueue_StartStopProcessesJobs(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	q := New(store, Config{Workers: 3, PollInterval: time.Millisecond}, logger.NewNop())

	var done sync.WaitGroup
	done.Add(10)
	_ = Handle(q, func(ctx context.Context, p echoPayload) error {
		done.Done()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(ctx, echoPayload{}, Options{}); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	waitCh := make(chan struct{})
	go func() {
		done.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
	q.Stop()

	st, _ := q.Stats(ctx)
	if st.Completed != 10 {
		t.Errorf("expected 10 completed, got %+v", st)
	}
}
