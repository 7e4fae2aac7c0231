package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrJobNotFound is returned when a job id is unknown to the store.
var ErrJobNotFound = errors.New("job not found")

// Store persists jobs. Ready jobs are served highest priority first, then
// earliest eligibility.
type Store interface {
	// Push stores a new job. Jobs with RunAt in the future wait until due.
	Push(ctx context.Context, job *Job) error

	// Pop leases the best job eligible at now until now+lease. Returns nil when none is due.
	Pop(ctx context.Context, now time.Time, lease time.Duration) (*Job, error)

	// Complete records a successful execution.
	Complete(ctx context.Context, job *Job) error

	// Retry schedules another attempt at runAt.
	Retry(ctx context.Context, job *Job, runAt time.Time) error

	// Fail moves the job to the terminal failed set.
	Fail(ctx context.Context, job *Job) error

	// RequeueExpired returns jobs whose lease ran out to the ready set.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	// Prune deletes completed and failed jobs that finished before the given time.
	Prune(ctx context.Context, before time.Time) (int, error)

	// Get returns a job by id.
	Get(ctx context.Context, id string) (*Job, error)

	// Stats counts jobs per state.
	Stats(ctx context.Context) (Stats, error)
}

type memoryRecord struct {
	job        Job
	seq        uint64
	leaseUntil time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	seq     uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) Push(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.records[job.ID] = &memoryRecord{job: *job, seq: s.seq}
	return nil
}

func (s *MemoryStore) Pop(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *memoryRecord
	for _, r := range s.records {
		if r.job.Status != StatusPending && r.job.Status != StatusDelayed {
			continue
		}
		if r.job.RunAt.After(now) {
			continue
		}
		if best == nil || servedBefore(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}

	best.job.Status = StatusActive
	best.leaseUntil = now.Add(lease)
	job := best.job
	return &job, nil
}

func servedBefore(a, b *memoryRecord) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

func (s *MemoryStore) Complete(ctx context.Context, job *Job) error {
	return s.update(job, StatusCompleted, time.Time{})
}

func (s *MemoryStore) Retry(ctx context.Context, job *Job, runAt time.Time) error {
	return s.update(job, StatusDelayed, runAt)
}

func (s *MemoryStore) Fail(ctx context.Context, job *Job) error {
	return s.update(job, StatusFailed, time.Time{})
}

func (s *MemoryStore) update(job *Job, status Status, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	r.job = *job
	r.job.Status = status
	if !runAt.IsZero() {
		r.job.RunAt = runAt
	}
	r.leaseUntil = time.Time{}
	return nil
}

func (s *MemoryStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.job.Status == StatusActive && !r.leaseUntil.After(now) {
			r.job.Status = StatusPending
			r.leaseUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		switch {
		case r.job.Status == StatusCompleted && r.job.CompletedAt.Before(before),
			r.job.Status == StatusFailed && r.job.FailedAt.Before(before):
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	job := r.job
	return &job, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, r := range s.records {
		switch r.job.Status {
		case StatusPending:
			st.Pending++
		case StatusDelayed:
			st.Delayed++
		case StatusActive:
			st.Active++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

var _ Store = (*MemoryStore)(nil)
