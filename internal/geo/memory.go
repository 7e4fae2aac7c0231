package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridedispatch/internal/domain"
)

type memoryEntry struct {
	presence  domain.DriverPresence
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend that scans all entries per query.
// It suits tests and single-node development.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time

	// FailWith makes every call return the given error.
	FailWith error
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithClock replaces the expiry clock.
func (m *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	m.now = now
	return m
}

func (m *MemoryBackend) Upsert(ctx context.Context, p domain.DriverPresence, ttl time.Duration) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.DriverID] = memoryEntry{presence: p, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Remove(ctx context.Context, driverID string) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, driverID)
	return nil
}

func (m *MemoryBackend) Radius(ctx context.Context, origin domain.Coordinates, radiusKm float64, limit int) ([]Candidate, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Candidate
	for id, e := range m.entries {
		d := DistanceKm(origin, e.presence.Coordinates)
		if d <= radiusKm {
			result = append(result, Candidate{DriverID: id, DistanceKm: d})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DistanceKm < result[j].DistanceKm
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryBackend) Get(ctx context.Context, driverID string) (*domain.DriverPresence, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[driverID]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, nil
	}
	p := e.presence
	return &p, nil
}

func (m *MemoryBackend) GetMany(ctx context.Context, driverIDs []string) (map[string]*domain.DriverPresence, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	result := make(map[string]*domain.DriverPresence, len(driverIDs))
	for _, id := range driverIDs {
		e, ok := m.entries[id]
		if !ok || !now.Before(e.expiresAt) {
			continue
		}
		p := e.presence
		result[id] = &p
	}
	return result, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	return m.FailWith
}

// Len returns the number of indexed drivers, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Backend = (*MemoryBackend)(nil)
