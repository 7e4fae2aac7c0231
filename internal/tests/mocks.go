package tests

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/queue"
	"ridedispatch/internal/redis"
	"ridedispatch/internal/repository"
)

// ──────────────────────────────────────────────
// MOCK TRIP REPOSITORY
// ──────────────────────────────────────────────

// MockTripRepository is an in-memory TripRepository with the same
// conditional-update semantics as the Postgres one.
type MockTripRepository struct {
	mu    sync.RWMutex
	trips map[string]*domain.Trip

	// Counters for verification
	AssignCallCount int32
	CancelCallCount int32

	// Error injection
	ListError             error
	MarkDriversFoundError error
	FailMarkDriversFound  string // Trip ID whose MarkDriversFound fails
}

// NewMockTripRepository creates a new mock trip repository.
func NewMockTripRepository() *MockTripRepository {
	return &MockTripRepository{
		trips: make(map[string]*domain.Trip),
	}
}

// AddTrip adds a trip to the mock repository.
func (m *MockTripRepository) AddTrip(trip *domain.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *trip
	m.trips[trip.ID] = &copy
}

// GetTrip returns a copy of the stored trip for assertions.
func (m *MockTripRepository) GetTrip(id string) *domain.Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil
	}
	copy := *t
	return &copy
}

func (m *MockTripRepository) Create(ctx context.Context, trip *domain.Trip) error {
	m.AddTrip(trip)
	return nil
}

func (m *MockTripRepository) GetByID(ctx context.Context, id string) (*domain.Trip, error) {
	t := m.GetTrip(id)
	if t == nil {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (m *MockTripRepository) ListByStatus(ctx context.Context, status domain.TripStatus, limit int) ([]*domain.Trip, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	return m.list(limit, func(t *domain.Trip) bool { return t.Status == status }), nil
}

func (m *MockTripRepository) ListStaleDriversFound(ctx context.Context, before time.Time, limit int) ([]*domain.Trip, error) {
	return m.list(limit, func(t *domain.Trip) bool {
		return t.Status == domain.TripStatusDriversFound && t.DriversFoundAt.Before(before)
	}), nil
}

func (m *MockTripRepository) list(limit int, match func(*domain.Trip) bool) []*domain.Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Trip, 0)
	for _, t := range m.trips {
		if match(t) {
			copy := *t
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// update applies fn to the trip when cond holds, atomically.
func (m *MockTripRepository) update(id string, cond func(*domain.Trip) bool, fn func(*domain.Trip)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok || !cond(t) {
		return false
	}
	fn(t)
	return true
}

func (m *MockTripRepository) MarkDriversFound(ctx context.Context, id string, notified int, at time.Time) (bool, error) {
	if m.MarkDriversFoundError != nil {
		return false, m.MarkDriversFoundError
	}
	if m.FailMarkDriversFound != "" && m.FailMarkDriversFound == id {
		return false, errors.New("mark drivers found failed")
	}
	return m.update(id,
		func(t *domain.Trip) bool { return t.Status == domain.TripStatusSearching },
		func(t *domain.Trip) {
			t.Status = domain.TripStatusDriversFound
			t.DriversNotified = notified
			t.DriversFoundAt = at
		}), nil
}

func (m *MockTripRepository) AssignDriver(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	atomic.AddInt32(&m.AssignCallCount, 1)
	return m.update(id,
		func(t *domain.Trip) bool { return t.Status == domain.TripStatusDriversFound && t.DriverID == "" },
		func(t *domain.Trip) {
			t.Status = domain.TripStatusDriverAssigned
			t.DriverID = driverID
			t.AcceptedAt = at
		}), nil
}

func (m *MockTripRepository) RevertToSearching(ctx context.Context, id string, at time.Time, resetSearch bool) (bool, error) {
	return m.update(id,
		func(t *domain.Trip) bool { return t.Status == domain.TripStatusDriversFound && t.DriverID == "" },
		func(t *domain.Trip) {
			t.Status = domain.TripStatusSearching
			t.DriversNotified = 0
			t.DriversFoundAt = time.Time{}
			if resetSearch {
				t.SearchStartedAt = at
			}
		}), nil
}

func (m *MockTripRepository) AdvanceLifecycle(ctx context.Context, id, driverID string, from, to domain.TripStatus, at time.Time) (bool, error) {
	return m.update(id,
		func(t *domain.Trip) bool { return t.Status == from && t.DriverID == driverID },
		func(t *domain.Trip) {
			t.Status = to
			switch to {
			case domain.TripStatusDriverArrived:
				t.ArrivedAt = at
			case domain.TripStatusInProgress:
				t.StartedAt = at
			case domain.TripStatusCompleted:
				t.CompletedAt = at
			}
		}), nil
}

func (m *MockTripRepository) Cancel(ctx context.Context, id string, from domain.TripStatus, reason string, actor domain.CancelActor, at time.Time) (bool, error) {
	atomic.AddInt32(&m.CancelCallCount, 1)
	return m.update(id,
		func(t *domain.Trip) bool { return t.Status == from },
		func(t *domain.Trip) {
			t.Status = domain.TripStatusCancelled
			t.CancelReason = reason
			t.CancelledBy = actor
			t.CancelledAt = at
		}), nil
}

func (m *MockTripRepository) GetActiveByDriverID(ctx context.Context, driverID string) (*domain.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.DriverID != driverID {
			continue
		}
		switch t.Status {
		case domain.TripStatusDriverAssigned, domain.TripStatusDriverArrived, domain.TripStatusInProgress:
			copy := *t
			return &copy, nil
		}
	}
	return nil, nil
}

// SetStatus forces a status, simulating a concurrent writer.
func (m *MockTripRepository) SetStatus(id string, status domain.TripStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trips[id]; ok {
		t.Status = status
	}
}

// ──────────────────────────────────────────────
// MOCK OFFER STORE
// ──────────────────────────────────────────────

// MockOfferStore is an in-memory OfferStoreInterface.
type MockOfferStore struct {
	mu       sync.Mutex
	byDriver map[string]map[string]domain.IncomingOffer

	// Error injection
	CreateError error
}

// NewMockOfferStore creates a new mock offer store.
func NewMockOfferStore() *MockOfferStore {
	return &MockOfferStore{byDriver: make(map[string]map[string]domain.IncomingOffer)}
}

func (m *MockOfferStore) Create(ctx context.Context, offers []domain.IncomingOffer) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if m.byDriver[o.DriverID] == nil {
			m.byDriver[o.DriverID] = make(map[string]domain.IncomingOffer)
		}
		m.byDriver[o.DriverID][o.TripID] = o
	}
	return nil
}

func (m *MockOfferStore) Get(ctx context.Context, driverID, tripID string) (*domain.IncomingOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byDriver[driverID][tripID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *MockOfferStore) ListByDriver(ctx context.Context, driverID string) ([]domain.IncomingOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.IncomingOffer, 0, len(m.byDriver[driverID]))
	for _, o := range m.byDriver[driverID] {
		out = append(out, o)
	}
	return out, nil
}

func (m *MockOfferStore) ListDrivers(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byDriver))
	for id, offers := range m.byDriver {
		if len(offers) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockOfferStore) Delete(ctx context.Context, driverID, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byDriver[driverID], tripID)
	return nil
}

func (m *MockOfferStore) DeleteForTrip(ctx context.Context, tripID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var holders []string
	for driverID, offers := range m.byDriver {
		if _, ok := offers[tripID]; ok {
			delete(offers, tripID)
			holders = append(holders, driverID)
		}
	}
	sort.Strings(holders)
	return holders, nil
}

func (m *MockOfferStore) CountForTrip(ctx context.Context, tripID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, offers := range m.byDriver {
		if _, ok := offers[tripID]; ok {
			n++
		}
	}
	return n, nil
}

// Holders returns the drivers holding an offer for tripID.
func (m *MockOfferStore) Holders(tripID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for driverID, offers := range m.byDriver {
		if _, ok := offers[tripID]; ok {
			out = append(out, driverID)
		}
	}
	sort.Strings(out)
	return out
}

// ──────────────────────────────────────────────
// MOCK LOCK STORE
// ──────────────────────────────────────────────

// MockLockStore is an in-memory LockStoreInterface. TTLs are ignored.
type MockLockStore struct {
	mu     sync.Mutex
	owners map[string]string

	AcquireError error
}

// NewMockLockStore creates a new mock lock store.
func NewMockLockStore() *MockLockStore {
	return &MockLockStore{owners: make(map[string]string)}
}

func (m *MockLockStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if m.AcquireError != nil {
		return false, m.AcquireError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.owners[name]; ok && current != owner {
		return false, nil
	}
	m.owners[name] = owner
	return true, nil
}

func (m *MockLockStore) ReleaseLease(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[name] == owner {
		delete(m.owners, name)
	}
	return nil
}

// ──────────────────────────────────────────────
// MOCK CUSTOMER CACHE AND DIRECTORY
// ──────────────────────────────────────────────

// MockCustomerCache is an in-memory CustomerCacheInterface.
type MockCustomerCache struct {
	mu        sync.Mutex
	customers map[string]*domain.CustomerSummary

	GetError error
}

// NewMockCustomerCache creates a new mock customer cache.
func NewMockCustomerCache() *MockCustomerCache {
	return &MockCustomerCache{customers: make(map[string]*domain.CustomerSummary)}
}

func (m *MockCustomerCache) GetCustomer(ctx context.Context, customerID string) (*domain.CustomerSummary, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.customers[customerID], nil
}

func (m *MockCustomerCache) SetCustomer(ctx context.Context, summary *domain.CustomerSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[summary.ID] = summary
	return nil
}

func (m *MockCustomerCache) GetCustomersBatch(ctx context.Context, customerIDs []string) (map[string]*domain.CustomerSummary, []string, error) {
	if m.GetError != nil {
		return nil, nil, m.GetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]*domain.CustomerSummary)
	var missing []string
	for _, id := range customerIDs {
		if c, ok := m.customers[id]; ok {
			found[id] = c
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// Cached reports whether a summary is cached.
func (m *MockCustomerCache) Cached(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.customers[id]
	return ok
}

// MockCustomerRepository is an in-memory CustomerRepository.
type MockCustomerRepository struct {
	mu        sync.Mutex
	customers map[string]*domain.CustomerSummary

	GetCallCount int32
	GetError     error
}

// NewMockCustomerRepository creates a new mock customer repository.
func NewMockCustomerRepository(customers ...*domain.CustomerSummary) *MockCustomerRepository {
	m := &MockCustomerRepository{customers: make(map[string]*domain.CustomerSummary)}
	for _, c := range customers {
		m.customers[c.ID] = c
	}
	return m
}

func (m *MockCustomerRepository) GetSummary(ctx context.Context, id string) (*domain.CustomerSummary, error) {
	atomic.AddInt32(&m.GetCallCount, 1)
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (m *MockCustomerRepository) GetSummaries(ctx context.Context, ids []string) ([]*domain.CustomerSummary, error) {
	atomic.AddInt32(&m.GetCallCount, 1)
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CustomerSummary
	for _, id := range ids {
		if c, ok := m.customers[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────
// MOCK DEVICE TOKENS AND DRIVER LOCATIONS
// ──────────────────────────────────────────────

// MockDeviceTokenRepository is an in-memory DeviceTokenRepository.
type MockDeviceTokenRepository struct {
	mu     sync.Mutex
	tokens map[string][]domain.DeviceToken
}

// NewMockDeviceTokenRepository creates a new mock device token repository.
func NewMockDeviceTokenRepository(tokens ...domain.DeviceToken) *MockDeviceTokenRepository {
	m := &MockDeviceTokenRepository{tokens: make(map[string][]domain.DeviceToken)}
	for _, t := range tokens {
		m.tokens[t.UserID] = append(m.tokens[t.UserID], t)
	}
	return m
}

func (m *MockDeviceTokenRepository) ListByUser(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeviceToken(nil), m.tokens[userID]...), nil
}

func (m *MockDeviceTokenRepository) Delete(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tokens[userID][:0]
	for _, t := range m.tokens[userID] {
		if t.Token != token {
			kept = append(kept, t)
		}
	}
	m.tokens[userID] = kept
	return nil
}

// MockDriverLocationRepository is an in-memory DriverLocationRepository.
type MockDriverLocationRepository struct {
	mu        sync.Mutex
	locations map[string]domain.DriverPresence

	UpsertCallCount int32
	UpsertError     error
}

// NewMockDriverLocationRepository creates a new mock location repository.
func NewMockDriverLocationRepository() *MockDriverLocationRepository {
	return &MockDriverLocationRepository{locations: make(map[string]domain.DriverPresence)}
}

func (m *MockDriverLocationRepository) Upsert(ctx context.Context, p domain.DriverPresence) error {
	atomic.AddInt32(&m.UpsertCallCount, 1)
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.locations[p.DriverID]; ok && current.UpdatedAt.After(p.UpdatedAt) {
		return nil
	}
	m.locations[p.DriverID] = p
	return nil
}

func (m *MockDriverLocationRepository) GetByDriverID(ctx context.Context, driverID string) (*domain.DriverPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.locations[driverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// ──────────────────────────────────────────────
// RECORDING PUBLISHER AND ENQUEUER
// ──────────────────────────────────────────────

// RecordingPublisher keeps every published event.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *RecordingPublisher) Publish(ctx context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

// Named returns the events with the given name.
func (p *RecordingPublisher) Named(name string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops the recorded events.
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// MockEnqueuer records submitted jobs.
type MockEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.Payload

	EnqueueError error
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, payload queue.Payload, opts queue.Options) (string, error) {
	if m.EnqueueError != nil {
		return "", m.EnqueueError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, payload)
	return payload.JobType(), nil
}

// Jobs returns the submitted payloads of the given type.
func (m *MockEnqueuer) Jobs(jobType string) []queue.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queue.Payload
	for _, j := range m.jobs {
		if j.JobType() == jobType {
			out = append(out, j)
		}
	}
	return out
}

var (
	_ repository.TripRepository           = (*MockTripRepository)(nil)
	_ repository.CustomerRepository       = (*MockCustomerRepository)(nil)
	_ repository.DeviceTokenRepository    = (*MockDeviceTokenRepository)(nil)
	_ repository.DriverLocationRepository = (*MockDriverLocationRepository)(nil)
	_ redis.OfferStoreInterface           = (*MockOfferStore)(nil)
	_ redis.LockStoreInterface            = (*MockLockStore)(nil)
	_ redis.CustomerCacheInterface        = (*MockCustomerCache)(nil)
	_ events.Publisher                    = (*RecordingPublisher)(nil)
)
