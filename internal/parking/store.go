package parking

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Store persists parking queue documents. Update is the only way to mutate
// an existing queue: fn sees the current document and its changes commit
// atomically with respect to every other Update on the same queue. Updates
// on different queues do not wait for each other. If fn returns an error
// nothing is written and the error is returned as is.
type Store interface {
	Get(ctx context.Context, id string) (*models.ParkingQueue, error)
	FindActiveByAirport(ctx context.Context, airportID string) (*models.ParkingQueue, error)
	Save(ctx context.Context, q *models.ParkingQueue) error
	Update(ctx context.Context, id string, fn func(q *models.ParkingQueue) error) (*models.ParkingQueue, error)
}

type lot struct {
	mu sync.Mutex
	q  *models.ParkingQueue
}

// MemoryStore serializes updates with one mutex per lot.
type MemoryStore struct {
	mu   sync.RWMutex
	lots map[string]*lot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lots: make(map[string]*lot)}
}

func (m *MemoryStore) lot(id string) (*lot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lots[id]
	return l, ok
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.ParkingQueue, error) {
	l, ok := m.lot(id)
	if !ok {
		return nil, ErrQueueNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Clone(), nil
}

func (m *MemoryStore) FindActiveByAirport(ctx context.Context, airportID string) (*models.ParkingQueue, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.lots))
	for id := range m.lots {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		q, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		if q.AirportID == airportID && q.IsActive {
			return q, nil
		}
	}
	return nil, ErrNoActiveQueue
}

func (m *MemoryStore) Save(_ context.Context, q *models.ParkingQueue) error {
	m.mu.Lock()
	l, ok := m.lots[q.ID]
	if !ok {
		l = &lot{}
		m.lots[q.ID] = l
	}
	m.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.q = q.Clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(q *models.ParkingQueue) error) (*models.ParkingQueue, error) {
	l, ok := m.lot(id)
	if !ok {
		return nil, ErrQueueNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.q.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	l.q = next
	return next.Clone(), nil
}
