package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("ride not found")

// PendingFilter selects REQUESTED rides around a point.
type PendingFilter struct {
	Center       models.Point
	RadiusMeters float64
	CarType      string
	Since        time.Time
	ExcludeID    string
}

// RideStore is the dispatcher's view of ride persistence. Every mutating
// call is a single-row conditional write.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	// UpdateStatus moves the ride from -> to only if it is still in from.
	UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, driverID, reason string) (bool, error)
	// UpdateSearch records a radius change; expiresAt is left untouched when nil.
	UpdateSearch(ctx context.Context, id string, entry models.SearchEntry, expiresAt *time.Time) error
	SetParkingQueue(ctx context.Context, id, queueID string, expiresAt time.Time) error
	// EscalateSurge raises the tier only if the ride is REQUESTED and below tier.
	EscalateSurge(ctx context.Context, id string, tier int, multiplier float64) (bool, error)
	ListPending(ctx context.Context, f PendingFilter) ([]*models.RideRequest, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*models.RideRequest, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideRequest), now: time.Now}
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneRide(r)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	c.UpdatedAt = m.now()
	m.rides[r.ID] = c
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to models.RideStatus, driverID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	if driverID != "" {
		r.AssignedDriverID = driverID
	}
	if reason != "" {
		r.CancelReason = reason
	}
	r.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) UpdateSearch(_ context.Context, id string, entry models.SearchEntry, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.SearchRadiusKm = entry.RadiusKm
	r.SearchHistory = append(r.SearchHistory, entry)
	if expiresAt != nil {
		t := *expiresAt
		r.ExpiresAt = &t
	}
	r.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetParkingQueue(_ context.Context, id, queueID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.ParkingQueueID = queueID
	r.ExpiresAt = &expiresAt
	r.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) EscalateSurge(_ context.Context, id string, tier int, multiplier float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusRequested || r.SurgeTier >= tier {
		return false, nil
	}
	r.SurgeTier = tier
	r.SurgeMultiplier = multiplier
	r.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) ListPending(_ context.Context, f PendingFilter) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if matchesPending(r, f) {
			out = append(out, cloneRide(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0)
	for _, r := range m.rides {
		if r.Status == models.StatusRequested && r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			out = append(out, cloneRide(r))
		}
	}
	return out, nil
}

func matchesPending(r *models.RideRequest, f PendingFilter) bool {
	if r.Status != models.StatusRequested || r.ID == f.ExcludeID {
		return false
	}
	if f.CarType != "" && r.CarType != f.CarType {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return geo.Haversine(f.Center.Lat, f.Center.Lng, r.Pickup.Lat, r.Pickup.Lng) <= f.RadiusMeters
}

func cloneRide(r *models.RideRequest) *models.RideRequest {
	c := *r
	c.SearchHistory = append([]models.SearchEntry(nil), r.SearchHistory...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
