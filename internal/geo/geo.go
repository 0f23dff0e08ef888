package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the read side used by the dispatch controllers. Results are
// ordered by ascending distance; an empty result is not an error.
type Index interface {
	FindNearby(ctx context.Context, p models.Point, carType string, maxRadiusMeters float64, exclude []string) ([]models.Candidate, error)
	FindNearbyInBand(ctx context.Context, p models.Point, carType string, minRadiusMeters, maxRadiusMeters float64) ([]models.Candidate, error)
}

// ErrDriverBusy is returned when a driver already holds another ride.
var ErrDriverBusy = errors.New("driver is already assigned to a ride")

// Store adds the write side fed by location pings and ride assignment.
// A ping never clears an assignment; only ReleaseDriver or Remove does.
type Store interface {
	Index
	Upsert(ctx context.Context, d models.DriverLocation) error
	Remove(ctx context.Context, driverID string) error
	// AssignDriver marks driverID busy with rideID only if it holds no ride
	// or already holds rideID.
	AssignDriver(ctx context.Context, driverID, rideID string) error
	// ReleaseDriver frees driverID only if it still holds rideID.
	ReleaseDriver(ctx context.Context, driverID, rideID string) error
}

// MemoryIndex keeps driver locations in process. Entries older than ttl are
// treated as gone.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.DriverLocation), ttl: ttl, now: time.Now}
}

func (g *MemoryIndex) Upsert(_ context.Context, d models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.drivers[d.DriverID]; ok && d.CurrentRideID == "" && prev.CurrentRideID != "" {
		d.CurrentRideID = prev.CurrentRideID
		d.IsAvailable = false
	}
	d.UpdatedAt = g.now()
	g.drivers[d.DriverID] = d
	return nil
}

// AssignDriver records an assignment even for a driver that has not pinged
// yet, so its first ping cannot make it look free.
func (g *MemoryIndex) AssignDriver(_ context.Context, driverID, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		d = models.DriverLocation{DriverID: driverID, UpdatedAt: g.now()}
	}
	if d.CurrentRideID != "" && d.CurrentRideID != rideID {
		return ErrDriverBusy
	}
	d.CurrentRideID = rideID
	d.IsAvailable = false
	g.drivers[driverID] = d
	return nil
}

func (g *MemoryIndex) ReleaseDriver(_ context.Context, driverID, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok || d.CurrentRideID != rideID {
		return nil
	}
	d.CurrentRideID = ""
	d.IsAvailable = true
	g.drivers[driverID] = d
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

func (g *MemoryIndex) FindNearby(_ context.Context, p models.Point, carType string, maxRadiusMeters float64, exclude []string) ([]models.Candidate, error) {
	skip := toSet(exclude)
	return g.scan(p, carType, func(id string, dist float64) bool {
		_, excluded := skip[id]
		return !excluded && dist <= maxRadiusMeters
	}), nil
}

func (g *MemoryIndex) FindNearbyInBand(_ context.Context, p models.Point, carType string, minRadiusMeters, maxRadiusMeters float64) ([]models.Candidate, error) {
	return g.scan(p, carType, func(_ string, dist float64) bool {
		return dist > minRadiusMeters && dist <= maxRadiusMeters
	}), nil
}

// naive scan; fine for tests and single-node runs
func (g *MemoryIndex) scan(p models.Point, carType string, keep func(id string, dist float64) bool) []models.Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := g.now()
	out := make([]models.Candidate, 0)
	for id, d := range g.drivers {
		if g.ttl > 0 && now.Sub(d.UpdatedAt) > g.ttl {
			continue
		}
		if !d.Dispatchable(carType) {
			continue
		}
		dist := Haversine(p.Lat, p.Lng, d.Loc.Lat, d.Loc.Lng)
		if !keep(id, dist) {
			continue
		}
		out = append(out, models.Candidate{DriverID: id, Loc: d.Loc, DistanceMeters: dist})
	}
	sortByDistance(out)
	return out
}

// IDs flattens candidates to driver ids, preserving order.
func IDs(cands []models.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.DriverID
	}
	return out
}

func sortByDistance(c []models.Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].DistanceMeters != c[j].DistanceMeters {
			return c[i].DistanceMeters < c[j].DistanceMeters
		}
		return c[i].DriverID < c[j].DriverID
	})
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
