package surge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

var (
	center = models.Point{Lat: 37.7749, Lng: -122.4194}
	// ratio >= 2.0 -> 1.5x, ratio >= 3.0 -> 2.0x
	table = []models.SurgeTier{{Tier: 1, MinRatio: 2.0, Multiplier: 1.5}, {Tier: 2, MinRatio: 3.0, Multiplier: 2.0}}
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Notify(_ context.Context, userID, event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, userID+":"+event)
	return nil
}

type fixture struct {
	rides   *storage.MemoryStore
	drivers *geo.MemoryIndex
	notes   *recorder
	engine  *Engine
}

func newFixture(t *testing.T, tiers []models.SurgeTier) *fixture {
	t.Helper()
	f := &fixture{
		rides:   storage.NewMemoryStore(),
		drivers: geo.NewMemoryIndex(0),
		notes:   &recorder{},
	}
	resolver := zones.NewResolver(nil, zones.DefaultSearchParams(),
		map[string]map[string][]models.SurgeTier{"standard": {"*": tiers}})
	f.engine = NewEngine(f.rides, f.drivers, StaticTiers{Resolver: resolver}, f.notes, Options{})
	return f
}

func (f *fixture) addDrivers(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, f.drivers.Upsert(context.Background(), models.DriverLocation{
			DriverID:        fmt.Sprintf("d%02d", i),
			Loc:             models.Point{Lat: center.Lat + 0.001*float64(i%10), Lng: center.Lng},
			Status:          models.DriverOnline,
			IsAvailable:     true,
			CarType:         "standard",
			BackgroundCheck: models.BackgroundCheckApproved,
		}))
	}
}

func (f *fixture) addRides(t *testing.T, n, tier int) {
	for i := 0; i < n; i++ {
		require.NoError(t, f.rides.SaveRide(context.Background(), &models.RideRequest{
			ID:              fmt.Sprintf("r%02d", i),
			RiderID:         fmt.Sprintf("rider%02d", i),
			Pickup:          models.Location{Point: models.Point{Lat: center.Lat, Lng: center.Lng + 0.001*float64(i%10)}},
			CarType:         "standard",
			Status:          models.StatusRequested,
			SurgeTier:       tier,
			SurgeMultiplier: 1.0,
		}))
	}
}

func TestEvaluateScenarioRatios(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 10)
	f.addRides(t, 29, 0)

	r := f.engine.Evaluate(context.Background(), center, "standard")
	assert.InDelta(t, 2.9, r.Ratio, 1e-9)
	assert.Equal(t, 1.5, r.Multiplier)
	assert.Equal(t, 1, r.Tier)

	f.addRides(t, 30, 0) // ids r00..r29, one more ride
	r = f.engine.Evaluate(context.Background(), center, "standard")
	assert.InDelta(t, 3.0, r.Ratio, 1e-9)
	assert.Equal(t, 2.0, r.Multiplier)
	assert.Equal(t, 2, r.Tier)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 4)
	f.addRides(t, 9, 0)
	first := f.engine.Evaluate(context.Background(), center, "standard")
	second := f.engine.Evaluate(context.Background(), center, "standard")
	assert.Equal(t, first, second)
}

func TestEvaluateNoDriversIsNoSurge(t *testing.T) {
	f := newFixture(t, table)
	f.addRides(t, 12, 0)
	r := f.engine.Evaluate(context.Background(), center, "standard")
	assert.Equal(t, 0.0, r.Ratio)
	assert.Equal(t, 0, r.Tier)
	assert.Equal(t, 1.0, r.Multiplier)
}

func TestEvaluateIgnoresRequestsOutsideWindow(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 1)
	now := time.Now()
	f.engine.now = func() time.Time { return now.Add(11 * time.Minute) }
	f.addRides(t, 3, 0)
	r := f.engine.Evaluate(context.Background(), center, "standard")
	assert.Equal(t, 0, r.Requests, "requests older than the window must not count")
}

func TestSelectTierBoundaries(t *testing.T) {
	cases := []struct {
		ratio float64
		tier  int
		ok    bool
	}{
		{0, 0, false},
		{1.999, 0, false},
		{2.0, 1, true},
		{2.999, 1, true},
		{3.0, 2, true},
		{10, 2, true},
	}
	for _, c := range cases {
		got, ok := SelectTier(table, c.ratio)
		assert.Equal(t, c.ok, ok, "ratio %v", c.ratio)
		assert.Equal(t, c.tier, got.Tier, "ratio %v", c.ratio)
	}
}

func TestSelectTierTiesFavorHigherTier(t *testing.T) {
	tiers := []models.SurgeTier{{Tier: 3, MinRatio: 2, Multiplier: 1.8}, {Tier: 2, MinRatio: 2, Multiplier: 1.6}}
	got, ok := SelectTier(tiers, 2)
	require.True(t, ok)
	assert.Equal(t, 3, got.Tier)
}

func TestSelectTierNumbersUnnumberedTiers(t *testing.T) {
	tiers := []models.SurgeTier{{MinRatio: 3.0, Multiplier: 2.0}, {MinRatio: 2.0, Multiplier: 1.5}}
	got, _ := SelectTier(tiers, 2.9)
	assert.Equal(t, 1, got.Tier)
	assert.Equal(t, 1.5, got.Multiplier)
}

func TestCompareSameTier(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 10)
	f.addRides(t, 25, 0)
	c := f.engine.Compare(context.Background(), center, "standard", "new")
	assert.Equal(t, 1, c.Without.Tier)
	assert.Equal(t, 1, c.With.Tier)
	assert.False(t, c.ShouldEscalateExisting)
}

func TestCompareTierCrossing(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 10)
	f.addRides(t, 29, 0)
	c := f.engine.Compare(context.Background(), center, "standard", "new")
	assert.Equal(t, 1, c.Without.Tier)
	assert.Equal(t, 2, c.With.Tier)
	assert.True(t, c.ShouldEscalateExisting)
}

func TestCompareExcludesStoredRequest(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 10)
	f.addRides(t, 30, 0)
	// r29 is the request being dispatched and is already stored
	c := f.engine.Compare(context.Background(), center, "standard", "r29")
	assert.Equal(t, 29, c.Without.Requests)
	assert.Equal(t, 30, c.With.Requests)
	assert.True(t, c.ShouldEscalateExisting)
}

func TestReconcileEscalatesInFlightRides(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 10)
	f.addRides(t, 30, 1)
	ctx := context.Background()

	current, err := f.rides.GetRide(ctx, "r29")
	require.NoError(t, err)
	c := f.engine.Reconcile(ctx, current)
	require.True(t, c.ShouldEscalateExisting)

	other, _ := f.rides.GetRide(ctx, "r00")
	assert.Equal(t, 2, other.SurgeTier)
	assert.Equal(t, 2.0, other.SurgeMultiplier)
	self, _ := f.rides.GetRide(ctx, "r29")
	assert.Equal(t, 1, self.SurgeTier, "the dispatching ride is priced by its caller")
	assert.Len(t, f.notes.events, 29)
	assert.Contains(t, f.notes.events, "rider00:surge_updated")
	assert.NotContains(t, f.notes.events, "rider29:surge_updated")
}

func TestReconcileSameTierLeavesRidesAlone(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 10)
	f.addRides(t, 25, 1)
	ctx := context.Background()
	current, _ := f.rides.GetRide(ctx, "r00")
	f.engine.Reconcile(ctx, current)
	assert.Empty(t, f.notes.events)
}

type failingStore struct{ RideStore }

func (failingStore) ListPending(context.Context, storage.PendingFilter) ([]*models.RideRequest, error) {
	return nil, errors.New("db down")
}

func TestStoreFailureDegradesToNoSurge(t *testing.T) {
	f := newFixture(t, table)
	f.addDrivers(t, 1)
	e := NewEngine(failingStore{}, f.drivers, StaticTiers{Resolver: zones.NewResolver(nil, zones.DefaultSearchParams(), nil)}, nil, Options{})
	r := e.Evaluate(context.Background(), center, "standard")
	assert.Equal(t, noSurge, r)
	c := e.Compare(context.Background(), center, "standard", "x")
	assert.False(t, c.ShouldEscalateExisting)
}

func TestMissingTiersDegradesToNoSurge(t *testing.T) {
	f := newFixture(t, nil)
	f.addDrivers(t, 1)
	f.addRides(t, 5, 0)
	r := f.engine.Evaluate(context.Background(), center, "standard")
	assert.Equal(t, 5.0, r.Ratio)
	assert.Equal(t, 0, r.Tier)
	assert.Equal(t, 1.0, r.Multiplier)
}
