// Package surge decides the price multiplier for a pickup point from the
// local ratio of pending requests to free drivers.
package surge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

var ErrNoTiers = errors.New("no surge tiers configured")

// TierSource returns the tier table for a point, car type and weekday along
// with the zone it came from ("" for the default table).
type TierSource interface {
	Tiers(ctx context.Context, p models.Point, carType string, day time.Weekday) ([]models.SurgeTier, string, error)
}

// StaticTiers serves tier tables loaded with the zones file.
type StaticTiers struct {
	Resolver *zones.Resolver
}

func (s StaticTiers) Tiers(_ context.Context, p models.Point, carType string, day time.Weekday) ([]models.SurgeTier, string, error) {
	t, zone, ok := s.Resolver.Tiers(p, carType, day)
	if !ok {
		return nil, "", ErrNoTiers
	}
	return t, zone, nil
}

// RideStore is the part of ride persistence the engine needs.
type RideStore interface {
	ListPending(ctx context.Context, f storage.PendingFilter) ([]*models.RideRequest, error)
	EscalateSurge(ctx context.Context, id string, tier int, multiplier float64) (bool, error)
}

type Result struct {
	Ratio      float64 `json:"ratio"`
	Tier       int     `json:"tier"`
	Multiplier float64 `json:"multiplier"`
	ZoneID     string  `json:"zone_id,omitempty"`
	Requests   int     `json:"requests"`
	Drivers    int     `json:"drivers"`
}

type Comparison struct {
	Without                Result `json:"without"`
	With                   Result `json:"with"`
	ShouldEscalateExisting bool   `json:"should_escalate_existing"`
}

var noSurge = Result{Tier: 0, Multiplier: 1.0}

type Options struct {
	RadiusKm float64
	Window   time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type Engine struct {
	rides    RideStore
	drivers  geo.Index
	tiers    TierSource
	notifier dispatch.Notifier
	radius   float64
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewEngine(rides RideStore, drivers geo.Index, tiers TierSource, notifier dispatch.Notifier, opts Options) *Engine {
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = 5
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		rides:    rides,
		drivers:  drivers,
		tiers:    tiers,
		notifier: notifier,
		radius:   opts.RadiusKm * 1000,
		window:   opts.Window,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// Evaluate prices p as things stand. Failures degrade to no surge.
func (e *Engine) Evaluate(ctx context.Context, p models.Point, carType string) Result {
	pending, drivers, err := e.counts(ctx, p, carType, "")
	if err != nil {
		e.logger.Warn("surge counts failed", "err", err, "car_type", carType)
		return noSurge
	}
	r := e.price(ctx, p, carType, len(pending), drivers)
	observability.SurgeTiers.WithLabelValues(strconv.Itoa(r.Tier)).Inc()
	return r
}

// Compare prices p without and with the request being dispatched. rideID
// keeps that request out of the baseline if it is already stored.
func (e *Engine) Compare(ctx context.Context, p models.Point, carType, rideID string) Comparison {
	pending, drivers, err := e.counts(ctx, p, carType, rideID)
	if err != nil {
		e.logger.Warn("surge counts failed", "err", err, "ride_id", rideID)
		return Comparison{Without: noSurge, With: noSurge}
	}
	return e.compare(ctx, p, carType, len(pending), drivers)
}

func (e *Engine) compare(ctx context.Context, p models.Point, carType string, requests, drivers int) Comparison {
	c := Comparison{
		Without: e.price(ctx, p, carType, requests, drivers),
		With:    e.price(ctx, p, carType, requests+1, drivers),
	}
	c.ShouldEscalateExisting = c.With.Tier > c.Without.Tier
	observability.SurgeTiers.WithLabelValues(strconv.Itoa(c.With.Tier)).Inc()
	return c
}

// Reconcile prices ride and, when counting it moves the area into a higher
// tier, raises every other in-flight request nearby to that tier.
func (e *Engine) Reconcile(ctx context.Context, ride *models.RideRequest) Comparison {
	pending, drivers, err := e.counts(ctx, ride.Pickup.Point, ride.CarType, ride.ID)
	if err != nil {
		e.logger.Warn("surge counts failed", "err", err, "ride_id", ride.ID)
		return Comparison{Without: noSurge, With: noSurge}
	}
	c := e.compare(ctx, ride.Pickup.Point, ride.CarType, len(pending), drivers)
	if !c.ShouldEscalateExisting {
		return c
	}
	for _, other := range pending {
		if other.SurgeTier >= c.With.Tier {
			continue
		}
		ok, err := e.rides.EscalateSurge(ctx, other.ID, c.With.Tier, c.With.Multiplier)
		if err != nil {
			e.logger.Warn("surge escalation failed", "err", err, "ride_id", other.ID)
			continue
		}
		if !ok {
			continue
		}
		observability.SurgeEscalations.Inc()
		if e.notifier != nil {
			payload := map[string]any{"ride_id": other.ID, "tier": c.With.Tier, "multiplier": c.With.Multiplier}
			if err := e.notifier.Notify(ctx, other.RiderID, dispatch.EventSurgeUpdated, payload); err != nil {
				e.logger.Warn("notify surge update failed", "err", err, "ride_id", other.ID)
			}
		}
	}
	return c
}

func (e *Engine) counts(ctx context.Context, p models.Point, carType, excludeID string) ([]*models.RideRequest, int, error) {
	pending, err := e.rides.ListPending(ctx, storage.PendingFilter{
		Center:       p,
		RadiusMeters: e.radius,
		CarType:      carType,
		Since:        e.now().Add(-e.window),
		ExcludeID:    excludeID,
	})
	if err != nil {
		return nil, 0, err
	}
	drivers, err := e.drivers.FindNearby(ctx, p, carType, e.radius, nil)
	if err != nil {
		return nil, 0, err
	}
	return pending, len(drivers), nil
}

func (e *Engine) price(ctx context.Context, p models.Point, carType string, requests, drivers int) Result {
	r := noSurge
	r.Requests, r.Drivers = requests, drivers
	// no drivers reads as no surge rather than an unbounded ratio
	if drivers == 0 {
		return r
	}
	r.Ratio = float64(requests) / float64(drivers)
	tiers, zone, err := e.tiers.Tiers(ctx, p, carType, e.now().Weekday())
	if err != nil {
		if !errors.Is(err, ErrNoTiers) {
			e.logger.Warn("surge tier lookup failed", "err", err, "car_type", carType)
		}
		return r
	}
	r.ZoneID = zone
	if t, ok := SelectTier(tiers, r.Ratio); ok {
		r.Tier, r.Multiplier = t.Tier, t.Multiplier
	}
	return r
}

// SelectTier returns the tier with the highest threshold not above ratio.
// Equal thresholds go to the higher tier number. Tiers without a number are
// numbered by threshold order starting at 1.
func SelectTier(tiers []models.SurgeTier, ratio float64) (models.SurgeTier, bool) {
	sorted := normalize(tiers)
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].MinRatio <= ratio {
			return sorted[i], true
		}
	}
	return models.SurgeTier{}, false
}

func normalize(tiers []models.SurgeTier) []models.SurgeTier {
	out := make([]models.SurgeTier, 0, len(tiers))
	for _, t := range tiers {
		if t.Multiplier > 0 {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MinRatio != out[j].MinRatio {
			return out[i].MinRatio < out[j].MinRatio
		}
		return out[i].Tier < out[j].Tier
	})
	for i := range out {
		if out[i].Tier == 0 {
			out[i].Tier = i + 1
		}
	}
	return out
}
