// Package search matches ordinary rides by offering them to drivers in a
// widening radius: an inner disk first, then the band out to the outer
// radius, until a driver accepts or the search runs out of time.
package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

var ErrNotRequested = errors.New("ride is not awaiting a driver")

const (
	phaseInner = 1
	phaseBand  = 2
)

type RideStore interface {
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, driverID, reason string) (bool, error)
	UpdateSearch(ctx context.Context, id string, entry models.SearchEntry, expiresAt *time.Time) error
}

// ParamsSource picks zone or default search parameters for a pickup.
type ParamsSource interface {
	SearchParams(p models.Point) zones.SearchParams
}

type Options struct {
	PollInterval time.Duration
	ETA          *eta.Estimator
	Now          func() time.Time
	Logger       *slog.Logger
	// OnExpired runs after this controller cancels a ride for lack of drivers.
	OnExpired func(ctx context.Context, ride *models.RideRequest)
}

type Controller struct {
	rides    RideStore
	drivers  geo.Index
	scratch  Scratch
	sched    scheduler.Scheduler
	notifier dispatch.Notifier
	params   ParamsSource
	poll     time.Duration
	eta      *eta.Estimator
	now      func() time.Time
	logger   *slog.Logger
	expired  func(ctx context.Context, ride *models.RideRequest)

	mu     sync.Mutex
	active map[string]struct{}
}

func NewController(rides RideStore, drivers geo.Index, scratch Scratch, sched scheduler.Scheduler, notifier dispatch.Notifier, params ParamsSource, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		rides:    rides,
		drivers:  drivers,
		scratch:  scratch,
		sched:    sched,
		notifier: notifier,
		params:   params,
		poll:     opts.PollInterval,
		eta:      opts.ETA,
		now:      opts.Now,
		logger:   opts.Logger,
		expired:  opts.OnExpired,
		active:   make(map[string]struct{}),
	}
}

func jobID(rideID string) string { return "search:" + rideID }

// iterations converts a phase duration into a tick budget of at least one.
func (c *Controller) iterations(d time.Duration) int {
	n := int(d / c.poll)
	if n < 1 {
		n = 1
	}
	return n
}

// Start begins phase 1 for ride and persists the search deadline. The first
// query runs one poll interval later.
func (c *Controller) Start(ctx context.Context, ride *models.RideRequest) error {
	if ride.Status != models.StatusRequested {
		return ErrNotRequested
	}
	p := c.params.SearchParams(ride.Pickup.Point)
	st := State{
		Phase:       phaseInner,
		InnerKm:     p.InnerRadiusKm,
		OuterKm:     p.OuterRadiusKm,
		Phase1Iters: c.iterations(p.Phase1),
		Phase2Iters: c.iterations(p.Phase2),
	}
	total := time.Duration(st.Phase1Iters+st.Phase2Iters) * c.poll
	// scratch outlives the search so a late tick still finds its notified set
	if err := c.scratch.Init(ctx, ride.ID, st, total+time.Minute); err != nil {
		return err
	}
	now := c.now()
	deadline := now.Add(total)
	if err := c.rides.UpdateSearch(ctx, ride.ID, models.SearchEntry{RadiusKm: st.InnerKm, At: now}, &deadline); err != nil {
		_ = c.scratch.Clear(ctx, ride.ID)
		return err
	}
	c.mu.Lock()
	c.active[ride.ID] = struct{}{}
	c.mu.Unlock()

	rideID := ride.ID
	c.sched.Every(jobID(rideID), c.poll, func(ctx context.Context) { c.Tick(ctx, rideID) })
	c.logger.Info("search started", "ride_id", rideID, "inner_km", st.InnerKm, "outer_km", st.OuterKm,
		"phase1_iters", st.Phase1Iters, "phase2_iters", st.Phase2Iters)
	return nil
}

// Tick advances one ride's search by one poll. It is safe to call after the
// search has ended.
func (c *Controller) Tick(ctx context.Context, rideID string) {
	st, ok, err := c.scratch.Load(ctx, rideID)
	if err != nil {
		c.logger.Warn("search state unavailable", "ride_id", rideID, "err", err)
		return
	}
	if !ok {
		c.Stop(ctx, rideID)
		return
	}
	ride, err := c.rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		c.Stop(ctx, rideID)
		return
	}
	if err != nil {
		c.logger.Warn("search ride lookup failed", "ride_id", rideID, "err", err)
		return
	}
	if ride.Status != models.StatusRequested {
		// matched or cancelled elsewhere
		c.Stop(ctx, rideID)
		return
	}

	switch st.Phase {
	case phaseInner:
		observability.SearchTicks.WithLabelValues("inner").Inc()
		c.searchInner(ctx, ride, st)
		st.Iterations++
		if st.Iterations >= st.Phase1Iters {
			c.expand(ctx, ride, &st)
		}
	case phaseBand:
		observability.SearchTicks.WithLabelValues("band").Inc()
		if st.Iterations < st.Phase2Iters {
			c.searchBand(ctx, ride, st)
			st.Iterations++
		}
		if st.Iterations >= st.Phase2Iters {
			if c.expire(ctx, ride) {
				return
			}
		}
	}
	if err := c.scratch.Save(ctx, rideID, st); err != nil {
		c.logger.Warn("search state save failed", "ride_id", rideID, "err", err)
	}
}

func (c *Controller) searchInner(ctx context.Context, ride *models.RideRequest, st State) {
	notified, err := c.scratch.Notified(ctx, ride.ID)
	if err != nil {
		c.logger.Warn("notified set unavailable", "ride_id", ride.ID, "err", err)
		return
	}
	cands, err := c.drivers.FindNearby(ctx, ride.Pickup.Point, ride.CarType, st.InnerKm*1000, notified)
	if err != nil {
		c.logger.Warn("inner search failed", "ride_id", ride.ID, "err", err)
		return
	}
	c.offer(ctx, ride, cands)
}

func (c *Controller) searchBand(ctx context.Context, ride *models.RideRequest, st State) {
	cands, err := c.drivers.FindNearbyInBand(ctx, ride.Pickup.Point, ride.CarType, st.InnerKm*1000, st.OuterKm*1000)
	if err != nil {
		c.logger.Warn("band search failed", "ride_id", ride.ID, "err", err)
		return
	}
	c.offer(ctx, ride, cands)
}

func (c *Controller) expand(ctx context.Context, ride *models.RideRequest, st *State) {
	st.Phase = phaseBand
	st.Iterations = 0
	entry := models.SearchEntry{RadiusKm: st.OuterKm, At: c.now()}
	if err := c.rides.UpdateSearch(ctx, ride.ID, entry, nil); err != nil {
		c.logger.Warn("search radius update failed", "ride_id", ride.ID, "err", err)
	}
	payload := map[string]any{"ride_id": ride.ID, "radius_km": st.OuterKm}
	if err := c.notifier.Notify(ctx, ride.RiderID, dispatch.EventSearchExpanded, payload); err != nil {
		c.logger.Warn("notify radius expansion failed", "ride_id", ride.ID, "err", err)
	}
	c.logger.Info("search expanded", "ride_id", ride.ID, "radius_km", st.OuterKm)
}

// offer pushes the ride to every candidate not offered it before.
func (c *Controller) offer(ctx context.Context, ride *models.RideRequest, cands []models.Candidate) {
	if len(cands) == 0 {
		return
	}
	fresh, err := c.scratch.MarkNotified(ctx, ride.ID, geo.IDs(cands))
	if err != nil {
		// skip rather than risk offering twice
		c.logger.Warn("mark notified failed", "ride_id", ride.ID, "err", err)
		return
	}
	byID := make(map[string]models.Candidate, len(cands))
	for _, cand := range cands {
		byID[cand.DriverID] = cand
	}
	for _, id := range fresh {
		cand := byID[id]
		o := models.RideOffer{
			RideID:          ride.ID,
			Pickup:          ride.Pickup,
			Dropoff:         ride.Dropoff,
			CarType:         ride.CarType,
			SurgeMultiplier: ride.SurgeMultiplier,
			ETASeconds:      c.eta.Seconds(ctx, cand.Loc, ride.Pickup.Point),
		}
		if err := c.notifier.Notify(ctx, id, dispatch.EventRideOffer, o); err != nil {
			c.logger.Warn("offer delivery failed", "ride_id", ride.ID, "driver_id", id, "err", err)
			continue
		}
		observability.OffersSent.WithLabelValues("search").Inc()
	}
}

// expire cancels the ride for lack of drivers. It returns false when the
// write failed and the next tick should try again.
func (c *Controller) expire(ctx context.Context, ride *models.RideRequest) bool {
	ok, err := c.rides.UpdateStatus(ctx, ride.ID, models.StatusRequested, models.StatusCancelled, "", models.ReasonNoDrivers)
	if err != nil {
		c.logger.Warn("search expiry failed", "ride_id", ride.ID, "err", err)
		return false
	}
	c.Stop(ctx, ride.ID)
	if !ok {
		return true
	}
	observability.RidesExpired.WithLabelValues("search").Inc()
	c.logger.Info("search expired", "ride_id", ride.ID)
	payload := map[string]any{"ride_id": ride.ID, "reason": models.ReasonNoDrivers}
	if err := c.notifier.Notify(ctx, ride.RiderID, dispatch.EventNoDrivers, payload); err != nil {
		c.logger.Warn("notify expiry failed", "ride_id", ride.ID, "err", err)
	}
	if c.expired != nil {
		c.expired(ctx, ride)
	}
	return true
}

// Stop ends the search for rideID and discards its scratch state. Calling it
// again is a no-op.
func (c *Controller) Stop(ctx context.Context, rideID string) {
	c.sched.Cancel(jobID(rideID))
	if err := c.scratch.Clear(ctx, rideID); err != nil {
		c.logger.Warn("search scratch clear failed", "ride_id", rideID, "err", err)
	}
	c.mu.Lock()
	delete(c.active, rideID)
	c.mu.Unlock()
}

// Active reports whether rideID is being searched by this process.
func (c *Controller) Active(rideID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[rideID]
	return ok
}

const refreshJobID = "search:refresh"

// StartRefresh schedules RefreshNearby on the poll interval.
func (c *Controller) StartRefresh() {
	c.sched.Every(refreshJobID, c.poll, c.RefreshNearby)
}

// RefreshNearby sends each searching rider the drivers currently inside the
// ride's search radius. It only reads.
func (c *Controller) RefreshNearby(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		ride, err := c.rides.GetRide(ctx, id)
		if err != nil || ride.Status != models.StatusRequested {
			continue
		}
		radius := ride.SearchRadiusKm
		if radius <= 0 {
			radius = c.params.SearchParams(ride.Pickup.Point).InnerRadiusKm
		}
		cands, err := c.drivers.FindNearby(ctx, ride.Pickup.Point, ride.CarType, radius*1000, nil)
		if err != nil {
			c.logger.Warn("nearby refresh failed", "ride_id", id, "err", err)
			continue
		}
		locs := make([]models.Point, len(cands))
		for i, cand := range cands {
			locs[i] = cand.Loc
		}
		payload := map[string]any{"ride_id": id, "count": len(cands), "drivers": locs}
		if err := c.notifier.Notify(ctx, ride.RiderID, dispatch.EventNearbyDrivers, payload); err != nil {
			c.logger.Debug("nearby refresh delivery failed", "ride_id", id, "err", err)
		}
	}
}
