// Package parking dispatches airport rides to drivers waiting in a lot
// queue, one driver at a time, in strict arrival order.
package parking

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scheduler"
)

var (
	ErrQueueNotFound   = errors.New("parking queue not found")
	ErrNoActiveQueue   = errors.New("no active parking queue for airport")
	ErrQueueInactive   = errors.New("parking queue is inactive")
	ErrQueueFull       = errors.New("parking queue is full")
	ErrNotInQueue      = errors.New("driver is not in the queue")
	ErrNotOffered      = errors.New("ride is not offered to this driver")
	ErrOfferExpired    = errors.New("offer response window has passed")
	ErrRideUnavailable = errors.New("ride is no longer available")
	ErrConflict        = errors.New("parking queue update kept conflicting")

	// errNoop aborts an Update without writing.
	errNoop = errors.New("noop")
)

type RideStore interface {
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, driverID, reason string) (bool, error)
	SetParkingQueue(ctx context.Context, id, queueID string, expiresAt time.Time) error
}

type Options struct {
	OfferWindow time.Duration
	RideTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
	// OnExpired runs after the ride-level timeout cancels a ride.
	OnExpired func(ctx context.Context, ride *models.RideRequest)
}

type Dispatcher struct {
	store       Store
	rides       RideStore
	sched       scheduler.Scheduler
	notifier    dispatch.Notifier
	window      time.Duration
	rideTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	expired     func(ctx context.Context, ride *models.RideRequest)
}

func NewDispatcher(store Store, rides RideStore, sched scheduler.Scheduler, notifier dispatch.Notifier, opts Options) *Dispatcher {
	if opts.OfferWindow <= 0 {
		opts.OfferWindow = 10 * time.Second
	}
	if opts.RideTimeout <= 0 {
		opts.RideTimeout = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		rides:       rides,
		sched:       sched,
		notifier:    notifier,
		window:      opts.OfferWindow,
		rideTimeout: opts.RideTimeout,
		now:         opts.Now,
		logger:      opts.Logger,
		expired:     opts.OnExpired,
	}
}

func responseTimerPrefix(queueID, rideID string) string {
	return "offer:" + queueID + ":" + rideID + ":"
}

func responseTimerID(queueID, rideID, driverID string) string {
	return responseTimerPrefix(queueID, rideID) + driverID
}

func rideTimerID(queueID, rideID string) string { return "ride-timeout:" + queueID + ":" + rideID }

// update wraps Store.Update so that errNoop reads as "nothing changed".
func (d *Dispatcher) update(ctx context.Context, queueID string, fn func(q *models.ParkingQueue) error) (*models.ParkingQueue, bool, error) {
	q, err := d.store.Update(ctx, queueID, fn)
	if errors.Is(err, errNoop) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	observability.QueueLength.WithLabelValues(queueID).Set(float64(len(q.Entries)))
	return q, true, nil
}

// Provision stores q unless a queue with that id already exists.
func (d *Dispatcher) Provision(ctx context.Context, q *models.ParkingQueue) error {
	_, err := d.store.Get(ctx, q.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQueueNotFound) {
		return err
	}
	return d.store.Save(ctx, q)
}

// QueueForAirport returns the active queue serving airportID.
func (d *Dispatcher) QueueForAirport(ctx context.Context, airportID string) (*models.ParkingQueue, error) {
	return d.store.FindActiveByAirport(ctx, airportID)
}

// JoinQueue appends driverID to the tail. Joining twice keeps the original
// place. Pending rides in the lot are offered right away.
func (d *Dispatcher) JoinQueue(ctx context.Context, queueID, driverID string) (models.QueuePosition, error) {
	now := d.now()
	_, _, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		if !q.IsActive {
			return ErrQueueInactive
		}
		if _, ok := q.Entries[driverID]; ok {
			return errNoop
		}
		if q.MaxQueueSize > 0 && len(q.Entries) >= q.MaxQueueSize {
			return ErrQueueFull
		}
		q.NextSeq++
		q.Entries[driverID] = &models.QueueEntry{DriverID: driverID, JoinedAt: now, Seq: q.NextSeq, Status: models.QueueWaiting}
		return nil
	})
	if err != nil {
		return models.QueuePosition{}, err
	}
	d.logger.Info("driver joined queue", "queue_id", queueID, "driver_id", driverID)
	d.advance(ctx, queueID)
	return d.Position(ctx, queueID, driverID)
}

// LeaveQueue removes driverID. A ride the driver was holding goes to the
// next driver.
func (d *Dispatcher) LeaveQueue(ctx context.Context, queueID, driverID string) error {
	var heldRide string
	_, _, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		heldRide = ""
		e, ok := q.Entries[driverID]
		if !ok {
			return ErrNotInQueue
		}
		if e.Status != models.QueueWaiting {
			if o, ok := q.ActiveOffers[e.CurrentOfferID]; ok && o.DriverID == driverID {
				o.DriverID = ""
				heldRide = o.RideID
			}
		}
		delete(q.Entries, driverID)
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Info("driver left queue", "queue_id", queueID, "driver_id", driverID)
	if heldRide != "" {
		d.sched.Cancel(responseTimerID(queueID, heldRide, driverID))
	}
	d.advance(ctx, queueID)
	d.broadcast(ctx, queueID)
	return nil
}

// EnqueueRide registers ride with the lot and offers it to the head of the
// queue. Enqueuing the same ride again is a no-op. The returned driver id is
// empty when nobody was waiting.
func (d *Dispatcher) EnqueueRide(ctx context.Context, queueID string, ride *models.RideRequest) (string, error) {
	now := d.now()
	deadline := now.Add(d.rideTimeout)
	_, created, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		if !q.IsActive {
			return ErrQueueInactive
		}
		if _, ok := q.ActiveOffers[ride.ID]; ok {
			return errNoop
		}
		q.ActiveOffers[ride.ID] = &models.ActiveOffer{
			RideID:     ride.ID,
			OfferedAt:  now,
			ExpiresAt:  now.Add(d.window),
			DeadlineAt: deadline,
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if created {
		if err := d.rides.SetParkingQueue(ctx, ride.ID, queueID, deadline); err != nil {
			d.logger.Warn("persist ride deadline failed", "ride_id", ride.ID, "queue_id", queueID, "err", err)
		}
		rideID := ride.ID
		d.sched.After(rideTimerID(queueID, rideID), d.rideTimeout, func(ctx context.Context) {
			d.onRideTimeout(ctx, queueID, rideID)
		})
		d.logger.Info("ride enqueued", "ride_id", ride.ID, "queue_id", queueID)
	}
	return d.offerNext(ctx, queueID, ride.ID)
}

// pickHead returns the earliest waiting entry. Drivers who already passed on
// the ride are only chosen when nobody else is waiting.
func pickHead(q *models.ParkingQueue, o *models.ActiveOffer) *models.QueueEntry {
	var fallback *models.QueueEntry
	for _, e := range q.Ordered() {
		if e.Status != models.QueueWaiting {
			continue
		}
		if o.HasDeclined(e.DriverID) {
			if fallback == nil {
				fallback = e
			}
			continue
		}
		return e
	}
	return fallback
}

// offerNext hands rideID to the head of the queue. The waiting -> offered
// transition happens inside one Update, so of two racing calls the second
// sees the ride already held and does nothing.
func (d *Dispatcher) offerNext(ctx context.Context, queueID, rideID string) (string, error) {
	now := d.now()
	var driverID string
	_, changed, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		driverID = ""
		o, ok := q.ActiveOffers[rideID]
		if !ok {
			return errNoop
		}
		if o.DriverID != "" {
			driverID = o.DriverID
			return errNoop
		}
		head := pickHead(q, o)
		if head == nil {
			return errNoop
		}
		offeredAt := now
		head.Status = models.QueueOffered
		head.CurrentOfferID = rideID
		head.OfferedAt = &offeredAt
		o.DriverID = head.DriverID
		o.OfferedAt = now
		o.ExpiresAt = now.Add(d.window)
		driverID = head.DriverID
		return nil
	})
	if err != nil || !changed {
		return driverID, err
	}

	d.sched.After(responseTimerID(queueID, rideID, driverID), d.window, func(ctx context.Context) {
		d.onResponseTimeout(ctx, queueID, rideID, driverID, now)
	})
	offer := models.RideOffer{RideID: rideID, ExpiresAt: now.Add(d.window)}
	if ride, err := d.rides.GetRide(ctx, rideID); err == nil {
		offer.Pickup, offer.Dropoff = ride.Pickup, ride.Dropoff
		offer.CarType, offer.SurgeMultiplier = ride.CarType, ride.SurgeMultiplier
	}
	if err := d.notifier.Notify(ctx, driverID, dispatch.EventRideOffer, offer); err != nil {
		d.logger.Warn("offer delivery failed", "ride_id", rideID, "driver_id", driverID, "err", err)
	}
	observability.OffersSent.WithLabelValues("parking").Inc()
	d.logger.Info("ride offered", "ride_id", rideID, "queue_id", queueID, "driver_id", driverID)
	return driverID, nil
}

// advance offers every unheld ride in the lot, oldest first.
func (d *Dispatcher) advance(ctx context.Context, queueID string) {
	q, err := d.store.Get(ctx, queueID)
	if err != nil {
		d.logger.Warn("queue read failed", "queue_id", queueID, "err", err)
		return
	}
	pending := make([]*models.ActiveOffer, 0, len(q.ActiveOffers))
	for _, o := range q.ActiveOffers {
		if o.DriverID == "" {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].DeadlineAt.Equal(pending[j].DeadlineAt) {
			return pending[i].DeadlineAt.Before(pending[j].DeadlineAt)
		}
		return pending[i].RideID < pending[j].RideID
	})
	for _, o := range pending {
		if _, err := d.offerNext(ctx, queueID, o.RideID); err != nil {
			d.logger.Warn("offer failed", "ride_id", o.RideID, "queue_id", queueID, "err", err)
		}
	}
}

// requeue sends a driver who passed on rideID to the tail.
func (d *Dispatcher) requeue(q *models.ParkingQueue, e *models.QueueEntry, rideID string) {
	q.NextSeq++
	e.Status = models.QueueWaiting
	e.JoinedAt = d.now()
	e.Seq = q.NextSeq
	e.CurrentOfferID = ""
	e.OfferedAt = nil
	if o, ok := q.ActiveOffers[rideID]; ok {
		if o.DriverID == e.DriverID {
			o.DriverID = ""
		}
		if !o.HasDeclined(e.DriverID) {
			o.Declined = append(o.Declined, e.DriverID)
		}
	}
}

func holding(q *models.ParkingQueue, driverID, rideID string) (*models.QueueEntry, bool) {
	e, ok := q.Entries[driverID]
	if !ok || e.Status == models.QueueWaiting || e.CurrentOfferID != rideID {
		return nil, false
	}
	return e, true
}

// onResponseTimeout requeues a silent driver. A timer that finds the offer
// already answered, or belonging to a later offer, does nothing.
func (d *Dispatcher) onResponseTimeout(ctx context.Context, queueID, rideID, driverID string, offeredAt time.Time) {
	_, changed, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		e, ok := holding(q, driverID, rideID)
		if !ok || e.Status != models.QueueOffered || e.OfferedAt == nil || !e.OfferedAt.Equal(offeredAt) {
			return errNoop
		}
		d.requeue(q, e, rideID)
		return nil
	})
	if err != nil {
		d.logger.Warn("offer timeout update failed", "ride_id", rideID, "driver_id", driverID, "err", err)
		return
	}
	if !changed {
		return
	}
	observability.OfferOutcomes.WithLabelValues("timeout").Inc()
	d.logger.Info("offer timed out", "ride_id", rideID, "queue_id", queueID, "driver_id", driverID)
	if err := d.notifier.Notify(ctx, driverID, dispatch.EventOfferExpired, map[string]any{"ride_id": rideID}); err != nil {
		d.logger.Debug("notify offer expiry failed", "driver_id", driverID, "err", err)
	}
	d.afterRequeue(ctx, queueID, rideID)
}

func (d *Dispatcher) afterRequeue(ctx context.Context, queueID, rideID string) {
	if _, err := d.offerNext(ctx, queueID, rideID); err != nil {
		d.logger.Warn("re-offer failed", "ride_id", rideID, "queue_id", queueID, "err", err)
	}
	d.advance(ctx, queueID)
	d.broadcast(ctx, queueID)
}

// Respond records a driver's answer to an offer.
func (d *Dispatcher) Respond(ctx context.Context, queueID, driverID, rideID string, accept bool) error {
	if !accept {
		return d.decline(ctx, queueID, driverID, rideID)
	}
	return d.accept(ctx, queueID, driverID, rideID)
}

func (d *Dispatcher) decline(ctx context.Context, queueID, driverID, rideID string) error {
	_, _, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		e, ok := holding(q, driverID, rideID)
		if !ok || e.Status != models.QueueOffered {
			return ErrNotOffered
		}
		d.requeue(q, e, rideID)
		return nil
	})
	if err != nil {
		return err
	}
	d.sched.Cancel(responseTimerID(queueID, rideID, driverID))
	observability.OfferOutcomes.WithLabelValues("declined").Inc()
	d.logger.Info("offer declined", "ride_id", rideID, "queue_id", queueID, "driver_id", driverID)
	d.afterRequeue(ctx, queueID, rideID)
	return nil
}

func (d *Dispatcher) accept(ctx context.Context, queueID, driverID, rideID string) error {
	now := d.now()
	_, _, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		e, ok := holding(q, driverID, rideID)
		if !ok || e.Status != models.QueueOffered {
			return ErrNotOffered
		}
		if o := q.ActiveOffers[rideID]; o == nil || now.After(o.ExpiresAt) {
			return ErrOfferExpired
		}
		// responding keeps the response timer from requeueing mid-accept
		e.Status = models.QueueResponding
		return nil
	})
	if err != nil {
		return err
	}

	ok, err := d.rides.UpdateStatus(ctx, rideID, models.StatusRequested, models.StatusDriverAssigned, driverID, "")
	if err != nil {
		d.revertResponding(ctx, queueID, driverID, rideID)
		return err
	}
	if !ok {
		d.withdraw(ctx, queueID, driverID, rideID)
		return ErrRideUnavailable
	}

	_, _, err = d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		if _, ok := holding(q, driverID, rideID); ok {
			delete(q.Entries, driverID)
		}
		delete(q.ActiveOffers, rideID)
		return nil
	})
	if err != nil {
		// the ride is assigned; a stale entry only costs the driver a slot
		d.logger.Error("queue cleanup after accept failed", "ride_id", rideID, "driver_id", driverID, "err", err)
	}
	d.sched.Cancel(responseTimerID(queueID, rideID, driverID))
	d.sched.Cancel(rideTimerID(queueID, rideID))
	observability.OfferOutcomes.WithLabelValues("accepted").Inc()
	observability.MatchesTotal.WithLabelValues("parking").Inc()
	d.logger.Info("offer accepted", "ride_id", rideID, "queue_id", queueID, "driver_id", driverID)

	if ride, err := d.rides.GetRide(ctx, rideID); err == nil {
		observability.MatchLatency.Observe(now.Sub(ride.CreatedAt).Seconds())
		payload := map[string]any{"ride_id": rideID, "driver_id": driverID}
		if err := d.notifier.Notify(ctx, ride.RiderID, dispatch.EventRideAssigned, payload); err != nil {
			d.logger.Warn("notify assignment failed", "ride_id", rideID, "err", err)
		}
	}
	d.broadcast(ctx, queueID)
	return nil
}

// revertResponding puts a driver back to offered after a failed accept, or
// requeues it if the window has already closed.
func (d *Dispatcher) revertResponding(ctx context.Context, queueID, driverID, rideID string) {
	now := d.now()
	var (
		expired   bool
		offeredAt time.Time
		remaining time.Duration
	)
	_, changed, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		e, ok := holding(q, driverID, rideID)
		if !ok || e.Status != models.QueueResponding {
			return errNoop
		}
		o := q.ActiveOffers[rideID]
		if o == nil || !now.Before(o.ExpiresAt) {
			expired = true
			d.requeue(q, e, rideID)
			return nil
		}
		expired = false
		e.Status = models.QueueOffered
		if e.OfferedAt != nil {
			offeredAt = *e.OfferedAt
		}
		remaining = o.ExpiresAt.Sub(now)
		return nil
	})
	if err != nil || !changed {
		if err != nil {
			d.logger.Warn("revert accept failed", "ride_id", rideID, "driver_id", driverID, "err", err)
		}
		return
	}
	if expired {
		d.afterRequeue(ctx, queueID, rideID)
		return
	}
	d.sched.After(responseTimerID(queueID, rideID, driverID), remaining, func(ctx context.Context) {
		d.onResponseTimeout(ctx, queueID, rideID, driverID, offeredAt)
	})
}

// withdraw undoes a failed accept: the ride went elsewhere, so the driver
// keeps its original place and the ride leaves the lot.
func (d *Dispatcher) withdraw(ctx context.Context, queueID, driverID, rideID string) {
	_, _, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		if e, ok := holding(q, driverID, rideID); ok {
			e.Status = models.QueueWaiting
			e.CurrentOfferID = ""
			e.OfferedAt = nil
		}
		delete(q.ActiveOffers, rideID)
		return nil
	})
	if err != nil {
		d.logger.Warn("withdraw ride failed", "ride_id", rideID, "queue_id", queueID, "err", err)
	}
	d.sched.CancelPrefix(responseTimerPrefix(queueID, rideID))
	d.sched.Cancel(rideTimerID(queueID, rideID))
	d.advance(ctx, queueID)
	d.broadcast(ctx, queueID)
}

// release drops rideID from the lot. A driver holding an offer for it goes
// back to waiting at its original place; a driver mid-accept is left to the
// accept path.
func (d *Dispatcher) release(ctx context.Context, queueID, rideID string) string {
	var freed string
	_, changed, err := d.update(ctx, queueID, func(q *models.ParkingQueue) error {
		freed = ""
		if _, ok := q.ActiveOffers[rideID]; !ok {
			return errNoop
		}
		if e := q.OffereeFor(rideID); e != nil && e.Status == models.QueueOffered {
			e.Status = models.QueueWaiting
			e.CurrentOfferID = ""
			e.OfferedAt = nil
			freed = e.DriverID
		}
		delete(q.ActiveOffers, rideID)
		return nil
	})
	if err != nil {
		d.logger.Warn("release ride failed", "ride_id", rideID, "queue_id", queueID, "err", err)
		return ""
	}
	d.sched.CancelPrefix(responseTimerPrefix(queueID, rideID))
	d.sched.Cancel(rideTimerID(queueID, rideID))
	if !changed {
		return ""
	}
	if freed != "" {
		if err := d.notifier.Notify(ctx, freed, dispatch.EventOfferExpired, map[string]any{"ride_id": rideID}); err != nil {
			d.logger.Debug("notify offer withdrawal failed", "driver_id", freed, "err", err)
		}
		// the freed driver may be the head for another pending ride
		d.advance(ctx, queueID)
	}
	return freed
}

// Cancel withdraws rideID from the lot after it was accepted elsewhere,
// cancelled or expired. Safe to call repeatedly.
func (d *Dispatcher) Cancel(ctx context.Context, queueID, rideID string) {
	d.release(ctx, queueID, rideID)
}

// onRideTimeout cancels a ride nobody accepted within the ride timeout.
func (d *Dispatcher) onRideTimeout(ctx context.Context, queueID, rideID string) {
	ok, err := d.rides.UpdateStatus(ctx, rideID, models.StatusRequested, models.StatusCancelled, "", models.ReasonNoDrivers)
	if err != nil {
		// the persisted deadline lets the monitor finish the job
		d.logger.Warn("ride timeout update failed", "ride_id", rideID, "queue_id", queueID, "err", err)
		return
	}
	if !ok {
		d.release(ctx, queueID, rideID)
		return
	}
	d.release(ctx, queueID, rideID)
	observability.RidesExpired.WithLabelValues("parking").Inc()
	d.logger.Info("airport ride timed out", "ride_id", rideID, "queue_id", queueID)
	ride, err := d.rides.GetRide(ctx, rideID)
	if err != nil {
		d.logger.Warn("ride lookup after timeout failed", "ride_id", rideID, "err", err)
		return
	}
	payload := map[string]any{"ride_id": rideID, "reason": models.ReasonNoDrivers}
	if err := d.notifier.Notify(ctx, ride.RiderID, dispatch.EventNoDrivers, payload); err != nil {
		d.logger.Warn("notify expiry failed", "ride_id", rideID, "err", err)
	}
	if d.expired != nil {
		d.expired(ctx, ride)
	}
}

// Snapshot returns every driver's place in the queue.
func (d *Dispatcher) Snapshot(ctx context.Context, queueID string) ([]models.QueuePosition, error) {
	q, err := d.store.Get(ctx, queueID)
	if err != nil {
		return nil, err
	}
	return d.positions(q), nil
}

func (d *Dispatcher) positions(q *models.ParkingQueue) []models.QueuePosition {
	now := d.now()
	ordered := q.Ordered()
	out := make([]models.QueuePosition, len(ordered))
	for i, e := range ordered {
		out[i] = models.QueuePosition{
			DriverID:     e.DriverID,
			Position:     i + 1,
			DriversAhead: i,
			WaitTime:     now.Sub(e.JoinedAt),
			Status:       e.Status,
		}
	}
	return out
}

// Position returns driverID's place in the queue.
func (d *Dispatcher) Position(ctx context.Context, queueID, driverID string) (models.QueuePosition, error) {
	snap, err := d.Snapshot(ctx, queueID)
	if err != nil {
		return models.QueuePosition{}, err
	}
	for _, p := range snap {
		if p.DriverID == driverID {
			return p, nil
		}
	}
	return models.QueuePosition{}, ErrNotInQueue
}

// broadcast pushes each waiting driver its current position. Best effort.
func (d *Dispatcher) broadcast(ctx context.Context, queueID string) {
	snap, err := d.Snapshot(ctx, queueID)
	if err != nil {
		d.logger.Debug("queue snapshot failed", "queue_id", queueID, "err", err)
		return
	}
	for _, p := range snap {
		if p.Status != models.QueueWaiting {
			continue
		}
		if err := d.notifier.Notify(ctx, p.DriverID, dispatch.EventQueuePosition, p); err != nil {
			d.logger.Debug("queue position delivery failed", "driver_id", p.DriverID, "err", err)
		}
	}
}
