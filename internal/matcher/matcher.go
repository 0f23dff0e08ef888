// Package matcher routes new rides to the parking queue or to progressive
// search and tears both down once a ride leaves REQUESTED.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/surge"
)

var ErrInvalidState = errors.New("ride is not in a valid state for this operation")

const (
	PathSearch  = "search"
	PathParking = "parking"
)

type RideStore interface {
	SaveRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, driverID, reason string) (bool, error)
	EscalateSurge(ctx context.Context, id string, tier int, multiplier float64) (bool, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*models.RideRequest, error)
}

type Searcher interface {
	Start(ctx context.Context, ride *models.RideRequest) error
	Stop(ctx context.Context, rideID string)
}

type Queues interface {
	QueueForAirport(ctx context.Context, airportID string) (*models.ParkingQueue, error)
	EnqueueRide(ctx context.Context, queueID string, ride *models.RideRequest) (string, error)
	Respond(ctx context.Context, queueID, driverID, rideID string, accept bool) error
	Cancel(ctx context.Context, queueID, rideID string)
}

type Pricer interface {
	Reconcile(ctx context.Context, ride *models.RideRequest) surge.Comparison
}

// DriverClaims keeps a driver's live entry in step with its assignment so an
// assigned driver drops out of search and surge supply.
type DriverClaims interface {
	AssignDriver(ctx context.Context, driverID, rideID string) error
	ReleaseDriver(ctx context.Context, driverID, rideID string) error
}

// PaymentReleaser voids a payment hold placed when the ride was requested.
type PaymentReleaser interface {
	Cancel(ctx context.Context, holdID string) error
}

// Route records where Dispatch sent a ride.
type Route struct {
	Path      string       `json:"path"`
	QueueID   string       `json:"queue_id,omitempty"`
	OfferedTo string       `json:"offered_to,omitempty"`
	Surge     surge.Result `json:"surge"`
}

type Service struct {
	Rides    RideStore
	Search   Searcher
	Drivers  DriverClaims
	Parking  Queues          // optional; airport rides fall back to search without it
	Surge    Pricer          // optional
	Payments PaymentReleaser // optional
	Notifier dispatch.Notifier
	Now      func() time.Time
	Logger   *slog.Logger

	// Sched runs Dispatch for rides taken in through Submit.
	Sched scheduler.Scheduler
	// DispatchGrace is the provisional deadline Submit stores; the routed
	// controller replaces it. Defaults to one minute.
	DispatchGrace time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func dispatchJobID(rideID string) string { return "dispatch:" + rideID }

// Submit stores a new ride and queues its dispatch on the scheduler. The
// stored ride carries a provisional deadline, so if dispatch fails the
// deadline monitor still expires it and releases its hold.
func (s *Service) Submit(ctx context.Context, ride *models.RideRequest) error {
	if ride.Status != models.StatusRequested {
		return ErrInvalidState
	}
	grace := s.DispatchGrace
	if grace <= 0 {
		grace = time.Minute
	}
	deadline := s.now().Add(grace)
	ride.ExpiresAt = &deadline
	if err := s.Rides.SaveRide(ctx, ride); err != nil {
		return err
	}
	rideID := ride.ID
	s.Sched.After(dispatchJobID(rideID), 0, func(ctx context.Context) { s.dispatchStored(ctx, rideID) })
	return nil
}

func (s *Service) dispatchStored(ctx context.Context, rideID string) {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		s.logger().Warn("queued ride lookup failed", "ride_id", rideID, "err", err)
		return
	}
	if ride.Status != models.StatusRequested {
		// cancelled before dispatch ran
		return
	}
	route, err := s.Dispatch(ctx, ride)
	if err != nil {
		s.logger().Error("dispatch failed, left to the deadline monitor", "ride_id", rideID, "err", err)
		return
	}
	s.logger().Info("ride dispatched", "ride_id", rideID, "path", route.Path, "tier", route.Surge.Tier)
}

// Dispatch prices ride and hands it to exactly one controller. Airport rides
// go to the lot's queue when one is active and to search otherwise.
func (s *Service) Dispatch(ctx context.Context, ride *models.RideRequest) (Route, error) {
	if ride.Status != models.StatusRequested {
		return Route{}, ErrInvalidState
	}
	route := Route{Surge: surge.Result{Multiplier: 1}}
	if s.Surge != nil {
		c := s.Surge.Reconcile(ctx, ride)
		route.Surge = c.With
		if c.With.Tier > ride.SurgeTier {
			if _, err := s.Rides.EscalateSurge(ctx, ride.ID, c.With.Tier, c.With.Multiplier); err != nil {
				s.logger().Warn("persist surge failed", "ride_id", ride.ID, "err", err)
			}
			ride.SurgeTier, ride.SurgeMultiplier = c.With.Tier, c.With.Multiplier
		}
	}

	if ride.IsAirport && ride.AirportZoneID != "" && s.Parking != nil {
		q, err := s.Parking.QueueForAirport(ctx, ride.AirportZoneID)
		if err == nil {
			driverID, err := s.Parking.EnqueueRide(ctx, q.ID, ride)
			if err == nil {
				route.Path, route.QueueID, route.OfferedTo = PathParking, q.ID, driverID
				s.logger().Info("ride routed to parking queue", "ride_id", ride.ID, "queue_id", q.ID)
				return route, nil
			}
			s.logger().Warn("enqueue failed, searching instead", "ride_id", ride.ID, "queue_id", q.ID, "err", err)
		} else {
			s.logger().Info("no active lot, searching instead", "ride_id", ride.ID, "airport_id", ride.AirportZoneID, "err", err)
		}
	}

	if err := s.Search.Start(ctx, ride); err != nil {
		return Route{}, err
	}
	route.Path = PathSearch
	return route, nil
}

// AcceptRide assigns rideID to driverID. Parking rides go through the lot so
// queue order is respected; search rides take the first accept.
//
// The driver is claimed before the ride is written, so a driver holding two
// offers can win at most one of them.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) error {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if err := s.Drivers.AssignDriver(ctx, driverID, rideID); err != nil {
		return err
	}
	if ride.ParkingQueueID != "" && s.Parking != nil {
		if err := s.Parking.Respond(ctx, ride.ParkingQueueID, driverID, rideID, true); err != nil {
			s.undoClaim(ctx, driverID, rideID)
			return err
		}
		s.OnAccepted(ctx, rideID)
		return nil
	}

	ok, err := s.Rides.UpdateStatus(ctx, rideID, models.StatusRequested, models.StatusDriverAssigned, driverID, "")
	if err != nil {
		s.undoClaim(ctx, driverID, rideID)
		return err
	}
	if !ok {
		s.undoClaim(ctx, driverID, rideID)
		return ErrInvalidState
	}
	observability.MatchesTotal.WithLabelValues(PathSearch).Inc()
	observability.MatchLatency.Observe(s.now().Sub(ride.CreatedAt).Seconds())
	s.logger().Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	payload := map[string]any{"ride_id": rideID, "driver_id": driverID}
	if err := s.Notifier.Notify(ctx, ride.RiderID, dispatch.EventRideAssigned, payload); err != nil {
		s.logger().Warn("notify assignment failed", "ride_id", rideID, "err", err)
	}
	s.OnAccepted(ctx, rideID)
	return nil
}

// DeclineRide passes a parking offer to the next driver. Search offers are
// broadcast, so a decline there needs no action.
func (s *Service) DeclineRide(ctx context.Context, rideID, driverID string) error {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.ParkingQueueID == "" || s.Parking == nil {
		return nil
	}
	return s.Parking.Respond(ctx, ride.ParkingQueueID, driverID, rideID, false)
}

// CancelRide cancels rideID on the rider's behalf.
func (s *Service) CancelRide(ctx context.Context, rideID string) error {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if !models.CanTransition(ride.Status, models.StatusCancelled) {
		return ErrInvalidState
	}
	ok, err := s.Rides.UpdateStatus(ctx, rideID, ride.Status, models.StatusCancelled, "", models.ReasonRiderCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	s.logger().Info("ride cancelled by rider", "ride_id", rideID)
	if ride.AssignedDriverID != "" {
		if err := s.Notifier.Notify(ctx, ride.AssignedDriverID, dispatch.EventRideCancelled, map[string]any{"ride_id": rideID}); err != nil {
			s.logger().Warn("notify driver of cancellation failed", "ride_id", rideID, "err", err)
		}
	}
	s.OnCancelled(ctx, rideID)
	return nil
}

// OnAccepted stops whatever is still trying to place rideID. Safe to call
// more than once.
func (s *Service) OnAccepted(ctx context.Context, rideID string) {
	s.teardown(ctx, rideID)
}

// OnCancelled stops dispatch work for rideID, frees its driver and voids its
// payment hold. Safe to call more than once.
func (s *Service) OnCancelled(ctx context.Context, rideID string) {
	ride := s.teardown(ctx, rideID)
	if ride == nil {
		return
	}
	if ride.AssignedDriverID != "" {
		s.releaseDriver(ctx, ride.AssignedDriverID, rideID)
	}
	if ride.PaymentHoldID == "" || s.Payments == nil {
		return
	}
	if err := s.Payments.Cancel(ctx, ride.PaymentHoldID); err != nil {
		s.logger().Warn("payment hold release failed", "ride_id", rideID, "hold_id", ride.PaymentHoldID, "err", err)
	}
}

// OnExpired is the hook controllers call after they cancel a ride for lack
// of drivers. The rider has already been told.
func (s *Service) OnExpired(ctx context.Context, ride *models.RideRequest) {
	s.OnCancelled(ctx, ride.ID)
}

// undoClaim frees driverID after a failed accept unless the ride already
// belongs to that driver, as on a repeated accept.
func (s *Service) undoClaim(ctx context.Context, driverID, rideID string) {
	if r, err := s.Rides.GetRide(ctx, rideID); err == nil && r.Status == models.StatusDriverAssigned && r.AssignedDriverID == driverID {
		return
	}
	s.releaseDriver(ctx, driverID, rideID)
}

func (s *Service) releaseDriver(ctx context.Context, driverID, rideID string) {
	if err := s.Drivers.ReleaseDriver(ctx, driverID, rideID); err != nil {
		s.logger().Warn("driver release failed", "ride_id", rideID, "driver_id", driverID, "err", err)
	}
}

func (s *Service) teardown(ctx context.Context, rideID string) *models.RideRequest {
	if s.Sched != nil {
		s.Sched.Cancel(dispatchJobID(rideID))
	}
	s.Search.Stop(ctx, rideID)
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		s.logger().Warn("ride lookup during teardown failed", "ride_id", rideID, "err", err)
		return nil
	}
	if ride.ParkingQueueID != "" && s.Parking != nil {
		s.Parking.Cancel(ctx, ride.ParkingQueueID, rideID)
	}
	return ride
}

const deadlineJobID = "dispatch:deadline-monitor"

// StartDeadlineMonitor sweeps for overdue rides every interval.
func (s *Service) StartDeadlineMonitor(sched scheduler.Scheduler, interval time.Duration) {
	sched.Every(deadlineJobID, interval, func(ctx context.Context) { s.SweepOverdue(ctx) })
}

// SweepOverdue expires REQUESTED rides whose persisted deadline has passed.
// It catches rides whose controller timer was lost; the conditional write
// keeps it from racing a controller that expires the same ride.
func (s *Service) SweepOverdue(ctx context.Context) int {
	rides, err := s.Rides.ListOverdue(ctx, s.now())
	if err != nil {
		s.logger().Warn("overdue ride scan failed", "err", err)
		return 0
	}
	expired := 0
	for _, ride := range rides {
		ok, err := s.Rides.UpdateStatus(ctx, ride.ID, models.StatusRequested, models.StatusCancelled, "", models.ReasonNoDrivers)
		if err != nil {
			s.logger().Warn("expire overdue ride failed", "ride_id", ride.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		expired++
		observability.RidesExpired.WithLabelValues("monitor").Inc()
		s.logger().Info("overdue ride expired", "ride_id", ride.ID)
		payload := map[string]any{"ride_id": ride.ID, "reason": models.ReasonNoDrivers}
		if err := s.Notifier.Notify(ctx, ride.RiderID, dispatch.EventNoDrivers, payload); err != nil {
			s.logger().Warn("notify expiry failed", "ride_id", ride.ID, "err", err)
		}
		s.OnCancelled(ctx, ride.ID)
	}
	return expired
}
