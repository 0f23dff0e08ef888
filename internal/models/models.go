package models

import "time"

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	Point
	Address string `json:"address,omitempty"`
}

type RideStatus string

const (
	StatusRequested      RideStatus = "REQUESTED"
	StatusDriverAssigned RideStatus = "DRIVER_ASSIGNED"
	StatusCancelled      RideStatus = "CANCELLED"
)

// Cancel reasons recorded on CANCELLED rides.
const (
	ReasonNoDrivers      = "no_drivers_available"
	ReasonRiderCancelled = "rider_cancelled"
)

// allowedTransitions is the dispatch-visible part of the ride lifecycle.
// Later states (trip started, completed) belong to other subsystems.
var allowedTransitions = map[RideStatus][]RideStatus{
	StatusRequested:      {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned: {StatusCancelled},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type SearchEntry struct {
	RadiusKm float64   `json:"radius_km"`
	At       time.Time `json:"at"`
}

type RideRequest struct {
	ID               string        `json:"id"`
	RiderID          string        `json:"rider_id"`
	Pickup           Location      `json:"pickup"`
	Dropoff          Location      `json:"dropoff"`
	CarType          string        `json:"car_type"`
	Status           RideStatus    `json:"status"`
	AssignedDriverID string        `json:"assigned_driver_id,omitempty"`
	CancelReason     string        `json:"cancel_reason,omitempty"`
	SearchRadiusKm   float64       `json:"search_radius_km"`
	SearchHistory    []SearchEntry `json:"search_history,omitempty"`
	IsAirport        bool          `json:"is_airport"`
	AirportZoneID    string        `json:"airport_zone_id,omitempty"`
	ParkingQueueID   string        `json:"parking_queue_id,omitempty"`
	SurgeTier        int           `json:"surge_tier"`
	SurgeMultiplier  float64       `json:"surge_multiplier"`
	PaymentHoldID    string        `json:"payment_hold_id,omitempty"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverOffline DriverStatus = "offline"
)

const BackgroundCheckApproved = "approved"

// DriverLocation is the live, frequently overwritten view of a driver.
type DriverLocation struct {
	DriverID        string       `json:"driver_id"`
	Loc             Point        `json:"loc"`
	Status          DriverStatus `json:"status"`
	IsAvailable     bool         `json:"is_available"`
	CurrentRideID   string       `json:"current_ride_id,omitempty"`
	CarType         string       `json:"car_type"`
	Blocked         bool         `json:"blocked"`
	BackgroundCheck string       `json:"background_check"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Dispatchable reports whether the driver may receive a ride of carType.
func (d DriverLocation) Dispatchable(carType string) bool {
	return d.Status == DriverOnline &&
		d.IsAvailable &&
		d.CurrentRideID == "" &&
		!d.Blocked &&
		d.BackgroundCheck == BackgroundCheckApproved &&
		(carType == "" || d.CarType == carType)
}

// Candidate is one GeoIndex hit.
type Candidate struct {
	DriverID       string  `json:"driver_id"`
	Loc            Point   `json:"loc"`
	DistanceMeters float64 `json:"distance_m"`
}

type SurgeTier struct {
	Tier       int     `json:"tier"`
	MinRatio   float64 `json:"min_ratio"`
	Multiplier float64 `json:"multiplier"`
}

type RideOffer struct {
	RideID          string    `json:"ride_id"`
	Pickup          Location  `json:"pickup"`
	Dropoff         Location  `json:"dropoff"`
	CarType         string    `json:"car_type"`
	SurgeMultiplier float64   `json:"surge_multiplier"`
	ETASeconds      float64   `json:"eta_seconds,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}
