package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/parking"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
)

// LocationPublisher forwards pings to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.DriverLocation) error
}

// PaymentHolder places a payment hold for a new ride.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID, rideID string) (string, error)
}

type Server struct {
	Rides    storage.RideStore
	Drivers  geo.Store
	Matcher  *matcher.Service
	Queues   *parking.Dispatcher
	Surge    *surge.Engine
	Payments PaymentHolder     // optional
	Kafka    LocationPublisher // optional
	WSReg    *dispatch.WSRegistry
	Now      func() time.Time

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer registers routes and middleware on s. Required collaborators
// are Rides, Drivers, Matcher, Queues, Surge and WSReg.
func NewServer(s *Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	s.logger = logger
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations/{driver_id}", s.handleDriverOffline).Methods(http.MethodDelete)

	s.mux.HandleFunc("/api/v1/rides", s.handleRideRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleRespond(true)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decline", s.handleRespond(false)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods(http.MethodPost)

	s.mux.HandleFunc("/api/v1/queues/{queue_id}", s.handleQueueSnapshot).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/queues/{queue_id}/join", s.handleQueueJoin).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/queues/{queue_id}/leave", s.handleQueueLeave).Methods(http.MethodPost)

	s.mux.HandleFunc("/api/v1/surge", s.handleSurgeQuote).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, parking.ErrQueueNotFound),
		errors.Is(err, parking.ErrNotInQueue):
		status = http.StatusNotFound
	case errors.Is(err, matcher.ErrInvalidState),
		errors.Is(err, geo.ErrDriverBusy),
		errors.Is(err, parking.ErrRideUnavailable),
		errors.Is(err, parking.ErrNotOffered),
		errors.Is(err, parking.ErrOfferExpired),
		errors.Is(err, parking.ErrQueueInactive),
		errors.Is(err, parking.ErrQueueFull):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "err", err)
		http.Error(w, "internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	if d.Status == "" {
		d.Status = models.DriverOnline
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("publish location failed", "driver_id", d.DriverID, "err", err)
		}
	}
	if err := s.Drivers.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	if err := s.Drivers.Remove(r.Context(), mux.Vars(r)["driver_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rideRequestBody struct {
	RiderID    string          `json:"rider_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Pickup     models.Location `json:"pickup"`
	Dropoff    models.Location `json:"dropoff"`
	CarType    string          `json:"car_type"`
	IsAirport  bool            `json:"is_airport"`
	AirportID  string          `json:"airport_id,omitempty"`
	FareCents  int64           `json:"fare_cents,omitempty"`
	Currency   string          `json:"currency,omitempty"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.RiderID == "" || body.CarType == "" {
		http.Error(w, "rider_id and car_type are required", http.StatusBadRequest)
		return
	}
	now := s.Now()
	ride := &models.RideRequest{
		ID:              uuid.NewString(),
		RiderID:         body.RiderID,
		Pickup:          body.Pickup,
		Dropoff:         body.Dropoff,
		CarType:         body.CarType,
		Status:          models.StatusRequested,
		IsAirport:       body.IsAirport,
		AirportZoneID:   body.AirportID,
		SurgeMultiplier: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if s.Payments != nil && body.FareCents > 0 {
		currency := body.Currency
		if currency == "" {
			currency = "usd"
		}
		holdID, err := s.Payments.Hold(r.Context(), body.FareCents, currency, body.CustomerID, ride.ID)
		if err != nil {
			s.logger.Warn("payment hold failed", "ride_id", ride.ID, "err", err)
			http.Error(w, "payment hold failed", http.StatusPaymentRequired)
			return
		}
		ride.PaymentHoldID = holdID
	}
	// Routing runs in a scheduler job; the rider follows progress over the
	// websocket or GET /rides/{id}.
	if err := s.Matcher.Submit(r.Context(), ride); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ride": ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

func decodeDriver(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body driverBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return "", false
	}
	return body.DriverID, true
}

func (s *Server) handleRespond(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID, ok := decodeDriver(w, r)
		if !ok {
			return
		}
		rideID := mux.Vars(r)["ride_id"]
		var err error
		if accept {
			err = s.Matcher.AcceptRide(r.Context(), rideID, driverID)
		} else {
			err = s.Matcher.DeclineRide(r.Context(), rideID, driverID)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Matcher.CancelRide(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Queues.Snapshot(r.Context(), mux.Vars(r)["queue_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_id": mux.Vars(r)["queue_id"], "drivers": snap})
}

func (s *Server) handleQueueJoin(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriver(w, r)
	if !ok {
		return
	}
	pos, err := s.Queues.JoinQueue(r.Context(), mux.Vars(r)["queue_id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleQueueLeave(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriver(w, r)
	if !ok {
		return
	}
	if err := s.Queues.LeaveQueue(r.Context(), mux.Vars(r)["queue_id"], driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSurgeQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	res := s.Surge.Evaluate(r.Context(), models.Point{Lat: lat, Lng: lng}, q.Get("car_type"))
	writeJSON(w, http.StatusOK, res)
}

var upgrader = websocket.Upgrader{}

// handleWS holds a rider or driver connection open until the client goes
// away. Offers and status events are pushed through WSReg.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id, "err", err)
		return
	}
	s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
