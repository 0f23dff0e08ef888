// Package dispatch delivers driver and rider notifications. Delivery is
// best effort: callers log failures and carry on.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Events emitted by the dispatch core.
const (
	EventRideOffer      = "ride_offer"
	EventOfferExpired   = "offer_expired"
	EventRideAssigned   = "ride_assigned"
	EventRideCancelled  = "ride_cancelled"
	EventSearchExpanded = "search_radius_expanded"
	EventNoDrivers      = "no_drivers_available"
	EventSurgeUpdated   = "surge_updated"
	EventQueuePosition  = "queue_position"
	EventNearbyDrivers  = "nearby_drivers"
)

type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload any) error
}

// Envelope is the wire shape shared by every transport.
type Envelope struct {
	UserID  string    `json:"user_id"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

func newEnvelope(userID, event string, payload any) Envelope {
	return Envelope{UserID: userID, Event: event, Payload: payload, SentAt: time.Now().UTC()}
}

// LogNotifier only logs. Used when no transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, userID, event string, payload any) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notify", "user_id", userID, "event", event, "payload", payload)
	return nil
}

// Fallback tries each notifier in order and stops at the first success.
type Fallback []Notifier

func (f Fallback) Notify(ctx context.Context, userID, event string, payload any) error {
	var errs []error
	for _, n := range f {
		err := n.Notify(ctx, userID, event, payload)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Fanout delivers to every notifier, e.g. a user transport plus an event
// stream.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, userID, event string, payload any) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, userID, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
