package models

import (
	"sort"
	"time"
)

type QueueStatus string

const (
	QueueWaiting    QueueStatus = "waiting"
	QueueOffered    QueueStatus = "offered"
	QueueResponding QueueStatus = "responding"
)

type QueueEntry struct {
	DriverID       string      `json:"driver_id"`
	JoinedAt       time.Time   `json:"joined_at"`
	Seq            int64       `json:"seq"`
	Status         QueueStatus `json:"status"`
	CurrentOfferID string      `json:"current_offer_id,omitempty"`
	OfferedAt      *time.Time  `json:"offered_at,omitempty"`
}

type ActiveOffer struct {
	RideID     string    `json:"ride_id"`
	OfferedAt  time.Time `json:"offered_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	DeadlineAt time.Time `json:"deadline_at"`
	DriverID   string    `json:"driver_id,omitempty"`
	Declined   []string  `json:"declined,omitempty"`
}

func (o *ActiveOffer) HasDeclined(driverID string) bool {
	for _, d := range o.Declined {
		if d == driverID {
			return true
		}
	}
	return false
}

// ParkingQueue is one airport lot. Entries is an arena addressed by driver
// id; queue order is (JoinedAt, Seq).
type ParkingQueue struct {
	ID           string                  `json:"id"`
	AirportID    string                  `json:"airport_id"`
	LotID        string                  `json:"lot_id"`
	IsActive     bool                    `json:"is_active"`
	MaxQueueSize int                     `json:"max_queue_size"`
	Entries      map[string]*QueueEntry  `json:"entries"`
	ActiveOffers map[string]*ActiveOffer `json:"active_offers"`
	NextSeq      int64                   `json:"next_seq"`
	Version      int64                   `json:"version"`
}

func NewParkingQueue(id, airportID, lotID string, maxSize int) *ParkingQueue {
	return &ParkingQueue{
		ID:           id,
		AirportID:    airportID,
		LotID:        lotID,
		IsActive:     true,
		MaxQueueSize: maxSize,
		Entries:      make(map[string]*QueueEntry),
		ActiveOffers: make(map[string]*ActiveOffer),
	}
}

// Ordered returns the entries in queue order.
func (q *ParkingQueue) Ordered() []*QueueEntry {
	out := make([]*QueueEntry, 0, len(q.Entries))
	for _, e := range q.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// OffereeFor returns the entry currently holding rideID, if any.
func (q *ParkingQueue) OffereeFor(rideID string) *QueueEntry {
	for _, e := range q.Entries {
		if e.Status != QueueWaiting && e.CurrentOfferID == rideID {
			return e
		}
	}
	return nil
}

func (q *ParkingQueue) Clone() *ParkingQueue {
	c := *q
	c.Entries = make(map[string]*QueueEntry, len(q.Entries))
	for k, e := range q.Entries {
		ec := *e
		c.Entries[k] = &ec
	}
	c.ActiveOffers = make(map[string]*ActiveOffer, len(q.ActiveOffers))
	for k, o := range q.ActiveOffers {
		oc := *o
		oc.Declined = append([]string(nil), o.Declined...)
		c.ActiveOffers[k] = &oc
	}
	return &c
}

type QueuePosition struct {
	DriverID     string        `json:"driver_id"`
	Position     int           `json:"position"`
	DriversAhead int           `json:"drivers_ahead"`
	WaitTime     time.Duration `json:"wait_time"`
	Status       QueueStatus   `json:"status"`
}
