package models

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RideStatus
		want     bool
	}{
		{StatusRequested, StatusDriverAssigned, true},
		{StatusRequested, StatusCancelled, true},
		{StatusDriverAssigned, StatusCancelled, true},
		{StatusCancelled, StatusRequested, false},
		{StatusCancelled, StatusDriverAssigned, false},
		{StatusDriverAssigned, StatusRequested, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestDispatchable(t *testing.T) {
	base := DriverLocation{DriverID: "d1", Status: DriverOnline, IsAvailable: true, CarType: "sedan", BackgroundCheck: BackgroundCheckApproved}
	if !base.Dispatchable("sedan") {
		t.Fatal("expected dispatchable")
	}
	cases := map[string]func(d *DriverLocation){
		"offline":    func(d *DriverLocation) { d.Status = DriverOffline },
		"busy":       func(d *DriverLocation) { d.IsAvailable = false },
		"on ride":    func(d *DriverLocation) { d.CurrentRideID = "r1" },
		"blocked":    func(d *DriverLocation) { d.Blocked = true },
		"unchecked":  func(d *DriverLocation) { d.BackgroundCheck = "pending" },
		"wrong type": func(d *DriverLocation) { d.CarType = "suv" },
	}
	for name, mut := range cases {
		d := base
		mut(&d)
		if d.Dispatchable("sedan") {
			t.Errorf("%s: expected not dispatchable", name)
		}
	}
}

func TestParkingQueueOrderedTieBreak(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	q := NewParkingQueue("q1", "SFO", "lot-a", 10)
	q.Entries["b"] = &QueueEntry{DriverID: "b", JoinedAt: t0, Seq: 2}
	q.Entries["a"] = &QueueEntry{DriverID: "a", JoinedAt: t0, Seq: 1}
	q.Entries["c"] = &QueueEntry{DriverID: "c", JoinedAt: t0.Add(-time.Second), Seq: 3}

	got := q.Ordered()
	if got[0].DriverID != "c" || got[1].DriverID != "a" || got[2].DriverID != "b" {
		t.Fatalf("unexpected order: %s %s %s", got[0].DriverID, got[1].DriverID, got[2].DriverID)
	}
}

func TestParkingQueueCloneIsDeep(t *testing.T) {
	q := NewParkingQueue("q1", "SFO", "lot-a", 10)
	q.Entries["a"] = &QueueEntry{DriverID: "a", Status: QueueWaiting}
	q.ActiveOffers["r1"] = &ActiveOffer{RideID: "r1", Declined: []string{"x"}}

	c := q.Clone()
	c.Entries["a"].Status = QueueOffered
	c.ActiveOffers["r1"].Declined[0] = "y"

	if q.Entries["a"].Status != QueueWaiting || q.ActiveOffers["r1"].Declined[0] != "x" {
		t.Fatal("clone shares state with original")
	}
}

func TestParkingQueueOffereeFor(t *testing.T) {
	q := NewParkingQueue("q1", "SFO", "lot-a", 10)
	q.Entries["a"] = &QueueEntry{DriverID: "a", Status: QueueWaiting, CurrentOfferID: "r1"}
	q.Entries["b"] = &QueueEntry{DriverID: "b", Status: QueueOffered, CurrentOfferID: "r2"}

	if e := q.OffereeFor("r2"); e == nil || e.DriverID != "b" {
		t.Fatalf("expected b to hold r2, got %+v", e)
	}
	// a waiting entry with a stale offer id holds nothing
	if e := q.OffereeFor("r1"); e != nil {
		t.Fatalf("waiting entry reported as holder: %+v", e)
	}
}
