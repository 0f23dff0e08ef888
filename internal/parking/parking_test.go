package parking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

type note struct {
	user, event string
	payload     any
}

type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) Notify(_ context.Context, userID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{userID, event, payload})
	return nil
}

func (r *recorder) count(user, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notes {
		if x.user == user && x.event == event {
			n++
		}
	}
	return n
}

// flakyRides fails the next n status updates.
type flakyRides struct {
	*storage.MemoryStore
	mu   sync.Mutex
	fail int
}

func (f *flakyRides) UpdateStatus(ctx context.Context, id string, from, to models.RideStatus, driverID, reason string) (bool, error) {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return false, errors.New("db unavailable")
	}
	f.mu.Unlock()
	return f.MemoryStore.UpdateStatus(ctx, id, from, to, driverID, reason)
}

type fixture struct {
	store   Store
	rides   *flakyRides
	sched   *scheduler.Manual
	notes   *recorder
	d       *Dispatcher
	expired []string
}

const lotID = "lot-a"

func newFixture(t *testing.T, store Store, maxSize int) *fixture {
	t.Helper()
	f := &fixture{
		store: store,
		rides: &flakyRides{MemoryStore: storage.NewMemoryStore()},
		sched: scheduler.NewManual(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)),
		notes: &recorder{},
	}
	f.d = NewDispatcher(store, f.rides, f.sched, f.notes, Options{
		Now:       f.sched.Now,
		OnExpired: func(_ context.Context, r *models.RideRequest) { f.expired = append(f.expired, r.ID) },
	})
	if err := f.d.Provision(context.Background(), models.NewParkingQueue(lotID, "SFO", "A", maxSize)); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) join(t *testing.T, drivers ...string) {
	t.Helper()
	for _, id := range drivers {
		if _, err := f.d.JoinQueue(context.Background(), lotID, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
		f.sched.Advance(time.Second)
	}
}

func (f *fixture) ride(t *testing.T, id string) *models.RideRequest {
	t.Helper()
	r := &models.RideRequest{
		ID:              id,
		RiderID:         "rider-" + id,
		Pickup:          models.Location{Point: models.Point{Lat: 37.6213, Lng: -122.379}, Address: "SFO Terminal 2"},
		CarType:         "standard",
		Status:          models.StatusRequested,
		IsAirport:       true,
		SurgeMultiplier: 1,
	}
	if err := f.rides.SaveRide(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func (f *fixture) queue(t *testing.T) *models.ParkingQueue {
	t.Helper()
	q, err := f.store.Get(context.Background(), lotID)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func order(q *models.ParkingQueue) []string {
	var ids []string
	for _, e := range q.Ordered() {
		ids = append(ids, e.DriverID)
	}
	return ids
}

func TestTimeoutRequeuesAndNextDriverAccepts(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1", "d2")

	r := f.ride(t, "r1")
	got, err := f.d.EnqueueRide(ctx, lotID, r)
	if err != nil || got != "d1" {
		t.Fatalf("expected d1 offered, got %q err=%v", got, err)
	}
	if n := f.notes.count("d1", dispatch.EventRideOffer); n != 1 {
		t.Fatalf("d1 got %d offers", n)
	}

	f.sched.Advance(10 * time.Second)
	q := f.queue(t)
	if fmt.Sprint(order(q)) != "[d2 d1]" {
		t.Fatalf("expected d1 at tail, order %v", order(q))
	}
	if q.Entries["d2"].Status != models.QueueOffered || q.ActiveOffers["r1"].DriverID != "d2" {
		t.Fatal("d2 was not offered the ride")
	}
	if f.notes.count("d1", dispatch.EventOfferExpired) != 1 {
		t.Fatal("d1 not told the offer lapsed")
	}

	if err := f.d.Respond(ctx, lotID, "d2", "r1", true); err != nil {
		t.Fatal(err)
	}
	ride, _ := f.rides.GetRide(ctx, "r1")
	if ride.Status != models.StatusDriverAssigned || ride.AssignedDriverID != "d2" {
		t.Fatalf("ride %s/%s", ride.Status, ride.AssignedDriverID)
	}
	if ride.ParkingQueueID != lotID || ride.ExpiresAt == nil {
		t.Fatal("ride not linked to the lot")
	}
	pos, err := f.d.Position(ctx, lotID, "d1")
	if err != nil || pos.Position != 1 || pos.Status != models.QueueWaiting {
		t.Fatalf("d1 position %+v err=%v", pos, err)
	}
	if _, err := f.d.Position(ctx, lotID, "d2"); !errors.Is(err, ErrNotInQueue) {
		t.Fatal("d2 should have left the queue")
	}
	if f.notes.count("rider-r1", dispatch.EventRideAssigned) != 1 {
		t.Fatal("rider not told about assignment")
	}
	if f.sched.Len() != 0 {
		t.Fatalf("%d timers left behind", f.sched.Len())
	}
}

func TestDeclineOffersNextAndConvergesOnDecliners(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1", "d2")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}

	if err := f.d.Respond(ctx, lotID, "d1", "r1", false); err != nil {
		t.Fatal(err)
	}
	if f.queue(t).ActiveOffers["r1"].DriverID != "d2" {
		t.Fatal("decline did not move the offer on")
	}
	if err := f.d.Respond(ctx, lotID, "d2", "r1", false); err != nil {
		t.Fatal(err)
	}
	// everyone has passed; the earliest decliner gets it again
	q := f.queue(t)
	if q.ActiveOffers["r1"].DriverID != "d1" {
		t.Fatalf("expected d1 re-offered, got %q", q.ActiveOffers["r1"].DriverID)
	}
	if f.notes.count("d1", dispatch.EventRideOffer) != 2 {
		t.Fatal("d1 should have two offers")
	}
	if err := f.d.Respond(ctx, lotID, "d2", "r1", true); !errors.Is(err, ErrNotOffered) {
		t.Fatalf("stale accept returned %v", err)
	}
}

func TestLateTimerIsNoop(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1", "d2")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}
	offeredAt := *f.queue(t).Entries["d1"].OfferedAt
	if err := f.d.Respond(ctx, lotID, "d1", "r1", true); err != nil {
		t.Fatal(err)
	}
	before := f.queue(t).Version
	f.d.onResponseTimeout(ctx, lotID, "r1", "d1", offeredAt)
	if f.queue(t).Version != before {
		t.Fatal("late timer mutated the queue")
	}
	if f.notes.count("d1", dispatch.EventOfferExpired) != 0 {
		t.Fatal("late timer notified the driver")
	}
}

func TestNoDriversWaitingThenJoinPicksUpRide(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	got, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1"))
	if err != nil || got != "" {
		t.Fatalf("expected no offer, got %q err=%v", got, err)
	}
	again, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1"))
	if err != nil || again != "" || len(f.queue(t).ActiveOffers) != 1 {
		t.Fatal("re-enqueue should be a no-op")
	}
	f.join(t, "d1")
	if f.queue(t).ActiveOffers["r1"].DriverID != "d1" {
		t.Fatal("joining driver did not receive the pending ride")
	}
}

func TestRideTimeoutCancelsOnce(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}
	// d1 never answers and keeps being re-offered until the ride gives up
	f.sched.Advance(31 * time.Minute)

	ride, _ := f.rides.GetRide(ctx, "r1")
	if ride.Status != models.StatusCancelled || ride.CancelReason != models.ReasonNoDrivers {
		t.Fatalf("ride %s/%s", ride.Status, ride.CancelReason)
	}
	if f.notes.count("rider-r1", dispatch.EventNoDrivers) != 1 || len(f.expired) != 1 {
		t.Fatal("expiry must be reported exactly once")
	}
	q := f.queue(t)
	if len(q.ActiveOffers) != 0 || q.Entries["d1"].Status != models.QueueWaiting {
		t.Fatalf("lot not cleaned up: %+v", q.Entries["d1"])
	}
	if f.sched.Len() != 0 {
		t.Fatalf("%d timers left behind", f.sched.Len())
	}
}

func TestAcceptAfterRideCancelledKeepsPlace(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1", "d2")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rides.UpdateStatus(ctx, "r1", models.StatusRequested, models.StatusCancelled, "", models.ReasonRiderCancelled); err != nil {
		t.Fatal(err)
	}
	if err := f.d.Respond(ctx, lotID, "d1", "r1", true); !errors.Is(err, ErrRideUnavailable) {
		t.Fatalf("expected ErrRideUnavailable, got %v", err)
	}
	q := f.queue(t)
	if fmt.Sprint(order(q)) != "[d1 d2]" || q.Entries["d1"].Status != models.QueueWaiting {
		t.Fatalf("d1 lost its place: %v", order(q))
	}
	if len(q.ActiveOffers) != 0 || f.sched.Len() != 0 {
		t.Fatal("cancelled ride still held by the lot")
	}
}

func TestAcceptStoreFailureRevertsToOffered(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}
	f.rides.fail = 1
	if err := f.d.Respond(ctx, lotID, "d1", "r1", true); err == nil {
		t.Fatal("expected store error")
	}
	if f.queue(t).Entries["d1"].Status != models.QueueOffered {
		t.Fatal("driver should still hold the offer")
	}
	if err := f.d.Respond(ctx, lotID, "d1", "r1", true); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptAfterWindowFails(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}
	_, err := f.store.Update(ctx, lotID, func(q *models.ParkingQueue) error {
		q.ActiveOffers["r1"].ExpiresAt = f.sched.Now().Add(-time.Second)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.d.Respond(ctx, lotID, "d1", "r1", true); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	ride, _ := f.rides.GetRide(ctx, "r1")
	if ride.Status != models.StatusRequested {
		t.Fatal("expired accept must not assign")
	}
}

func TestJoinRules(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 2)
	ctx := context.Background()
	f.join(t, "d1", "d2")

	pos, err := f.d.JoinQueue(ctx, lotID, "d1")
	if err != nil || pos.Position != 1 || pos.WaitTime != 2*time.Second {
		t.Fatalf("rejoin moved d1: %+v err=%v", pos, err)
	}
	if _, err := f.d.JoinQueue(ctx, lotID, "d3"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := f.d.LeaveQueue(ctx, lotID, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := f.d.LeaveQueue(ctx, lotID, "d1"); !errors.Is(err, ErrNotInQueue) {
		t.Fatalf("expected ErrNotInQueue, got %v", err)
	}
	pos, err = f.d.JoinQueue(ctx, lotID, "d3")
	if err != nil || pos.Position != 2 || pos.DriversAhead != 1 {
		t.Fatalf("d3 position %+v err=%v", pos, err)
	}

	_, err = f.store.Update(ctx, lotID, func(q *models.ParkingQueue) error {
		q.IsActive = false
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.JoinQueue(ctx, lotID, "d4"); !errors.Is(err, ErrQueueInactive) {
		t.Fatalf("expected ErrQueueInactive, got %v", err)
	}
	if _, err := f.d.QueueForAirport(ctx, "SFO"); !errors.Is(err, ErrNoActiveQueue) {
		t.Fatalf("expected ErrNoActiveQueue, got %v", err)
	}
}

func TestLeaveWhileOfferedPassesRideOn(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1", "d2")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}
	if err := f.d.LeaveQueue(ctx, lotID, "d1"); err != nil {
		t.Fatal(err)
	}
	if f.queue(t).ActiveOffers["r1"].DriverID != "d2" {
		t.Fatal("ride not passed to d2")
	}
	if f.sched.Pending(responseTimerID(lotID, "r1", "d1")) {
		t.Fatal("d1 timer still armed")
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1")
	r1, r2 := f.ride(t, "r1"), f.ride(t, "r2")
	if _, err := f.d.EnqueueRide(ctx, lotID, r1); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.d.EnqueueRide(ctx, lotID, r2); got != "" {
		t.Fatal("a driver must hold at most one offer")
	}
	f.d.Cancel(ctx, lotID, "r1")
	f.d.Cancel(ctx, lotID, "r1")
	q := f.queue(t)
	if _, ok := q.ActiveOffers["r1"]; ok {
		t.Fatal("r1 still in the lot")
	}
	if q.ActiveOffers["r2"].DriverID != "d1" {
		t.Fatal("freed driver should pick up r2")
	}
}

func TestConcurrentRidesNeverShareADriver(t *testing.T) {
	for name, store := range map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { s, _ := setupRedis(t); return s },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store(t), 0)
			ctx := context.Background()
			f.join(t, "d1", "d2", "d3")

			rides := make([]*models.RideRequest, 8)
			for i := range rides {
				rides[i] = f.ride(t, fmt.Sprintf("r%d", i))
			}
			start := make(chan struct{})
			var wg sync.WaitGroup
			for _, r := range rides {
				wg.Add(1)
				go func(r *models.RideRequest) {
					defer wg.Done()
					<-start
					if _, err := f.d.EnqueueRide(ctx, lotID, r); err != nil {
						t.Error(err)
					}
				}(r)
			}
			close(start)
			wg.Wait()

			q := f.queue(t)
			held := map[string]string{}
			for _, o := range q.ActiveOffers {
				if o.DriverID == "" {
					continue
				}
				if prev, dup := held[o.DriverID]; dup {
					t.Fatalf("%s holds %s and %s", o.DriverID, prev, o.RideID)
				}
				held[o.DriverID] = o.RideID
				if e := q.Entries[o.DriverID]; e.CurrentOfferID != o.RideID {
					t.Fatalf("entry %s points at %s, offer at %s", o.DriverID, e.CurrentOfferID, o.RideID)
				}
			}
			if len(held) != 3 || len(q.ActiveOffers) != 8 {
				t.Fatalf("held=%d offers=%d", len(held), len(q.ActiveOffers))
			}
		})
	}
}

func TestConcurrentAcceptsAssignOnce(t *testing.T) {
	f := newFixture(t, NewMemoryStore(), 0)
	ctx := context.Background()
	f.join(t, "d1")
	if _, err := f.d.EnqueueRide(ctx, lotID, f.ride(t, "r1")); err != nil {
		t.Fatal(err)
	}
	start := make(chan struct{})
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := f.d.Respond(ctx, lotID, "d1", "r1", true); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if ok != 1 {
		t.Fatalf("%d accepts succeeded", ok)
	}
	if f.notes.count("rider-r1", dispatch.EventRideAssigned) != 1 {
		t.Fatal("rider notified more than once")
	}
}
