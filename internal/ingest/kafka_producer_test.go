package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestPublishLocationKeysByDriver(t *testing.T) {
	loc, ev := &fakeWriter{}, &fakeWriter{}
	k := &KafkaProducer{locations: loc, events: ev}
	d := models.DriverLocation{DriverID: "d1", Loc: models.Point{Lat: 1, Lng: 2}, Status: models.DriverOnline}
	if err := k.PublishLocation(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(loc.msgs) != 1 || string(loc.msgs[0].Key) != "d1" || len(ev.msgs) != 0 {
		t.Fatalf("unexpected writes loc=%d ev=%d", len(loc.msgs), len(ev.msgs))
	}
	var got models.DriverLocation
	if err := json.Unmarshal(loc.msgs[0].Value, &got); err != nil || got.Loc.Lng != 2 {
		t.Fatalf("bad payload %s", loc.msgs[0].Value)
	}
}

func TestNotifyWritesEvent(t *testing.T) {
	loc, ev := &fakeWriter{}, &fakeWriter{}
	k := &KafkaProducer{locations: loc, events: ev}
	if err := k.Notify(context.Background(), "r1", "no_drivers_available", map[string]string{"ride_id": "x"}); err != nil {
		t.Fatal(err)
	}
	var e Event
	if err := json.Unmarshal(ev.msgs[0].Value, &e); err != nil {
		t.Fatal(err)
	}
	if e.UserID != "r1" || e.Event != "no_drivers_available" {
		t.Fatalf("unexpected event %+v", e)
	}
	_ = k.Close()
	if !loc.closed || !ev.closed {
		t.Fatal("writers not closed")
	}
}
