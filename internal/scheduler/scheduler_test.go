package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newPool(t *testing.T) *Pool {
	p := NewPool(4, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func TestAfterRunsOnce(t *testing.T) {
	p := newPool(t)
	done := make(chan struct{}, 2)
	p.After("once", 5*time.Millisecond, func(context.Context) { done <- struct{}{} })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	time.Sleep(20 * time.Millisecond)
	if len(done) != 0 {
		t.Fatal("job ran twice")
	}
	if p.Pending("once") {
		t.Fatal("one-shot should not stay pending")
	}
}

func TestEveryDoesNotOverlap(t *testing.T) {
	p := newPool(t)
	var running, overlaps, runs int32
	p.Every("tick", time.Millisecond, func(context.Context) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(3 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&runs, 1)
	})
	time.Sleep(50 * time.Millisecond)
	p.Cancel("tick")

	if atomic.LoadInt32(&runs) < 2 {
		t.Fatalf("expected repeated runs, got %d", runs)
	}
	if atomic.LoadInt32(&overlaps) != 0 {
		t.Fatal("runs of one id overlapped")
	}
}

func TestCancelStopsFutureRuns(t *testing.T) {
	p := newPool(t)
	var runs int32
	p.Every("tick", 2*time.Millisecond, func(context.Context) { atomic.AddInt32(&runs, 1) })
	time.Sleep(15 * time.Millisecond)
	p.Cancel("tick")
	time.Sleep(5 * time.Millisecond)
	after := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&runs) != after {
		t.Fatal("job kept running after cancel")
	}
}

func TestScheduleReplacesSameID(t *testing.T) {
	p := newPool(t)
	var first, second int32
	p.After("job", 10*time.Millisecond, func(context.Context) { atomic.AddInt32(&first, 1) })
	p.After("job", 10*time.Millisecond, func(context.Context) { atomic.AddInt32(&second, 1) })
	time.Sleep(40 * time.Millisecond)
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d", first, second)
	}
}

func TestCancelPrefix(t *testing.T) {
	p := newPool(t)
	noop := func(context.Context) {}
	p.After("offer:q1:r1:d1", time.Hour, noop)
	p.After("offer:q1:r1:d2", time.Hour, noop)
	p.After("offer:q1:r2:d1", time.Hour, noop)
	p.CancelPrefix("offer:q1:r1:")
	if p.Pending("offer:q1:r1:d1") || p.Pending("offer:q1:r1:d2") {
		t.Fatal("prefix not cancelled")
	}
	if !p.Pending("offer:q1:r2:d1") {
		t.Fatal("unrelated job cancelled")
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(1, nil)
	defer p.Stop(context.Background())
	p.After("boom", 0, func(context.Context) { panic("boom") })
	done := make(chan struct{})
	p.After("ok", 5*time.Millisecond, func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestManualAdvanceRunsInDueOrder(t *testing.T) {
	m := NewManual(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	var order []string
	m.After("b", 2*time.Second, func(context.Context) { order = append(order, "b") })
	m.After("a", time.Second, func(context.Context) { order = append(order, "a") })
	ticks := 0
	m.Every("t", 5*time.Second, func(context.Context) {
		ticks++
		if ticks == 3 {
			m.Cancel("t")
		}
	})

	m.Advance(time.Minute)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty schedule, got %d", m.Len())
	}
}
