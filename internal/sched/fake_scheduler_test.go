package sched

import (
	"testing"
	"time"
)

func TestFakeEventScheduler_MultipleEventsInOrder(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)

	var order []string
	t1 := start.Add(10 * time.Second)
	t2 := start.Add(20 * time.Second)
	t3 := start.Add(30 * time.Second)

	s.Schedule(t3, func() { order = append(order, "e3") })
	s.Schedule(t1, func() { order = append(order, "e1") })
	s.Schedule(t2, func() { order = append(order, "e2") })

	s.AdvanceTo(t2)
	if len(order) != 2 || order[0] != "e1" || order[1] != "e2" {
		t.Fatalf("expected execution order [e1 e2], got %v", order)
	}

	s.AdvanceTo(t3)
	if len(order) != 3 || order[2] != "e3" {
		t.Fatalf("expected execution order [e1 e2 e3], got %v", order)
	}
}

func TestFakeEventScheduler_NowIsEventTimeInsideCallback(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)

	t1 := start.Add(15 * time.Millisecond)
	var seen, nested time.Time
	s.Schedule(t1, func() {
		seen = s.Now()
		After(s, 5*time.Millisecond, func() { nested = s.Now() })
	})

	s.AdvanceTo(start.Add(time.Second))
	if !seen.Equal(t1) {
		t.Fatalf("Now() inside callback = %v, want %v", seen, t1)
	}
	if want := t1.Add(5 * time.Millisecond); !nested.Equal(want) {
		t.Fatalf("nested callback ran at %v, want %v", nested, want)
	}
	if !s.Now().Equal(start.Add(time.Second)) {
		t.Fatalf("Now() after AdvanceTo = %v", s.Now())
	}
}

func TestFakeEventScheduler_Cancellation(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)

	var counter int
	t1 := start.Add(10 * time.Second)
	id := s.Schedule(t1, func() { counter++ })
	if !s.IsPending(id) {
		t.Fatalf("expected %s to be pending", id)
	}

	s.Cancel(id)
	if s.IsPending(id) || s.Pending() != 0 {
		t.Fatalf("expected no pending events after cancel")
	}

	s.AdvanceTo(t1)
	if counter != 0 {
		t.Fatalf("expected cancelled event to not run, counter=%d", counter)
	}
}

func TestFakeEventScheduler_MonotonicTime(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)

	t1 := start.Add(10 * time.Second)
	s.AdvanceTo(t1)
	s.AdvanceTo(start.Add(-5 * time.Second))

	if now := s.Now(); !now.Equal(t1) {
		t.Fatalf("expected time to remain t1 after backwards AdvanceTo, got %v", now)
	}
}

func TestFakeEventScheduler_EqualTimesRunInScheduleOrder(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)

	var order []string
	at := start.Add(time.Millisecond)
	s.Schedule(at, func() { order = append(order, "first") })
	s.Schedule(at, func() { order = append(order, "second") })

	s.Advance(time.Millisecond)
	if len(order) != 2 || order[0] != "first" {
		t.Fatalf("expected FIFO order, got %v", order)
	}
}
