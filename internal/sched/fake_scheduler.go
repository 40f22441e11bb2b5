package sched

import (
	"container/heap"
	"strconv"
	"sync"
	"time"
)

// FakeEventScheduler is an EventScheduler with its own clock that tests move
// explicitly.
//
// AdvanceTo moves time event by event: while a callback runs, Now() reports
// that callback's scheduled time, so delays computed inside callbacks are exact.
type FakeEventScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	queue eventQueue
	armed map[string]*event
}

// NewFakeEventScheduler returns a scheduler whose clock starts at start.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{
		now:   start,
		armed: make(map[string]*event),
	}
}

func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeEventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := &event{
		id:   "fake-ev-" + strconv.FormatUint(s.seq, 10),
		when: at,
		seq:  s.seq,
		f:    f,
	}
	heap.Push(&s.queue, ev)
	s.armed[ev.id] = ev
	return ev.id
}

func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.armed[id]; ok {
		ev.cancelled = true
		delete(s.armed, id)
	}
}

// Pending returns the number of events that have neither run nor been cancelled.
func (s *FakeEventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// IsPending reports whether the event id is still armed.
func (s *FakeEventScheduler) IsPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[id]
	return ok
}

func (s *FakeEventScheduler) RunDue() {
	s.runUntil(s.Now())
}

// AdvanceTo runs every event due up to t in time order, then leaves the clock
// at t. Times in the past are ignored.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	if t.Before(s.Now()) {
		return
	}
	s.runUntil(t)

	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Advance moves time forward by d. See AdvanceTo.
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

func (s *FakeEventScheduler) runUntil(limit time.Time) {
	for {
		s.mu.Lock()
		var ev *event
		for s.queue.Len() > 0 {
			head := s.queue[0]
			if !head.cancelled && head.when.After(limit) {
				break
			}
			heap.Pop(&s.queue)
			if !head.cancelled {
				ev = head
				break
			}
		}
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.armed, ev.id)
		if ev.when.After(s.now) {
			s.now = ev.when
		}
		s.mu.Unlock()

		if ev.f != nil {
			ev.f()
		}
	}
}
