// Package sched provides the cancellable timed-callback service every
// controller runs on. All mobility logic executes inside scheduler callbacks,
// one at a time, in timestamp order.
package sched

import (
	"container/heap"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/mobility-controller/timectrl"
)

// EventScheduler runs callbacks at simulation times read from a SimClock.
// Guard timers, time-to-trigger events and inter-controller message delivery
// are all scheduled events.
//
// The driving loop advances the clock and calls RunDue after each advance.
type EventScheduler interface {
	// Schedule registers f to run at simulation time at and returns an id
	// for Cancel. Events with equal times run in the order they were scheduled.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a scheduled event. Unknown ids and events that already ran
	// are ignored.
	Cancel(id string)

	Now() time.Time

	// RunDue executes every event due at Now(), including events that due
	// callbacks schedule for a time already reached.
	RunDue()
}

// Counter is implemented by schedulers that can report how many events are
// armed.
type Counter interface {
	Pending() int
}

// After schedules f to run d after the scheduler's current time.
func After(s EventScheduler, d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

type event struct {
	id        string
	when      time.Time
	seq       uint64
	f         func()
	cancelled bool
}

// eventQueue orders events by time, then by scheduling order.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(*event)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}

type eventScheduler struct {
	clock timectrl.SimClock

	mu    sync.Mutex
	seq   uint64
	queue eventQueue
	armed map[string]*event
}

// NewEventScheduler returns a scheduler reading time from clock. The result
// also implements Counter.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		armed: make(map[string]*event),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := &event{
		id:   "ev-" + strconv.FormatUint(s.seq, 10),
		when: at,
		seq:  s.seq,
		f:    f,
	}
	heap.Push(&s.queue, ev)
	s.armed[ev.id] = ev
	return ev.id
}

// Cancel marks the event dead; RunDue discards it when it reaches the head.
func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.armed[id]; ok {
		ev.cancelled = true
		delete(s.armed, id)
	}
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// next pops the earliest live event due at now, or returns nil.
func (s *eventScheduler) next(now time.Time) *event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if !head.cancelled && head.when.After(now) {
			return nil
		}
		heap.Pop(&s.queue)
		if head.cancelled {
			continue
		}
		delete(s.armed, head.id)
		return head
	}
	return nil
}

func (s *eventScheduler) RunDue() {
	now := s.clock.Now()
	for ev := s.next(now); ev != nil; ev = s.next(now) {
		// Callbacks run unlocked so they can schedule and cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}
