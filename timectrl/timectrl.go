package timectrl

import (
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Controllers and the
// event scheduler depend on this abstraction rather than on wall-clock time so
// runs are reproducible.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

type waiter struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time

	listeners []func(time.Time)
	waiters   []waiter
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock to t without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
	tc.releaseWaiters(t)
}

// After returns a channel that receives the simulation time once d has elapsed
// in simulation time. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
	} else {
		tc.waiters = append(tc.waiters, waiter{at: at, ch: ch})
	}
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step advances simulation time by one Tick and runs every listener
// synchronously. It returns the new simulation time.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	now := tc.currentTime
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	tc.releaseWaiters(now)
	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Run steps the controller synchronously until duration of simulation time
// has elapsed. It ignores Mode and never sleeps.
func (tc *TimeController) Run(duration time.Duration) {
	for elapsed := time.Duration(0); elapsed < duration; elapsed += tc.Tick {
		tc.Step()
	}
}

// Start runs the controller for the specified duration in a separate goroutine.
// A zero duration runs until stop is closed. It returns a channel that is
// closed when the controller finishes.
func (tc *TimeController) Start(duration time.Duration, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		tc.currentTime = tc.StartTime
		tc.mu.Unlock()

		if tc.Mode == Accelerated {
			for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += tc.Tick {
				select {
				case <-stop:
					return
				default:
				}
				tc.Step()
			}
			return
		}

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += tc.Tick {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			tc.Step()
		}
	}()
	return done
}

func (tc *TimeController) releaseWaiters(now time.Time) {
	tc.mu.Lock()
	kept := tc.waiters[:0]
	var fire []waiter
	for _, w := range tc.waiters {
		if !w.at.After(now) {
			fire = append(fire, w)
			continue
		}
		kept = append(kept, w)
	}
	tc.waiters = kept
	tc.mu.Unlock()

	for _, w := range fire {
		w.ch <- now
	}
}
