// Package timer schedules single delayed actions that can be cancelled without
// racing the firing goroutine.
//
// Each [Handle] moves exactly once out of the pending state: either the timer
// fires (and the action runs) or [Handle.Cancel] wins. The transition is a
// single compare-and-swap, so a cancelled handle never runs its action and a
// fired handle never reports itself as cancelled. Cancel never blocks on an
// action that is already running; owners that need stronger guarantees must
// re-check their own identity inside the action.
package timer

import (
	"sync/atomic"
	"time"
)

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

// Scheduler creates [Handle] values backed by a [Clock]. The zero value is not
// usable; create one with [New].
type Scheduler struct {
	clock Clock
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock replaces the wall clock. Tests use [ManualClock].
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// New returns a Scheduler using the real clock unless overridden.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{clock: realClock{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle is one scheduled action.
type Handle struct {
	state    atomic.Int32
	deadline time.Time
	stopper  Stopper
}

// Schedule arranges for action to run once after delay on the clock's goroutine.
func (s *Scheduler) Schedule(delay time.Duration, action func()) *Handle {
	h := &Handle{deadline: s.clock.Now().Add(delay)}
	h.stopper = s.clock.AfterFunc(delay, func() {
		if !h.state.CompareAndSwap(statePending, stateFired) {
			return
		}
		action()
	})
	return h
}

// Cancel prevents the action from running. It reports whether this call
// cancelled a pending action; it returns false if the handle already fired or
// was already cancelled. Safe to call on a nil Handle and any number of times.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	if !h.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	if h.stopper != nil {
		h.stopper.Stop()
	}
	return true
}

// Cancelled reports whether Cancel won against firing.
func (h *Handle) Cancelled() bool {
	return h != nil && h.state.Load() == stateCancelled
}

// Fired reports whether the action was started.
func (h *Handle) Fired() bool {
	return h != nil && h.state.Load() == stateFired
}

// Deadline returns the time at which the action is due.
func (h *Handle) Deadline() time.Time {
	if h == nil {
		return time.Time{}
	}
	return h.deadline
}
