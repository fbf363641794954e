// Package clock lets lock coordination code read time and arm timers through
// an interface so budgets, wait timeouts and idle sweeps can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the time source used by lock coordinators and sweepers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Remaining subtracts the time elapsed since last from budget and returns the
// new budget together with the current time. The budget never drops below
// zero.
func Remaining(c Clock, budget time.Duration, last time.Time) (time.Duration, time.Time) {
	now := c.Now()
	budget -= now.Sub(last)
	if budget < 0 {
		budget = 0
	}
	return budget, now
}
