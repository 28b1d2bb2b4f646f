package runtime

import "time"

// Clock abstracts wall-clock time so generation tests can run with a
// deterministic fake instead of real sleeps, the same seam the design
// notes (spec.md §9) call for in place of a captured g_network.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock, delegating straight to the time
// package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
