// Package clock provides an injectable time source so that heartbeat,
// lease, and session-expiry logic can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used throughout phonon instead of calling
// time.Now directly. Grounded on the nowFn field in
// cluster.MemoryCoordinator, generalized into a shared abstraction so every
// package (lock, nodelist, update, lru) can be tested without real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// Real is the production Clock backed by the standard library.
type Real struct{}

func (Real) Now() time.Time                        { return time.Now() }
func (Real) Sleep(d time.Duration)                  { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// System is the shared Real clock instance.
var System Clock = Real{}

// NowMillis returns the current time in the epoch-millisecond representation
// used by the heartbeat and nodelist keyspaces (spec.md DATA MODEL).
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}
