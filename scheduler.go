package querycache

import "time"

// Timer is a pending callback registered with a Scheduler.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Scheduler is the time source and executor used for fetch attempts, retry
// delays, stale timers and garbage collection. Swap it in tests to drive time
// and goroutines by hand.
type Scheduler interface {
	Now() time.Time
	// Go runs f asynchronously.
	Go(f func())
	// AfterFunc runs f once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler runs work on goroutines and timers from the time package.
type RealScheduler struct{}

var _ Scheduler = RealScheduler{}

func (RealScheduler) Now() time.Time { return time.Now() }
func (RealScheduler) Go(f func())    { go f() }
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
