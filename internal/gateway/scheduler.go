package gateway

import "time"

// Scheduler runs deferred continuations. The manager never blocks a caller
// on a delay; every wait goes through AfterFunc.
type Scheduler interface {
	// AfterFunc runs f after d on its own goroutine. The returned function
	// cancels the call if it has not started yet.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// timerScheduler is the production Scheduler backed by time.AfterFunc.
type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}
