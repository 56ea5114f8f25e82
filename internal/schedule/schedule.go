// Package schedule abstracts delayed callbacks so that session timers can be
// driven by a virtual clock in tests.
package schedule

import "time"

// Timer is a pending callback
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already
	// fired or was stopped.
	Stop() bool
}

// Scheduler runs f once after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Real schedules on the runtime timer heap
type Real struct{}

// AfterFunc implements Scheduler
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
