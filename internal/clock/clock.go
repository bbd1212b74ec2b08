// Package clock abstracts time so that timers driving the voice loop can be
// replaced by a manually advanced fake in tests.
package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped the timer
	// before it fired.
	Stop() bool
}

// Clock provides the current time and deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns a [Clock] backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
