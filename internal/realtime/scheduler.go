package realtime

import "time"

// Task is a scheduled callback that can be cancelled before it fires.
type Task interface {
	// Stop cancels the task and reports whether it was still pending.
	Stop() bool
}

// Scheduler runs a callback after a delay. The reconnect loop uses it so a
// pending retry can be cancelled at sign-out.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Task
}

// ClockScheduler schedules on the wall clock.
type ClockScheduler struct{}

func (ClockScheduler) AfterFunc(d time.Duration, fn func()) Task {
	return time.AfterFunc(d, fn)
}
