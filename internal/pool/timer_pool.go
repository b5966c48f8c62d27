// Package pool provides pooled time.Timer instances for the many short-lived
// timeout waits in the command and retry paths.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer set to fire after d, taken from the pool when possible.
//
// Return the timer to the pool with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	v := timerPool.Get()
	if v == nil {
		return time.NewTimer(d)
	}

	t, _ := v.(*time.Timer)
	if t.Reset(d) {
		// The timer was still active; drain any pending fire so the caller
		// only observes the new deadline.
		select {
		case <-t.C:
		default:
		}
	}

	return t
}

// PutTimer returns a timer to the pool.
//
// t must not be accessed after being returned.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
