package timerx

import (
	"context"
	"time"
)

// Reset safely stops, drains, and resets a timer.
func Reset(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		Drain(t)
	}
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

// Drain empties a fired timer's channel without blocking.
func Drain(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// Sleep waits d, returning false early if ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
