package store

import "time"

// Throttle collapses bursts of updates into one write. The first Touch opens
// a window of the configured delay; Due reports true once when it closes.
// It has no goroutine of its own and is polled by the owner.
type Throttle struct {
	delay time.Duration
	due   time.Time
	armed bool
}

// NewThrottle creates a throttle with the given delay.
func NewThrottle(delay time.Duration) *Throttle {
	return &Throttle{delay: delay}
}

// Touch records an update at now.
func (t *Throttle) Touch(now time.Time) {
	if t.armed {
		return
	}
	t.armed = true
	t.due = now.Add(t.delay)
}

// Due reports whether a write should happen at now and disarms the throttle
// if so.
func (t *Throttle) Due(now time.Time) bool {
	if !t.armed || now.Before(t.due) {
		return false
	}
	t.armed = false
	return true
}

// Pending reports whether an update is waiting to be written.
func (t *Throttle) Pending() bool {
	return t.armed
}

// Take disarms the throttle and reports whether an update was waiting. Used
// on shutdown to force the final write.
func (t *Throttle) Take() bool {
	was := t.armed
	t.armed = false
	return was
}
