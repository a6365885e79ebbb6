package process

import (
	"errors"
	"fmt"
	"time"
)

// ErrClockRegression is returned when a tick instant lies before the start of
// the run or before the previous tick.
var ErrClockRegression = errors.New("monotonic clock went backwards")

// Timer tracks elapsed deposition time against a target duration.
//
// Instants are expected to carry a monotonic clock reading (time.Now and
// Time.Add preserve it), so wall clock adjustments do not affect elapsed time.
type Timer struct {
	target time.Duration

	start   time.Time
	last    time.Time
	elapsed time.Duration
	running bool
}

// NewTimer creates a timer for a process of the given duration.
func NewTimer(target time.Duration) *Timer {
	return &Timer{target: target}
}

// Start records the run start instant and resets the elapsed time.
func (t *Timer) Start(now time.Time) {
	t.start = now
	t.last = now
	t.elapsed = 0
	t.running = true
}

// Tick recomputes the elapsed time from now and returns it.
// A stopped timer returns the frozen elapsed time.
func (t *Timer) Tick(now time.Time) (time.Duration, error) {
	if !t.running {
		return t.elapsed, nil
	}

	if now.Before(t.start) {
		return t.elapsed, fmt.Errorf("%w: %s before run start", ErrClockRegression, t.start.Sub(now))
	}
	if now.Before(t.last) {
		return t.elapsed, fmt.Errorf("%w: %s before previous tick", ErrClockRegression, t.last.Sub(now))
	}

	t.last = now
	t.elapsed = now.Sub(t.start)
	return t.elapsed, nil
}

// Stop freezes the clock.
func (t *Timer) Stop() {
	t.running = false
}

// IsComplete reports whether the elapsed time has reached the target.
func (t *Timer) IsComplete() bool {
	return t.elapsed >= t.target
}

// Elapsed returns the elapsed time as of the last tick.
func (t *Timer) Elapsed() time.Duration {
	return t.elapsed
}

// Remaining returns the time left until the target, never negative.
func (t *Timer) Remaining() time.Duration {
	if t.elapsed >= t.target {
		return 0
	}
	return t.target - t.elapsed
}

// Target returns the configured process duration.
func (t *Timer) Target() time.Duration {
	return t.target
}

// StartedAt returns the run start instant.
func (t *Timer) StartedAt() time.Time {
	return t.start
}

// Running reports whether the timer has been started and not stopped.
func (t *Timer) Running() bool {
	return t.running
}
