// Package profiler measures durations. Timer reads the host clock; ElapsedTimer
// reads the clock of the device that executes the measured work.
package profiler

import "time"

// Timer is a lightweight host-side timing helper for instrumentation.
type Timer struct {
	start time.Time
}

func Start() Timer {
	return Timer{start: time.Now()}
}

func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Milliseconds reports Elapsed in the unit device timers use.
func (t Timer) Milliseconds() float64 {
	return float64(t.Elapsed()) / float64(time.Millisecond)
}
