// Package device models an asynchronous execution device: ordered streams of
// submitted operations and timestamp marks captured when a stream reaches them.
package device

import (
	"errors"
	"time"
)

// Mark is an opaque handle to a device-side timestamp placeholder.
type Mark uint64

// Stream identifies an ordered execution sequence on a device.
type Stream uint32

// DefaultStream is the implicit sequence used when none is specified.
const DefaultStream Stream = 0

// DefaultResolution is the granularity of captured timestamps.
const DefaultResolution = 500 * time.Nanosecond

var (
	ErrMarkLimit       = errors.New("mark capacity exhausted")
	ErrUnknownMark     = errors.New("unknown mark")
	ErrMarkNotRecorded = errors.New("mark has not been recorded")
	ErrNotReady        = errors.New("mark capture still pending")
	ErrDeviceClosed    = errors.New("device is closed")
	ErrKernelFailed    = errors.New("kernel execution failed")
)

// Device is the execution environment seen by timers.
type Device interface {
	// CreateMark allocates a new unrecorded mark.
	CreateMark() (Mark, error)
	// DestroyMark releases a mark. Pending captures for it are discarded.
	DestroyMark(m Mark) error
	// RecordMark submits m to stream s. It returns once the submission is
	// queued; the timestamp is captured when the stream reaches it.
	RecordMark(m Mark, s Stream) error
	// SynchronizeMark blocks until the most recent submission of m has been
	// captured. A mark that was never recorded returns immediately.
	SynchronizeMark(m Mark) error
	// ElapsedTime returns stop minus start in milliseconds. Both marks must
	// have completed their most recent capture.
	ElapsedTime(start, stop Mark) (float32, error)
}

// Clock is a device timeline, measured from the device epoch.
type Clock interface {
	Now() time.Duration
}

// HostClock reads the host monotonic clock relative to its creation.
type HostClock struct {
	base time.Time
}

func NewHostClock() *HostClock {
	return &HostClock{base: time.Now()}
}

func (c *HostClock) Now() time.Duration {
	return time.Since(c.base)
}
