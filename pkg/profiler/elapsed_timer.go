package profiler

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/D13ya/gputimer/pkg/device"
	"github.com/D13ya/gputimer/pkg/logger"
)

var (
	ErrResourceExhausted = errors.New("timer marks could not be allocated")
	ErrInvalidState      = errors.New("timer has no completed start/stop cycle")
)

type timerState int

const (
	stateUnarmed timerState = iota
	stateStarted
	stateStopped
)

func (s timerState) String() string {
	switch s {
	case stateUnarmed:
		return "unarmed"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TimerOption configures an ElapsedTimer.
type TimerOption func(*ElapsedTimer)

// WithStream binds the timer to stream s instead of the default stream.
func WithStream(s device.Stream) TimerOption {
	return func(t *ElapsedTimer) { t.stream = s }
}

// WithLogger sets the logger used for debug and teardown messages.
func WithLogger(log zerolog.Logger) TimerOption {
	return func(t *ElapsedTimer) { t.log = log }
}

// markPair is what teardown needs; it must not point back at the timer so the
// GC cleanup can run.
type markPair struct {
	dev         device.Device
	start, stop device.Mark
	log         zerolog.Logger
}

func (p markPair) release() {
	if err := p.dev.DestroyMark(p.start); err != nil {
		p.log.Warn().Err(err).Uint64("mark", uint64(p.start)).Msg("release start mark")
	}
	if err := p.dev.DestroyMark(p.stop); err != nil {
		p.log.Warn().Err(err).Uint64("mark", uint64(p.stop)).Msg("release stop mark")
	}
}

// ElapsedTimer measures device time between a start and a stop mark recorded
// into one stream. It is not safe for concurrent use.
//
//	t, err := profiler.NewElapsedTimer(dev)
//	if err != nil { ... }
//	defer t.Close()
//	t.Start()
//	// submit work
//	t.Stop()
//	ms, err := t.Elapsed()
type ElapsedTimer struct {
	marks   markPair
	stream  device.Stream
	state   timerState
	lastErr error
	closed  bool
	cleanup runtime.Cleanup
	log     zerolog.Logger
}

// NewElapsedTimer allocates the start and stop marks on dev. Failure to
// allocate either is reported as ErrResourceExhausted and leaves nothing
// allocated.
func NewElapsedTimer(dev device.Device, opts ...TimerOption) (*ElapsedTimer, error) {
	t := &ElapsedTimer{
		stream: device.DefaultStream,
		log:    logger.New("timer"),
	}
	for _, opt := range opts {
		opt(t)
	}

	start, err := dev.CreateMark()
	if err != nil {
		return nil, fmt.Errorf("%w: start mark: %w", ErrResourceExhausted, err)
	}
	stop, err := dev.CreateMark()
	if err != nil {
		if derr := dev.DestroyMark(start); derr != nil {
			t.log.Warn().Err(derr).Msg("release start mark after failed construction")
		}
		return nil, fmt.Errorf("%w: stop mark: %w", ErrResourceExhausted, err)
	}

	t.marks = markPair{dev: dev, start: start, stop: stop, log: t.log}
	t.cleanup = runtime.AddCleanup(t, markPair.release, t.marks)
	return t, nil
}

// Start records the start mark. It never blocks and restarts any cycle in
// progress.
func (t *ElapsedTimer) Start() {
	if t.closed {
		t.log.Debug().Msg("start on closed timer ignored")
		return
	}
	if err := t.marks.dev.RecordMark(t.marks.start, t.stream); err != nil {
		t.state = stateUnarmed
		t.lastErr = err
		return
	}
	t.state = stateStarted
	t.lastErr = nil
}

// Stop records the stop mark. A Stop without a preceding Start is ignored;
// a repeated Stop moves the stop mark later.
func (t *ElapsedTimer) Stop() {
	if t.closed {
		t.log.Debug().Msg("stop on closed timer ignored")
		return
	}
	if t.state == stateUnarmed {
		t.log.Debug().Msg("stop without start ignored")
		return
	}
	if err := t.marks.dev.RecordMark(t.marks.stop, t.stream); err != nil {
		t.state = stateUnarmed
		t.lastErr = err
		return
	}
	t.state = stateStopped
}

// Elapsed waits for the device to reach the stop mark and returns the time
// between the marks in milliseconds.
func (t *ElapsedTimer) Elapsed() (float32, error) {
	if t.closed {
		return 0, fmt.Errorf("%w: timer closed", ErrInvalidState)
	}
	if t.state != stateStopped {
		if t.lastErr != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidState, t.lastErr)
		}
		return 0, fmt.Errorf("%w: timer is %s", ErrInvalidState, t.state)
	}
	if err := t.marks.dev.SynchronizeMark(t.marks.stop); err != nil {
		return 0, fmt.Errorf("synchronize stop mark: %w", err)
	}
	ms, err := t.marks.dev.ElapsedTime(t.marks.start, t.marks.stop)
	if err != nil {
		return 0, fmt.Errorf("elapsed time: %w", err)
	}
	return ms, nil
}

// Close releases both marks. It is idempotent and never fails; release errors
// are logged.
func (t *ElapsedTimer) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.cleanup.Stop()
	t.marks.release()
}
