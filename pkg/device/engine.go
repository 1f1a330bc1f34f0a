package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"

	"github.com/D13ya/gputimer/internal/syncutils"
	"github.com/D13ya/gputimer/pkg/logger"
)

// Kernel is a unit of work executed in stream order.
type Kernel func() error

type markState struct {
	submitted uint64
	captured  uint64
	stamp     time.Duration
	destroyed bool
}

type op struct {
	mark   Mark
	gen    uint64
	kernel Kernel
}

type stream struct {
	ops deque.Deque[op]
}

// EngineConfig tunes an Engine.
type EngineConfig struct {
	// MaxMarks caps live marks. Zero means unlimited.
	MaxMarks int
	// Resolution is the timer granularity. Intervals are rounded up to a
	// multiple of it so they never come out shorter than the work they span.
	// Zero disables rounding.
	Resolution time.Duration
	// BeforeCapture runs on the stream worker right before a mark is stamped.
	BeforeCapture func()
	Logger        *zerolog.Logger
}

// Engine implements Device on top of a Clock. Every stream is drained by its
// own worker goroutine, so operations on one stream run strictly in order.
type Engine struct {
	clock Clock
	cfg   EngineConfig
	log   zerolog.Logger

	mu       syncutils.Mutex
	cond     *sync.Cond
	marks    map[Mark]*markState
	nextMark Mark
	streams  map[Stream]*stream
	fault    error
	closed   bool
	wg       sync.WaitGroup
}

var _ Device = (*Engine)(nil)

func NewEngine(clock Clock, cfg EngineConfig) *Engine {
	log := logger.New("device")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	e := &Engine{
		clock:   clock,
		cfg:     cfg,
		log:     log,
		marks:   make(map[Mark]*markState),
		streams: make(map[Stream]*stream),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Engine) CreateMark() (Mark, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrDeviceClosed
	}
	if e.cfg.MaxMarks > 0 && len(e.marks) >= e.cfg.MaxMarks {
		return 0, fmt.Errorf("%w: %d live", ErrMarkLimit, len(e.marks))
	}
	e.nextMark++
	e.marks[e.nextMark] = &markState{}
	return e.nextMark, nil
}

func (e *Engine) DestroyMark(m Mark) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.marks[m]
	if !ok {
		return ErrUnknownMark
	}
	ms.destroyed = true
	delete(e.marks, m)
	e.cond.Broadcast()
	return nil
}

func (e *Engine) RecordMark(m Mark, s Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.marks[m]
	if !ok {
		return ErrUnknownMark
	}
	if e.closed {
		return ErrDeviceClosed
	}
	ms.submitted++
	e.enqueueLocked(s, op{mark: m, gen: ms.submitted})
	return nil
}

// Submit queues a kernel on stream s.
func (e *Engine) Submit(s Stream, k Kernel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrDeviceClosed
	}
	e.enqueueLocked(s, op{kernel: k})
	return nil
}

func (e *Engine) SynchronizeMark(m Mark) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.marks[m]
	if !ok {
		return ErrUnknownMark
	}
	target := ms.submitted
	for ms.captured < target && !ms.destroyed {
		e.cond.Wait()
	}
	if ms.destroyed {
		return ErrUnknownMark
	}
	if e.fault != nil {
		return fmt.Errorf("%w: %w", ErrKernelFailed, e.fault)
	}
	return nil
}

func (e *Engine) ElapsedTime(start, stop Mark) (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.marks[start]
	if !ok {
		return 0, fmt.Errorf("start: %w", ErrUnknownMark)
	}
	b, ok := e.marks[stop]
	if !ok {
		return 0, fmt.Errorf("stop: %w", ErrUnknownMark)
	}
	if a.submitted == 0 || b.submitted == 0 {
		return 0, ErrMarkNotRecorded
	}
	if a.captured < a.submitted || b.captured < b.submitted {
		return 0, ErrNotReady
	}
	d := e.roundUp(b.stamp - a.stamp)
	return float32(float64(d) / float64(time.Millisecond)), nil
}

// LiveMarks reports how many marks are currently allocated.
func (e *Engine) LiveMarks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.marks)
}

// Close drains every stream and stops the workers. Marks still allocated are
// dropped.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.marks); n > 0 {
		e.log.Warn().Int("marks", n).Msg("closing device with live marks")
		for m, ms := range e.marks {
			ms.destroyed = true
			delete(e.marks, m)
		}
		e.cond.Broadcast()
	}
	return nil
}

func (e *Engine) enqueueLocked(s Stream, o op) {
	st, ok := e.streams[s]
	if !ok {
		st = &stream{}
		e.streams[s] = st
		e.wg.Add(1)
		go e.drain(s, st)
	}
	st.ops.PushBack(o)
	e.cond.Broadcast()
}

func (e *Engine) drain(id Stream, st *stream) {
	defer e.wg.Done()

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		for st.ops.Len() == 0 && !e.closed {
			e.cond.Wait()
		}
		if st.ops.Len() == 0 {
			return
		}
		o := st.ops.PopFront()

		if o.kernel != nil {
			e.mu.Unlock()
			err := o.kernel()
			e.mu.Lock()
			if err != nil {
				e.log.Error().Err(err).Uint32("stream", uint32(id)).Msg("kernel failed")
				if e.fault == nil {
					e.fault = err
				}
			}
			continue
		}

		ms, ok := e.marks[o.mark]
		if !ok {
			continue
		}
		if e.cfg.BeforeCapture != nil {
			e.cfg.BeforeCapture()
		}
		ms.stamp = e.clock.Now()
		ms.captured = o.gen
		e.cond.Broadcast()
	}
}

// roundUp rounds a non-negative interval up to the configured resolution.
func (e *Engine) roundUp(d time.Duration) time.Duration {
	res := e.cfg.Resolution
	if res <= 0 || d <= 0 {
		return d
	}
	if r := d % res; r != 0 {
		d += res - r
	}
	return d
}
