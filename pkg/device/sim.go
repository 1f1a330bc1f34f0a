package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// VirtualClock is a deterministic device timeline advanced only by simulated
// work.
type VirtualClock struct {
	now atomic.Int64
}

func (c *VirtualClock) Now() time.Duration {
	return time.Duration(c.now.Load())
}

func (c *VirtualClock) Advance(d time.Duration) {
	if d > 0 {
		c.now.Add(int64(d))
	}
}

// SimConfig describes a simulated device.
type SimConfig struct {
	MaxMarks   int
	Resolution time.Duration
	// MarkOverhead is added to the device clock each time a mark is captured.
	MarkOverhead time.Duration
	// Latency is real time a kernel occupies its stream worker, so callers
	// waiting on a mark actually block.
	Latency time.Duration
	Logger  *zerolog.Logger
}

// DefaultSimConfig returns a simulated device with the usual event timer
// resolution and no artificial latency.
func DefaultSimConfig() SimConfig {
	return SimConfig{Resolution: DefaultResolution}
}

// SimDevice runs kernels on a virtual clock. Kernel cost is charged to the
// clock exactly, which makes measured intervals reproducible.
type SimDevice struct {
	*Engine
	clock *VirtualClock
	cfg   SimConfig

	mu       sync.Mutex
	failNext error
}

func NewSimDevice(cfg SimConfig) *SimDevice {
	clock := &VirtualClock{}
	d := &SimDevice{clock: clock, cfg: cfg}
	d.Engine = NewEngine(clock, EngineConfig{
		MaxMarks:   cfg.MaxMarks,
		Resolution: cfg.Resolution,
		BeforeCapture: func() {
			clock.Advance(cfg.MarkOverhead)
		},
		Logger: cfg.Logger,
	})
	return d
}

// Launch queues a kernel that costs the given device time on stream s.
func (d *SimDevice) Launch(s Stream, cost time.Duration) error {
	return d.Submit(s, func() error {
		if d.cfg.Latency > 0 {
			time.Sleep(d.cfg.Latency)
		}
		d.clock.Advance(cost)
		return d.takeFault()
	})
}

// FailNext makes the next kernel executed on any stream fail with err.
func (d *SimDevice) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

// Now reports the current device time.
func (d *SimDevice) Now() time.Duration {
	return d.clock.Now()
}

func (d *SimDevice) takeFault() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.failNext
	d.failNext = nil
	return err
}
