package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/D13ya/gputimer/internal/storage"
	"github.com/D13ya/gputimer/pkg/device"
	"github.com/D13ya/gputimer/pkg/logger"
	"github.com/D13ya/gputimer/pkg/profiler"
)

var ErrNoIterations = errors.New("iterations must be positive")

// Workload submits the work being measured to a stream without waiting for it.
type Workload interface {
	Name() string
	Submit(s device.Stream) error
}

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	Label  string
	Stream device.Stream
	Logger *zerolog.Logger
}

// Runner times a workload repeatedly with a single ElapsedTimer.
type Runner struct {
	dev     device.Device
	work    Workload
	journal storage.Recorder
	cfg     RunnerConfig
	log     zerolog.Logger
}

// NewRunner creates a runner. journal may be nil.
func NewRunner(dev device.Device, work Workload, journal storage.Recorder, cfg RunnerConfig) *Runner {
	log := logger.New("runner")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Runner{dev: dev, work: work, journal: journal, cfg: cfg, log: log}
}

// Run performs iterations measurements. Cancellation is checked between
// iterations; a measurement already submitted is always completed.
func (r *Runner) Run(ctx context.Context, iterations int) ([]storage.Record, error) {
	if iterations < 1 {
		return nil, ErrNoIterations
	}

	timer, err := profiler.NewElapsedTimer(r.dev, profiler.WithStream(r.cfg.Stream), profiler.WithLogger(r.log))
	if err != nil {
		return nil, err
	}
	defer timer.Close()

	records := make([]storage.Record, 0, iterations)
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		host := profiler.Start()
		timer.Start()
		if err := r.work.Submit(r.cfg.Stream); err != nil {
			return records, fmt.Errorf("iteration %d: submit %s: %w", i, r.work.Name(), err)
		}
		timer.Stop()

		ms, err := timer.Elapsed()
		if err != nil {
			return records, fmt.Errorf("iteration %d: %w", i, err)
		}

		rec := storage.Record{
			Label:     r.cfg.Label,
			Device:    r.work.Name(),
			Iteration: i,
			ElapsedMs: ms,
			HostMs:    host.Milliseconds(),
		}
		r.log.Debug().
			Str("label", rec.Label).
			Int("iteration", i).
			Float32("device_ms", ms).
			Float64("host_ms", rec.HostMs).
			Msg("measured")

		if r.journal != nil {
			if err := r.journal.Append(rec); err != nil {
				return records, fmt.Errorf("iteration %d: journal: %w", i, err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
