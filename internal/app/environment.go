package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/D13ya/gputimer/internal/bridge"
	"github.com/D13ya/gputimer/internal/config"
	"github.com/D13ya/gputimer/internal/storage"
	"github.com/D13ya/gputimer/pkg/device"
)

// Environment bundles what a measurement run needs, built from config.
type Environment struct {
	Device   device.Device
	Workload Workload
	Journal  *storage.Journal

	closers []func() error
}

// Setup opens the journal and the configured device. The caller must Close
// the returned environment.
func Setup(cfg config.Config, log zerolog.Logger) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &Environment{}
	journal, err := storage.OpenJournal(storage.BadgerConfig{
		Dir:      cfg.Journal.Dir,
		InMemory: cfg.Journal.InMemory,
		Logger:   &log,
	})
	if err != nil {
		return nil, err
	}
	env.Journal = journal
	env.closers = append(env.closers, journal.Close)

	switch cfg.Device {
	case config.DeviceSim:
		sim := device.NewSimDevice(device.SimConfig{
			MaxMarks:     cfg.Sim.MaxMarks,
			Resolution:   cfg.Sim.Resolution,
			MarkOverhead: cfg.Sim.MarkOverhead,
			Latency:      cfg.Sim.Latency,
			Logger:       &log,
		})
		env.Device = sim
		env.Workload = SimWorkload{Device: sim, Cost: cfg.Sim.KernelCost}
		env.closers = append(env.closers, sim.Close)

	case config.DeviceONNX:
		img, err := bridge.LoadImage(cfg.ONNX.ImagePath)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("load image: %w", err)
		}
		onnx, err := bridge.NewONNXDevice(bridge.RuntimeConfig{
			ModelPath:      cfg.ONNX.ModelPath,
			SharedLibPath:  cfg.ONNX.SharedLibPath,
			ImageSize:      cfg.ONNX.ImageSize,
			OutputDim:      cfg.ONNX.OutputDim,
			InputName:      cfg.ONNX.InputName,
			OutputName:     cfg.ONNX.OutputName,
			UsePlaceholder: cfg.ONNX.UsePlaceholder,
			Logger:         &log,
		})
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Device = onnx
		env.Workload = InferenceWorkload{Device: onnx, Image: img}
		// The runtime environment is process-wide; the command tears it down.
		env.closers = append(env.closers, onnx.Close)
	}
	return env, nil
}

// Close releases resources in reverse order of acquisition and returns the
// first error.
func (e *Environment) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
