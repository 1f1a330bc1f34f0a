package app

import (
	"time"

	"github.com/D13ya/gputimer/internal/bridge"
	"github.com/D13ya/gputimer/pkg/device"
)

// SimWorkload launches one fixed-cost kernel on a simulated device.
type SimWorkload struct {
	Device *device.SimDevice
	Cost   time.Duration
}

func (w SimWorkload) Name() string { return "sim" }

func (w SimWorkload) Submit(s device.Stream) error {
	return w.Device.Launch(s, w.Cost)
}

// InferenceWorkload runs one inference of Image on an ONNX device.
type InferenceWorkload struct {
	Device *bridge.ONNXDevice
	Image  []byte
	Sink   func([]float32)
}

func (w InferenceWorkload) Name() string { return "onnx" }

func (w InferenceWorkload) Submit(s device.Stream) error {
	return w.Device.Launch(s, w.Image, w.Sink)
}
