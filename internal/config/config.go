// Package config loads the settings of the gputime tool from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DeviceSim  = "sim"
	DeviceONNX = "onnx"
)

type Config struct {
	Device     string        `yaml:"device"`
	Label      string        `yaml:"label"`
	Iterations int           `yaml:"iterations"`
	Stream     uint32        `yaml:"stream"`
	LogLevel   string        `yaml:"log_level"`
	Journal    JournalConfig `yaml:"journal"`
	Sim        SimConfig     `yaml:"sim"`
	ONNX       ONNXConfig    `yaml:"onnx"`
}

type JournalConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

type SimConfig struct {
	KernelCost   time.Duration `yaml:"kernel_cost"`
	Resolution   time.Duration `yaml:"resolution"`
	MarkOverhead time.Duration `yaml:"mark_overhead"`
	Latency      time.Duration `yaml:"latency"`
	MaxMarks     int           `yaml:"max_marks"`
}

type ONNXConfig struct {
	ModelPath      string `yaml:"model_path"`
	SharedLibPath  string `yaml:"shared_lib_path"`
	ImagePath      string `yaml:"image_path"`
	ImageSize      int    `yaml:"image_size"`
	OutputDim      int    `yaml:"output_dim"`
	InputName      string `yaml:"input_name"`
	OutputName     string `yaml:"output_name"`
	UsePlaceholder bool   `yaml:"use_placeholder"`
}

func Default() Config {
	return Config{
		Device:     DeviceSim,
		Label:      "default",
		Iterations: 10,
		LogLevel:   "info",
		Journal:    JournalConfig{InMemory: true},
		Sim: SimConfig{
			KernelCost: time.Millisecond,
			Resolution: 500 * time.Nanosecond,
		},
		ONNX: ONNXConfig{
			ImageSize:  224,
			OutputDim:  128,
			InputName:  "image",
			OutputName: "hash",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Device {
	case DeviceSim, DeviceONNX:
	default:
		errs = append(errs, fmt.Errorf("device: unknown kind %q", c.Device))
	}
	if c.Label == "" || strings.Contains(c.Label, "/") {
		errs = append(errs, fmt.Errorf("label: %q must be non-empty without '/'", c.Label))
	}
	if c.Iterations < 1 {
		errs = append(errs, fmt.Errorf("iterations: must be at least 1, got %d", c.Iterations))
	}
	if !c.Journal.InMemory && c.Journal.Dir == "" {
		errs = append(errs, errors.New("journal: dir is required unless in_memory"))
	}
	if c.Sim.KernelCost < 0 || c.Sim.Resolution < 0 || c.Sim.MarkOverhead < 0 || c.Sim.Latency < 0 {
		errs = append(errs, errors.New("sim: durations must not be negative"))
	}
	if c.Sim.MaxMarks != 0 && c.Sim.MaxMarks < 2 {
		errs = append(errs, fmt.Errorf("sim: max_marks %d cannot hold a timer", c.Sim.MaxMarks))
	}
	if c.Device == DeviceONNX {
		if !c.ONNX.UsePlaceholder && c.ONNX.ModelPath == "" {
			errs = append(errs, errors.New("onnx: model_path is required"))
		}
		if c.ONNX.ImagePath == "" {
			errs = append(errs, errors.New("onnx: image_path is required"))
		}
	}
	return errors.Join(errs...)
}
