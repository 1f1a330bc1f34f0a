package bridge

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/D13ya/gputimer/pkg/device"
	"github.com/D13ya/gputimer/pkg/logger"
)

const (
	DefaultOutputDim = 128
	DefaultImgSize   = 224
)

var (
	ErrInvalidImage  = errors.New("invalid image data")
	ErrSessionClosed = errors.New("ONNX session is closed")
)

// ImageNet normalization constants
var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

// onnxInitialized tracks if ONNX runtime environment is initialized
var onnxInitialized bool
var onnxInitMu sync.Mutex

// RuntimeConfig holds configuration for an ONNX-backed device.
type RuntimeConfig struct {
	ModelPath      string
	ImageSize      int
	OutputDim      int
	InputName      string
	OutputName     string
	SharedLibPath  string // Path to onnxruntime shared library (optional)
	UsePlaceholder bool   // If true, skip ONNX and run a deterministic stand-in kernel
	MaxMarks       int
	Logger         *zerolog.Logger
}

// DefaultRuntimeConfig returns defaults for a 224x224 image model with a
// 128-wide output.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ImageSize:  DefaultImgSize,
		OutputDim:  DefaultOutputDim,
		InputName:  "image",
		OutputName: "hash",
	}
}

// ONNXDevice is an execution device whose kernels are ONNX Runtime
// inferences. Marks are stamped on the host monotonic clock when the stream
// worker reaches them, so an interval covers exactly the inferences queued
// between its marks.
type ONNXDevice struct {
	*device.Engine
	cfg          RuntimeConfig
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	log          zerolog.Logger

	// session tensors are shared by every stream
	mu     sync.Mutex
	closed bool
}

// InitONNXEnvironment initializes the ONNX runtime environment.
// Call this once at application startup with the path to onnxruntime shared library.
func InitONNXEnvironment(sharedLibPath string) error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}

	if sharedLibPath != "" {
		ort.SetSharedLibraryPath(sharedLibPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx environment: %w", err)
	}

	onnxInitialized = true
	return nil
}

// DestroyONNXEnvironment cleans up the ONNX runtime environment.
// Call this at application shutdown.
func DestroyONNXEnvironment() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if !onnxInitialized {
		return nil
	}

	if err := ort.DestroyEnvironment(); err != nil {
		return err
	}

	onnxInitialized = false
	return nil
}

// NewONNXDevice loads the model and starts the device.
func NewONNXDevice(cfg RuntimeConfig) (*ONNXDevice, error) {
	def := DefaultRuntimeConfig()
	if cfg.OutputDim == 0 {
		cfg.OutputDim = def.OutputDim
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = def.ImageSize
	}
	if cfg.InputName == "" {
		cfg.InputName = def.InputName
	}
	if cfg.OutputName == "" {
		cfg.OutputName = def.OutputName
	}

	log := logger.New("onnx")
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	d := &ONNXDevice{cfg: cfg, log: log}

	if !cfg.UsePlaceholder {
		if err := d.loadSession(); err != nil {
			return nil, err
		}
	}

	d.Engine = device.NewEngine(device.NewHostClock(), device.EngineConfig{
		MaxMarks:   cfg.MaxMarks,
		Resolution: device.DefaultResolution,
		Logger:     &log,
	})
	return d, nil
}

func (d *ONNXDevice) loadSession() error {
	cfg := d.cfg
	if cfg.ModelPath == "" {
		return errors.New("model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return errors.New("model file not found: " + cfg.ModelPath)
	}

	if err := InitONNXEnvironment(cfg.SharedLibPath); err != nil {
		return err
	}

	// [1, 3, size, size]
	inputShape := ort.NewShape(1, 3, int64(cfg.ImageSize), int64(cfg.ImageSize))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(cfg.OutputDim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil, // Use default options
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("create onnx session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.outputTensor = outputTensor
	return nil
}

// Launch queues preprocessing and one inference of imageData on stream s.
// sink, if set, receives a copy of the model output on the stream worker.
func (d *ONNXDevice) Launch(s device.Stream, imageData []byte, sink func([]float32)) error {
	if len(imageData) == 0 {
		return ErrInvalidImage
	}
	return d.Submit(s, func() error {
		out, err := d.infer(imageData)
		if err != nil {
			return err
		}
		if sink != nil {
			sink(out)
		}
		return nil
	})
}

func (d *ONNXDevice) infer(imageData []byte) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrSessionClosed
	}

	tensor, err := preprocessImage(imageData, d.cfg.ImageSize)
	if err != nil {
		return nil, err
	}

	if d.session == nil {
		return placeholderOutput(tensor, d.cfg.OutputDim), nil
	}

	copy(d.inputTensor.GetData(), tensor)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	result := make([]float32, d.cfg.OutputDim)
	copy(result, d.outputTensor.GetData())
	return result, nil
}

// Close drains all streams, then releases ONNX runtime resources.
func (d *ONNXDevice) Close() error {
	if err := d.Engine.Close(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error

	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// preprocessImage decodes, resizes, and normalizes image data for the model.
func preprocessImage(data []byte, targetSize int) ([]float32, error) {
	if len(data) == 0 {
		return nil, ErrInvalidImage
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return preprocessImageFallback(data, targetSize), nil
	}

	resized := image.NewRGBA(image.Rect(0, 0, targetSize, targetSize))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	plane := targetSize * targetSize
	tensor := make([]float32, 3*plane)

	for y := 0; y < targetSize; y++ {
		for x := 0; x < targetSize; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			i := y*targetSize + x
			tensor[i] = (float32(r>>8)/255.0 - imagenetMean[0]) / imagenetStd[0]
			tensor[plane+i] = (float32(g>>8)/255.0 - imagenetMean[1]) / imagenetStd[1]
			tensor[2*plane+i] = (float32(b>>8)/255.0 - imagenetMean[2]) / imagenetStd[2]
		}
	}

	return tensor, nil
}

func preprocessImageFallback(data []byte, targetSize int) []float32 {
	tensor := make([]float32, 3*targetSize*targetSize)
	sum := sha256.Sum256(data)
	for i := range tensor {
		tensor[i] = (float32(sum[i%len(sum)]) / 127.5) - 1.0
	}
	return tensor
}

// placeholderOutput folds the input tensor into dim buckets.
func placeholderOutput(tensor []float32, dim int) []float32 {
	out := make([]float32, dim)
	for i, v := range tensor {
		out[i%dim] += v
	}
	for i := range out {
		out[i] /= float32(len(tensor)/dim + 1)
	}
	return out
}

func LoadImage(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("image path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrInvalidImage
	}
	return data, nil
}
