package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/D13ya/gputimer/internal/app"
	"github.com/D13ya/gputimer/internal/bridge"
	"github.com/D13ya/gputimer/internal/config"
	"github.com/D13ya/gputimer/pkg/device"
	"github.com/D13ya/gputimer/pkg/logger"
)

func main() {
	logger.SetLevelFromEnv()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log := logger.New("gputime")
		log.Fatal().Err(err).Msg("gputime failed")
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("gputime", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	deviceKind := fs.String("device", "", "device kind: sim or onnx")
	iterations := fs.Int("iterations", 0, "number of measurements")
	label := fs.String("label", "", "label measurements are journaled under")
	journalDir := fs.String("journal", "", "journal directory (in-memory when unset)")
	stream := fs.Uint("stream", 0, "stream the timer records into")
	image := fs.String("image", "", "input image for the onnx device")
	list := fs.Bool("list", false, "print journaled measurements for -label and exit")
	logLevel := fs.String("log-level", "", "log level override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device = *deviceKind
		case "iterations":
			cfg.Iterations = *iterations
		case "label":
			cfg.Label = *label
		case "journal":
			cfg.Journal.Dir = *journalDir
			cfg.Journal.InMemory = false
		case "stream":
			cfg.Stream = uint32(*stream)
		case "image":
			cfg.ONNX.ImagePath = *image
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if os.Getenv("LOG_LEVEL") == "" || *logLevel != "" {
		logger.SetLevel(cfg.LogLevel)
	}

	if *list && cfg.Journal.InMemory {
		return errors.New("-list needs a -journal dir; the in-memory journal starts empty on every run")
	}

	log := logger.New("gputime")
	if cfg.Device == config.DeviceONNX {
		defer bridge.DestroyONNXEnvironment()
	}
	env, err := app.Setup(cfg, log)
	if err != nil {
		return err
	}
	defer env.Close()

	if *list {
		recs, err := env.Journal.List(cfg.Label)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Fprintf(stdout, "%s\t%s\t%d\t%.4f ms\t%s\n",
				rec.Label, rec.Device, rec.Iteration, rec.ElapsedMs, rec.RecordedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runner := app.NewRunner(env.Device, env.Workload, env.Journal, app.RunnerConfig{
		Label:  cfg.Label,
		Stream: device.Stream(cfg.Stream),
		Logger: &log,
	})
	recs, err := runner.Run(ctx, cfg.Iterations)
	for _, rec := range recs {
		fmt.Fprintf(stdout, "%s[%d]: device %.4f ms, host %.4f ms\n", rec.Label, rec.Iteration, rec.ElapsedMs, rec.HostMs)
	}
	return err
}
