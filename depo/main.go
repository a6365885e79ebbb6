package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/godepo/pkg/config"
	"github.com/itohio/godepo/pkg/furnace"
	"github.com/itohio/godepo/pkg/monitor"
	"github.com/itohio/godepo/pkg/runner"
	"github.com/itohio/godepo/pkg/sample"
	"github.com/itohio/godepo/pkg/supervisor"
	"github.com/itohio/godepo/pkg/telemetry"
)

// progressEvery throttles progress log lines from the recorder.
const progressEvery = time.Minute

func main() {
	var (
		portFlag           = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag         = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag           = flag.Bool("mock", false, "Use simulated furnace instead of serial port")
		durationFlag       = flag.Duration("duration", 0, "Deposition duration override (e.g., 45m)")
		averageSamplesFlag = flag.Int("average-samples", -1, "Number of samples to average (0 = disabled, overrides config)")
		initFlag           = flag.Bool("init", false, "Write the default configuration to -config and exit")
		listFlag           = flag.Bool("list", false, "List serial ports and exit")
		verboseFlag        = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	switch {
	case *initFlag:
		if err := config.Default().Save(*configFlag); err != nil {
			logger.Error("failed to write configuration", "err", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configFlag)
		return
	case *listFlag:
		ports, err := furnace.Ports()
		if err != nil {
			logger.Error("failed to list ports", "err", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *durationFlag > 0 {
		cfg.Process.Duration = *durationFlag
	}
	if *averageSamplesFlag >= 0 {
		cfg.Measurement.AverageSamples = *averageSamplesFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := deposit(ctx, cfg, *mockFlag, logger); err != nil {
		stop()
		os.Exit(1)
	}
}

// deposit runs one deposition and reports the sublimation interval.
func deposit(ctx context.Context, cfg *config.Config, useMock bool, logger *slog.Logger) error {
	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return err
	}

	var device furnace.Device
	if useMock {
		device = furnace.NewMock(&cfg.Mock)
		logger.Info("using simulated furnace")
	} else {
		device = furnace.New(cfg.Serial.Port, cfg.Serial.BaudRate, furnace.DefaultBufferSize, logger)
	}
	if err := device.Connect(); err != nil {
		logger.Error("failed to connect", "port", cfg.Serial.Port, "err", err)
		return err
	}
	defer device.Close()

	pub, err := telemetry.New(cfg.MQTT, logger)
	if err != nil {
		logger.Error("failed to start telemetry", "err", err)
		return err
	}
	defer pub.Close()

	samples := sampleStream(cfg.Measurement, device.Samples(), logger)

	run := runner.New(sup, device, logger,
		runner.WithPublisher(pub),
		runner.WithTickInterval(cfg.Process.TickInterval),
	)

	recorder := monitor.New(cfg.Measurement.Window)
	var lastProgress time.Duration
	recorder.OnUpdate(func(records []monitor.Record) {
		if len(records) == 0 {
			return
		}
		rec := records[len(records)-1]
		if rec.Elapsed-lastProgress < progressEvery && rec.Elapsed != 0 {
			return
		}
		lastProgress = rec.Elapsed
		logger.Info("progress",
			"elapsed", rec.Elapsed.Truncate(time.Second).String(),
			"substrate", fmt.Sprintf("%.2f", rec.SubstrateTemp),
			"substrate_out", fmt.Sprintf("%.2f", rec.SubstrateOut),
			"source", fmt.Sprintf("%.2f", rec.SourceTemp),
			"source_out", fmt.Sprintf("%.2f", rec.SourceOut),
		)
	})

	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.ProcessRecords(run.Records())
	}()

	runErr := run.Run(ctx, samples)
	<-recorderDone

	if iv, ok := recorder.Interval(cfg.Measurement.IntervalTemperature); ok {
		logger.Info("sublimation interval",
			"threshold", iv.Threshold,
			"duration", iv.Duration().Truncate(time.Second).String(),
			"substrate", iv.Substrate.String(),
			"source", iv.Source.String(),
		)
	} else {
		logger.Info("no sublimation interval", "threshold", cfg.Measurement.IntervalTemperature)
	}

	switch {
	case runErr == nil:
		logger.Info("deposition complete", "run", sup.RunID().String(), "elapsed", sup.Elapsed().String())
	case errors.Is(runErr, context.Canceled):
		logger.Warn("deposition interrupted", "run", sup.RunID().String(), "elapsed", sup.Elapsed().String())
	default:
		logger.Error("deposition failed", "run", sup.RunID().String(), "err", runErr)
	}
	return runErr
}

// sampleStream chains the converters: the averaging converter replaces the base one when enabled.
func sampleStream(mc config.MeasurementConfig, raw <-chan furnace.RawSample, logger *slog.Logger) <-chan sample.Sample {
	if mc.AverageSamples > 0 {
		return sample.NewAveragingConverter(mc.AverageSamples, furnace.DefaultBufferSize, logger)(raw)
	}
	return sample.NewConverter(furnace.DefaultBufferSize, logger)(raw)
}
