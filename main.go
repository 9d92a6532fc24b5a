package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"go-camsend-driver/camsend"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("camsend", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	envFile := fs.String("env", ".env", "Optional dotenv file with credentials")
	printConfig := fs.Bool("print-config", false, "Print the effective configuration and exit")
	_ = fs.Parse(args)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		return 1
	}

	cfg, err := camsend.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	if *printConfig {
		out, err := cfg.Redacted().YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render config: %v\n", err)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	logger, err := camsend.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("boot_id", uuid.NewString()))

	logger.Info("camsend starting",
		zap.String("peer", fmt.Sprintf("%s:%d", cfg.Transport.PeerHost, cfg.Transport.PeerPort)),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Duration("worst_case_iteration", cfg.WorstCaseIteration()),
		zap.Duration("watchdog_timeout", cfg.Watchdog.Timeout))
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	radio, err := camsend.NewNMRadio(cfg.WiFi.Interface, logger)
	if err != nil {
		logger.Error("wifi radio unavailable", zap.Error(err))
		return 1
	}
	defer radio.Close()

	var light camsend.Indicator = camsend.NopIndicator{}
	if cfg.Indicator.GPIO >= 0 {
		g, err := camsend.NewGPIOIndicator(cfg.Indicator.SysfsRoot, cfg.Indicator.GPIO, logger)
		if err != nil {
			logger.Warn("indicator light disabled", zap.Error(err))
		} else {
			light = g
		}
	}

	wd := camsend.NewDevWatchdog(cfg.Watchdog.Device)
	defer wd.Close()

	sup := camsend.NewSupervisor(cfg, camsend.Deps{
		Radio:     radio,
		Indicator: light,
		Camera:    camsend.NewGocvDevice(cfg.Camera.Device),
		Watchdog:  wd,
		Sensor:    camsend.NewFileSensor(cfg.Diagnostics.SensorPath, cfg.Diagnostics.SensorScale),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sup.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("stopped by signal")
		return 0
	case errors.Is(err, camsend.ErrCaptureTransient):
		// the watchdog resets the board unless an outer supervisor restarts us first
		logger.Error("camera stream terminated", zap.Error(err))
		return 1
	case err != nil:
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	return 0
}
