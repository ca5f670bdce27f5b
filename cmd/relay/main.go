package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/config"
	"greenhouse/go-iot-stack/internal/logging"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/relay"
	"greenhouse/go-iot-stack/internal/serialport"
	"greenhouse/go-iot-stack/internal/store"
)

func main() {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	class, err := model.ParseDeviceClass(cfg.Relay.DeviceClass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid device class: %v\n", err)
		os.Exit(1)
	}
	deviceID := cfg.Relay.DeviceID
	if deviceID == "" {
		deviceID = fmt.Sprintf("%s-relay", class)
	}

	logger, err := logging.NewLogger("greenhouse-relay", cfg.Service.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logging.WithDevice(logger, deviceID)

	if err := run(cfg, class, deviceID, logger); err != nil {
		logger.Error("relay terminated", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("relay stopped cleanly")
}

func run(cfg config.Config, class model.DeviceClass, deviceID string, logger *zap.Logger) error {
	policy, err := relay.ParseAckPolicy(cfg.Relay.AckPolicy)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	err = st.InitSchema(initCtx)
	cancel()
	if err != nil {
		return err
	}

	metrics.Init()

	r, err := relay.New(relay.Config{
		DeviceID:     deviceID,
		Class:        class,
		SerialPort:   cfg.Relay.SerialPort,
		PollInterval: cfg.Relay.PollInterval,
		Limit:        cfg.Relay.PollLimit,
		ReplyTimeout: cfg.Relay.ReplyTimeout,
		StoreTimeout: cfg.Database.Timeout,
		AckPolicy:    policy,
	}, st, serialport.NewOpener(cfg.Relay.SerialPort, cfg.Relay.SerialBaud), logger)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}
