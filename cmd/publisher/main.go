package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/bus"
	"greenhouse/go-iot-stack/internal/config"
	"greenhouse/go-iot-stack/internal/logging"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/publisher"
	"greenhouse/go-iot-stack/internal/serialport"
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

	logger, err := logging.NewLogger("greenhouse-publisher", cfg.Service.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("class", string(class)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	if err := run(ctx, cfg, class, logger); err != nil {
		logger.Error("publisher terminated", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("publisher stopped cleanly")
}

type runner interface {
	Run(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Config, class model.DeviceClass, logger *zap.Logger) error {
	pub, err := newBus(cfg, logger)
	if err != nil {
		return err
	}

	var r runner
	if class == model.ClassLeafCount {
		counter, err := publisher.NewCommandCounter(cfg.Publisher.LeafCommand, 0)
		if err != nil {
			return err
		}
		r, err = publisher.NewLeaf(publisher.LeafConfig{
			Interval:  cfg.Publisher.LeafInterval,
			MaxErrors: cfg.Publisher.MaxErrors,
		}, counter, pub, logger)
		if err != nil {
			return err
		}
	} else {
		r, err = publisher.NewSerial(publisher.SerialConfig{
			Class:     class,
			ReadDelay: cfg.Publisher.ReadDelay,
			MaxErrors: cfg.Publisher.MaxErrors,
		}, serialport.NewOpener(cfg.Relay.SerialPort, cfg.Relay.SerialBaud), pub, logger)
		if err != nil {
			return err
		}
	}
	return r.Run(ctx)
}

func newBus(cfg config.Config, logger *zap.Logger) (bus.Publisher, error) {
	switch cfg.Publisher.Backend {
	case "", "mqtt":
		return bus.NewMQTTPublisher(bus.MQTTOptions{
			BrokerURL: cfg.MQTT.URL,
			ClientID:  cfg.MQTT.ClientID,
		}, logger.Named("mqtt")), nil
	case "amqp":
		return bus.NewAMQPPublisher(bus.AMQPOptions{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
		}, logger.Named("amqp")), nil
	}
	return nil, fmt.Errorf("unknown publish backend %q", cfg.Publisher.Backend)
}
