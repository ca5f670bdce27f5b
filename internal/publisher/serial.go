package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/bus"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/serialport"
	"greenhouse/go-iot-stack/internal/telemetry"
)

var errSerial = errors.New("serial failure")

// lineTimeout bounds one line read once input is known to be waiting.
const lineTimeout = time.Second

// SerialConfig configures a SerialPublisher.
type SerialConfig struct {
	Class    model.DeviceClass
	Identity telemetry.Identity

	ReadDelay      time.Duration // pause between loop iterations
	ErrorDelay     time.Duration // pause after a serial failure
	ReconnectPause time.Duration // pause between close and reopen during a reconnect cycle
	MaxErrors      int
}

func (c *SerialConfig) applyDefaults() {
	if c.Identity == (telemetry.Identity{}) {
		c.Identity = telemetry.DefaultIdentity(c.Class)
	}
	if c.ReadDelay <= 0 {
		c.ReadDelay = 100 * time.Millisecond
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = time.Second
	}
	if c.ReconnectPause <= 0 {
		c.ReconnectPause = 2 * time.Second
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 10
	}
}

// SerialPublisher owns one serial device and one bus connection for a device class.
type SerialPublisher struct {
	cfg    SerialConfig
	open   serialport.Opener
	bus    bus.Publisher
	parser telemetry.Parser
	logger *zap.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) bool

	dev    serialport.Device
	errors streak
}

// NewSerial builds a publisher for a serial-attached device class.
func NewSerial(cfg SerialConfig, open serialport.Opener, pub bus.Publisher, logger *zap.Logger) (*SerialPublisher, error) {
	if open == nil || pub == nil {
		return nil, errors.New("serial opener and bus publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser, err := telemetry.NewParser(cfg.Class, logger)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &SerialPublisher{
		cfg:    cfg,
		open:   open,
		bus:    pub,
		parser: parser,
		logger: logger.With(zap.String("device_class", string(cfg.Class)), zap.String("topic", cfg.Identity.Topic)),
		now:    time.Now,
		sleep:  sleepCtx,
		errors: streak{max: cfg.MaxErrors},
	}, nil
}

// Run reads, parses and publishes until ctx is cancelled, then closes both connections.
func (p *SerialPublisher) Run(ctx context.Context) error {
	p.logger.Info("starting telemetry publisher", zap.String("node_id", p.cfg.Identity.NodeID))
	p.openSerial()
	if err := connectBus(ctx, p.bus, p.logger); err != nil {
		p.closeSerial()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect bus: %w", err)
	}
	defer func() {
		p.closeSerial()
		p.bus.Disconnect()
		p.logger.Info("telemetry publisher stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		delay := p.cfg.ReadDelay
		err := p.Step(ctx)
		if errors.Is(err, errSerial) {
			p.logger.Error("serial connection error", zap.Error(err))
			delay = p.cfg.ErrorDelay
		} else if err != nil {
			p.logger.Error("publish failed", zap.Error(err))
		}
		if !p.sleep(ctx, delay) {
			return nil
		}
		if errors.Is(err, ErrTransportDegraded) {
			p.logger.Warn("too many consecutive errors, reconnecting")
			p.Reconnect(ctx)
		}
	}
}

// Step reads at most one line and publishes the frame it completes, if any.
func (p *SerialPublisher) Step(ctx context.Context) error {
	if p.dev == nil {
		return p.serialFailure(serialport.ErrClosed)
	}
	ready, err := p.dev.BytesAvailable()
	if err != nil {
		return p.serialFailure(err)
	}
	if !ready {
		return nil
	}
	line, ok, err := p.dev.ReadLine(lineTimeout)
	if err != nil {
		return p.serialFailure(err)
	}
	if !ok {
		return nil
	}
	p.logger.Debug("device output", zap.String("line", line))

	frame := p.parser.Parse(line)
	if frame == nil {
		return nil
	}
	err = publishFrame(ctx, p.bus, p.cfg.Identity, frame, p.now())
	recordPublish(string(p.cfg.Class), err)
	if err != nil {
		return p.errors.fail(err)
	}
	p.errors.reset()
	return nil
}

// Reconnect closes and reopens the serial device, then cycles the bus client.
func (p *SerialPublisher) Reconnect(ctx context.Context) {
	metrics.IncReconnect("publisher")
	p.closeSerial()
	if !p.sleep(ctx, p.cfg.ReconnectPause) {
		return
	}
	p.openSerial()
	reconnectBus(ctx, p.bus, p.cfg.ReconnectPause, p.sleep, p.logger)
	p.errors.reset()
}

func (p *SerialPublisher) serialFailure(err error) error {
	return p.errors.fail(fmt.Errorf("%w: %w", errSerial, err))
}

func (p *SerialPublisher) openSerial() {
	dev, err := p.open()
	if err != nil {
		p.logger.Error("failed to open serial device", zap.Error(err))
		return
	}
	p.dev = dev
	p.logger.Info("serial device opened")
}

func (p *SerialPublisher) closeSerial() {
	if p.dev == nil {
		return
	}
	if err := p.dev.Close(); err != nil {
		p.logger.Warn("failed to close serial device", zap.Error(err))
	}
	p.dev = nil
}
