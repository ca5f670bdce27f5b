package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/bus"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/telemetry"
)

// Counter produces one leaf count estimate.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// CommandCounter runs an external program that prints a number on stdout.
type CommandCounter struct {
	Args    []string
	Timeout time.Duration
}

// NewCommandCounter splits a shell-style command line into a CommandCounter.
func NewCommandCounter(command string, timeout time.Duration) (*CommandCounter, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse leaf command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("leaf command is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandCounter{Args: args, Timeout: timeout}, nil
}

func (c *CommandCounter) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("run %s: %w (%s)", c.Args[0], err, strings.TrimSpace(stderr.String()))
	}
	return ParseCount(string(out))
}

// ParseCount reads the last non-empty line of output as a number and returns
// max(0, round(value)).
func ParseCount(output string) (int, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return 0, errors.New("leaf counter printed nothing")
	}
	v, err := strconv.ParseFloat(last, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("leaf counter output %q is not a number", last)
	}
	return max(0, int(math.Round(v))), nil
}

// LeafConfig configures a LeafPublisher.
type LeafConfig struct {
	Identity       telemetry.Identity
	Interval       time.Duration
	ReconnectPause time.Duration
	MaxErrors      int
}

// LeafPublisher periodically runs a Counter and publishes the result.
type LeafPublisher struct {
	cfg     LeafConfig
	counter Counter
	bus     bus.Publisher
	logger  *zap.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) bool

	errors streak
}

// NewLeaf builds a leaf-count publisher.
func NewLeaf(cfg LeafConfig, counter Counter, pub bus.Publisher, logger *zap.Logger) (*LeafPublisher, error) {
	if counter == nil || pub == nil {
		return nil, errors.New("leaf counter and bus publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Identity == (telemetry.Identity{}) {
		cfg.Identity = telemetry.DefaultIdentity(model.ClassLeafCount)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ReconnectPause <= 0 {
		cfg.ReconnectPause = 2 * time.Second
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 5
	}
	return &LeafPublisher{
		cfg:     cfg,
		counter: counter,
		bus:     pub,
		logger:  logger.With(zap.String("device_class", string(model.ClassLeafCount))),
		now:     time.Now,
		sleep:   sleepCtx,
		errors:  streak{max: cfg.MaxErrors},
	}, nil
}

// Run counts and publishes every Interval until ctx is cancelled.
func (p *LeafPublisher) Run(ctx context.Context) error {
	p.logger.Info("starting leaf count publisher", zap.Duration("interval", p.cfg.Interval))
	if err := connectBus(ctx, p.bus, p.logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect bus: %w", err)
	}
	defer p.bus.Disconnect()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := p.Step(ctx)
		if err != nil {
			p.logger.Error("leaf count cycle failed", zap.Error(err))
		}
		if !p.sleep(ctx, p.cfg.Interval) {
			return nil
		}
		if errors.Is(err, ErrTransportDegraded) {
			p.logger.Warn("too many consecutive errors, reconnecting bus")
			metrics.IncReconnect("leaf_publisher")
			reconnectBus(ctx, p.bus, p.cfg.ReconnectPause, p.sleep, p.logger)
			p.errors.reset()
		}
	}
}

// Step runs one count and publish cycle.
func (p *LeafPublisher) Step(ctx context.Context) error {
	count, err := p.counter.Count(ctx)
	if err != nil {
		metrics.IncFrameDropped(string(model.ClassLeafCount), "count")
		return p.errors.fail(err)
	}

	frame := &telemetry.LeafCountFrame{LeafCount: count}
	err = publishFrame(ctx, p.bus, p.cfg.Identity, frame, p.now())
	recordPublish(string(model.ClassLeafCount), err)
	if err != nil {
		return p.errors.fail(err)
	}
	p.errors.reset()
	p.logger.Info("leaf count published", zap.Int("leaf_count", count))
	return nil
}
