// Package publisher runs the telemetry loops that read edge devices and push
// frames onto the message bus.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/bus"
	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/telemetry"
)

// ErrTransportDegraded is returned once the consecutive error threshold is crossed.
// The loops answer it with a reconnect cycle.
var ErrTransportDegraded = errors.New("transport degraded")

// streak counts consecutive failures.
type streak struct {
	count int
	max   int
}

func (s *streak) fail(err error) error {
	s.count++
	if s.max > 0 && s.count >= s.max {
		return fmt.Errorf("%w after %d consecutive errors: %w", ErrTransportDegraded, s.count, err)
	}
	return err
}

func (s *streak) reset() { s.count = 0 }

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// publishFrame stamps frame with the node identity and publishes it once.
func publishFrame(ctx context.Context, pub bus.Publisher, id telemetry.Identity, frame telemetry.Frame, now time.Time) error {
	frame.Stamp(telemetry.NewHeader(id.NodeID, id.Location, now))
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Class(), err)
	}
	return pub.Publish(ctx, id.Topic, payload)
}

// connectBus retries pub.Connect with exponential backoff until it succeeds or ctx ends.
func connectBus(ctx context.Context, pub bus.Publisher, logger *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 32 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error { return pub.Connect(ctx) }
	notify := func(err error, next time.Duration) {
		logger.Warn("bus connect failed", zap.Error(err), zap.Duration("retry_in", next))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func reconnectBus(ctx context.Context, pub bus.Publisher, pause time.Duration, sleep func(context.Context, time.Duration) bool, logger *zap.Logger) {
	pub.Disconnect()
	if !sleep(ctx, pause) {
		return
	}
	if err := pub.Connect(ctx); err != nil {
		logger.Error("bus reconnect failed", zap.Error(err))
		return
	}
	logger.Info("bus reconnected")
}

func recordPublish(class string, err error) {
	if err != nil {
		metrics.IncFrameDropped(class, "publish")
		return
	}
	metrics.IncFramePublished(class)
}
