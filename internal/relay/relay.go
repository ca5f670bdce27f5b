// Package relay turns queued commands into serial actuation for one edge device.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/metrics"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/serialport"
)

// State is the lifecycle position of a relay.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateRegistered   State = "REGISTERED"
	StatePolling      State = "POLLING"
	StateDispatching  State = "DISPATCHING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateOffline      State = "OFFLINE"
)

// ErrNoSerial is returned by dispatch while the relay runs without a device.
var ErrNoSerial = errors.New("no serial connection")

// CommandStore is the slice of the command log a relay needs.
type CommandStore interface {
	Register(ctx context.Context, deviceID string, class model.DeviceClass, serialPort string) (int64, error)
	FetchPending(ctx context.Context, deviceID string, commandType model.CommandType, cursor int64, limit int) ([]model.Command, error)
	AdvanceCursor(ctx context.Context, deviceID string, cursor int64) error
	Touch(ctx context.Context, deviceID string) error
	MarkOffline(ctx context.Context, deviceID string) error
}

// AckPolicy decides whether an unconfirmed dispatch counts as completed.
type AckPolicy string

const (
	// AckLenient treats silence or an unrecognised reply as success.
	AckLenient AckPolicy = "lenient"
	// AckStrict only advances on an explicit acknowledgement.
	AckStrict AckPolicy = "strict"
)

// ParseAckPolicy accepts lenient or strict; empty means lenient.
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch p := AckPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", AckLenient:
		return AckLenient, nil
	case AckStrict:
		return AckStrict, nil
	}
	return "", fmt.Errorf("unknown ack policy %q", s)
}

// Config parameterises one relay.
type Config struct {
	DeviceID   string
	Class      model.DeviceClass
	SerialPort string

	PollInterval time.Duration
	Limit        int
	ReplyTimeout time.Duration
	StoreTimeout time.Duration
	AckPolicy    AckPolicy

	// FailureThreshold is the consecutive failure streak after which store polls
	// back off and the serial device is reopened.
	FailureThreshold int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Limit <= 0 {
		c.Limit = 5
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.AckPolicy == "" {
		c.AckPolicy = AckLenient
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// staleLineLimit bounds how many unsolicited lines are discarded before a dispatch.
const staleLineLimit = 32

// Relay is the command relay state machine for one device.
type Relay struct {
	cfg      Config
	strategy Strategy
	store    CommandStore
	open     serialport.Opener
	logger   *zap.Logger

	mu    sync.Mutex
	state State

	dev            serialport.Device
	cursor         int64
	storeFailures  int
	serialFailures int
	storeBackoff   *backoff.ExponentialBackOff
}

// New builds a relay. open may be nil, in which case the relay runs degraded.
func New(cfg Config, st CommandStore, open serialport.Opener, logger *zap.Logger) (*Relay, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("relay: device id required")
	}
	if st == nil {
		return nil, errors.New("relay: command store required")
	}
	strategy, err := StrategyFor(cfg.Class)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.PollInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	return &Relay{
		cfg:          cfg,
		strategy:     strategy,
		store:        st,
		open:         open,
		logger:       logger.With(zap.String("class", string(cfg.Class))),
		state:        StateInitializing,
		storeBackoff: b,
	}, nil
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cursor returns the last command id known to be persisted as completed.
func (r *Relay) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev != s {
		r.logger.Debug("relay state", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Run drives the relay until ctx is cancelled. It only returns an error when
// the relay could not be constructed into a running state.
func (r *Relay) Run(ctx context.Context) error {
	r.Initialize()
	defer r.Shutdown()

	if err := r.Register(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	r.logger.Info("relay polling",
		zap.String("command_type", string(r.strategy.CommandType())),
		zap.Duration("interval", r.cfg.PollInterval),
		zap.Int64("cursor", r.Cursor()),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("poll cycle failed", zap.Error(err))
		}

		wait := r.cfg.PollInterval + r.extraDelay()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Initialize opens the serial device and sends the diagnostic STATUS probe.
// Failures leave the relay degraded rather than stopping it.
func (r *Relay) Initialize() {
	r.setState(StateInitializing)
	if err := r.openDevice(); err != nil {
		r.logger.Warn("serial unavailable, running degraded", zap.Error(err))
		return
	}
	r.probe()
}

func (r *Relay) openDevice() error {
	if r.open == nil {
		return ErrNoSerial
	}
	dev, err := r.open()
	if err != nil {
		return err
	}
	r.dev = dev
	return nil
}

func (r *Relay) probe() {
	if err := r.dev.WriteLine("STATUS"); err != nil {
		r.logger.Warn("status probe failed", zap.Error(err))
		return
	}
	// ReplyTimeout bounds the whole probe, not each line.
	deadline := time.Now().Add(r.cfg.ReplyTimeout)
	var replies []string
	for len(replies) < staleLineLimit {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		line, ok, err := r.dev.ReadLine(remaining)
		if err != nil || !ok {
			break
		}
		if line = strings.TrimSpace(line); line != "" {
			replies = append(replies, line)
		}
	}
	if len(replies) == 0 {
		r.logger.Warn("no reply to status probe")
		return
	}
	r.logger.Info("status probe", zap.Strings("replies", replies))
}

// Register upserts the device registration, retrying with backoff until it
// succeeds or ctx ends, and loads the stored cursor.
func (r *Relay) Register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 32 * time.Second
	b.MaxElapsedTime = 0

	var cursor int64
	op := func() error {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		defer cancel()
		c, err := r.store.Register(sctx, r.cfg.DeviceID, r.cfg.Class, r.cfg.SerialPort)
		if err != nil {
			return err
		}
		cursor = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("registration failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.Lock()
	r.cursor = cursor
	r.mu.Unlock()
	metrics.SetRelayCursor(r.cfg.DeviceID, cursor)
	r.setState(StateRegistered)
	r.logger.Info("device registered", zap.Int64("cursor", cursor))
	return nil
}

// PollOnce runs one POLLING/DISPATCHING cycle and returns how many commands
// were completed. A failed cycle reports zero; store failures are returned after
// updating the failure streak.
func (r *Relay) PollOnce(ctx context.Context) (int, error) {
	r.setState(StatePolling)

	fctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	commands, err := r.store.FetchPending(fctx, r.cfg.DeviceID, r.strategy.CommandType(), r.Cursor(), r.cfg.Limit)
	cancel()
	if err != nil {
		r.storeFailed()
		metrics.IncRelayPoll(r.cfg.DeviceID, metrics.ResultError)
		return 0, fmt.Errorf("fetch pending: %w", err)
	}

	if len(commands) == 0 {
		tctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		err := r.store.Touch(tctx, r.cfg.DeviceID)
		cancel()
		if err != nil {
			r.storeFailed()
			metrics.IncRelayPoll(r.cfg.DeviceID, metrics.ResultError)
			return 0, fmt.Errorf("touch device: %w", err)
		}
		r.storeRecovered()
		metrics.IncRelayPoll(r.cfg.DeviceID, metrics.ResultSuccess)
		return 0, nil
	}

	r.setState(StateDispatching)
	processed := 0
	for _, cmd := range commands {
		if ctx.Err() != nil {
			break
		}
		if cmd.ID <= r.Cursor() {
			continue
		}

		outcome, err := r.Dispatch(cmd)
		metrics.IncRelayOutcome(string(r.cfg.Class), string(outcome))
		if !r.completes(outcome) {
			r.logger.Warn("command not completed, retrying next poll",
				zap.Int64("command_id", cmd.ID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
			break
		}

		if err := r.persistCursor(ctx, cmd.ID); err != nil {
			r.storeFailed()
			metrics.IncRelayPoll(r.cfg.DeviceID, metrics.ResultError)
			return 0, fmt.Errorf("advance cursor to %d: %w", cmd.ID, err)
		}
		processed++
	}

	r.storeRecovered()
	metrics.IncRelayPoll(r.cfg.DeviceID, metrics.ResultSuccess)
	if processed > 0 {
		r.logger.Info("commands processed", zap.Int("count", processed), zap.Int64("cursor", r.Cursor()))
	}
	r.setState(StatePolling)
	return processed, nil
}

func (r *Relay) completes(o Outcome) bool {
	switch o {
	case Acknowledged, Skipped:
		return true
	case Unconfirmed:
		return r.cfg.AckPolicy == AckLenient
	}
	return false
}

// persistCursor writes the new cursor first and only then moves the local copy.
func (r *Relay) persistCursor(ctx context.Context, id int64) error {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.AdvanceCursor(sctx, r.cfg.DeviceID, id); err != nil {
		return err
	}
	r.mu.Lock()
	if id > r.cursor {
		r.cursor = id
	}
	r.mu.Unlock()
	metrics.SetRelayCursor(r.cfg.DeviceID, id)
	return nil
}

// Dispatch renders cmd, writes it to the device and classifies the reply.
func (r *Relay) Dispatch(cmd model.Command) (Outcome, error) {
	line, err := r.strategy.Format(cmd)
	if err != nil {
		r.logger.Warn("skipping malformed command", zap.Int64("command_id", cmd.ID), zap.Error(err))
		return Skipped, err
	}

	if r.dev == nil {
		r.serialFailed()
		if r.dev == nil {
			return Failed, ErrNoSerial
		}
	}

	r.discardStale()
	if err := r.dev.WriteLine(line); err != nil {
		r.serialFailed()
		return Failed, fmt.Errorf("write %q: %w", line, err)
	}

	reply, err := r.awaitReply()
	if err != nil {
		r.serialFailed()
		return Failed, fmt.Errorf("read reply: %w", err)
	}
	r.serialFailures = 0

	outcome := Classify(r.strategy, cmd, reply)
	fields := []zap.Field{
		zap.Int64("command_id", cmd.ID),
		zap.String("sent", line),
		zap.String("reply", reply),
		zap.String("outcome", string(outcome)),
	}
	switch outcome {
	case Rejected:
		r.logger.Error("device rejected command", fields...)
	case Unconfirmed:
		r.logger.Warn("device did not confirm command", fields...)
	default:
		r.logger.Info("command dispatched", fields...)
	}
	return outcome, nil
}

func (r *Relay) discardStale() {
	for i := 0; i < staleLineLimit; i++ {
		avail, err := r.dev.BytesAvailable()
		if err != nil || !avail {
			return
		}
		line, ok, err := r.dev.ReadLine(0)
		if err != nil || !ok {
			return
		}
		if line != "" {
			r.logger.Debug("discarding unsolicited line", zap.String("line", line))
		}
	}
}

func (r *Relay) awaitReply() (string, error) {
	deadline := time.Now().Add(r.cfg.ReplyTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}
		line, ok, err := r.dev.ReadLine(remaining)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
}

// serialFailed extends the serial failure streak and reopens the device once
// the streak reaches the threshold.
func (r *Relay) serialFailed() {
	r.serialFailures++
	if r.serialFailures < r.cfg.FailureThreshold {
		return
	}
	r.serialFailures = 0
	metrics.IncReconnect("relay_serial")

	if r.dev != nil {
		if err := r.dev.Close(); err != nil {
			r.logger.Debug("close serial", zap.Error(err))
		}
		r.dev = nil
	}
	if err := r.openDevice(); err != nil {
		r.logger.Warn("serial reopen failed", zap.Error(err))
		return
	}
	r.logger.Info("serial reopened")
}

func (r *Relay) storeFailed() {
	r.storeFailures++
}

func (r *Relay) storeRecovered() {
	if r.storeFailures > 0 {
		r.logger.Info("store recovered", zap.Int("failed_cycles", r.storeFailures))
	}
	r.storeFailures = 0
	r.storeBackoff.Reset()
}

// extraDelay is added to the poll interval while a store failure streak lasts.
func (r *Relay) extraDelay() time.Duration {
	if r.storeFailures < r.cfg.FailureThreshold {
		return 0
	}
	d := r.storeBackoff.NextBackOff()
	if d == backoff.Stop {
		return r.storeBackoff.MaxInterval
	}
	return d
}

// Shutdown closes the device and marks the registration offline.
func (r *Relay) Shutdown() {
	r.setState(StateShuttingDown)

	if r.dev != nil {
		if err := r.dev.Close(); err != nil {
			r.logger.Warn("close serial", zap.Error(err))
		}
		r.dev = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.MarkOffline(ctx, r.cfg.DeviceID); err != nil {
		r.logger.Warn("mark offline failed", zap.Error(err))
	}

	r.setState(StateOffline)
	r.logger.Info("relay stopped", zap.Int64("cursor", r.Cursor()))
}
