package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPOptions configures an AMQPPublisher.
type AMQPOptions struct {
	URL            string
	Exchange       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration // bound on the wait for the broker's confirm
}

// confirmation is the part of *amqp.DeferredConfirmation Publish waits on.
type confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

// AMQPPublisher publishes persistent messages to a durable topic exchange and
// waits for the broker's publisher confirm.
type AMQPPublisher struct {
	opts   AMQPOptions
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher returns an unconnected publisher.
func NewAMQPPublisher(opts AMQPOptions, logger *zap.Logger) *AMQPPublisher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{opts: opts, logger: logger}
}

func (p *AMQPPublisher) Connect(ctx context.Context) error {
	if p.opts.URL == "" {
		return errors.New("amqp url required")
	}

	dialer := &net.Dialer{Timeout: p.opts.ConnectTimeout}
	conn, err := amqp.DialConfig(p.opts.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
			defer cancel()
			nc, err := dialer.DialContext(dialCtx, network, addr)
			if err != nil {
				return nil, err
			}
			// Bounds the AMQP handshake; the client clears it once the connection is open.
			if err := nc.SetDeadline(time.Now().Add(p.opts.ConnectTimeout)); err != nil {
				nc.Close()
				return nil, err
			}
			return nc, nil
		},
	})
	if err != nil {
		return fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.opts.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.mu.Unlock()

	p.logger.Info("amqp publisher connected", zap.String("exchange", p.opts.Exchange))
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	key := RoutingKey(topic)
	dc, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		p.opts.Exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Headers:      amqp.Table{"mqtt_topic": topic},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	return awaitConfirm(ctx, dc, p.opts.PublishTimeout, key)
}

func awaitConfirm(ctx context.Context, dc confirmation, timeout time.Duration, key string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-dc.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("confirm %s: %w", key, ErrConfirmTimeout)
	}
	if !dc.Acked() {
		return fmt.Errorf("broker nacked %s", key)
	}
	return nil
}

func (p *AMQPPublisher) Disconnect() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.channel = nil
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logger.Warn("failed to close amqp connection", zap.Error(err))
	}
}
