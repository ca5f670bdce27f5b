package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/bus"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/store"
)

// FrameHandler processes one telemetry frame published on topic.
type FrameHandler func(ctx context.Context, topic string, payload []byte) error

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	URL           string
	Exchange      string
	Queue         string
	DLQQueue      string
	RoutingKey    string
	PrefetchCount int
	RetryDelay    time.Duration // pause before a frame is requeued after a store outage
	Logger        *zap.Logger
	Handler       FrameHandler
	OnLost        func(error) // called when the broker closes the delivery channel
}

// IngestConsumer drains telemetry frames that edge publishers sent through the
// AMQP exchange. Frames that fail while the store is unavailable are requeued;
// every other rejection is dead-lettered.
type IngestConsumer struct {
	cfg     ConsumerConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIngestConsumer dials the broker and declares the exchange, the queue with its
// dead-letter routing, the DLQ and the binding.
func NewIngestConsumer(cfg ConsumerConfig) (*IngestConsumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Handler == nil {
		return nil, errors.New("amqp consumer requires a handler")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "#"
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	return &IngestConsumer{cfg: cfg, conn: conn, channel: ch, logger: cfg.Logger}, nil
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		// An existing queue declared without DLX arguments fails the precondition.
		cfg.Logger.Warn("failed to declare queue with DLX, trying without DLX", zap.Error(err))
		if _, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	if _, err = ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}
	if err = ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Start begins consuming on a background goroutine.
func (c *IngestConsumer) Start() error {
	msgs, err := c.channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.logger.Info("consumer started", zap.String("queue", c.cfg.Queue), zap.Int("prefetch", c.cfg.PrefetchCount))
	go func() {
		defer close(done)
		c.run(ctx, msgs)
	}()
	return nil
}

func (c *IngestConsumer) run(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("message channel closed")
				if c.cfg.OnLost != nil {
					c.cfg.OnLost(fmt.Errorf("amqp delivery channel for %s closed", c.cfg.Queue))
				}
				return
			}
			c.process(ctx, msg)
		}
	}
}

func (c *IngestConsumer) process(ctx context.Context, msg amqp.Delivery) {
	topic := deliveryTopic(msg)
	err := c.cfg.Handler(ctx, topic, msg.Body)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("failed to ACK message", zap.Error(ackErr))
		}
		return
	}

	requeue := errors.Is(err, store.ErrUnavailable)
	c.logger.Error("failed to process message", zap.String("topic", topic), zap.Bool("requeue", requeue), zap.Error(err))
	if requeue {
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	// requeue=false routes the frame to the DLQ
	if nackErr := msg.Nack(false, requeue); nackErr != nil {
		c.logger.Error("failed to NACK message", zap.Error(nackErr))
	}
}

// deliveryTopic prefers the original MQTT topic set by the publisher.
func deliveryTopic(msg amqp.Delivery) string {
	if topic, ok := msg.Headers["mqtt_topic"].(string); ok && topic != "" {
		return topic
	}
	return bus.TopicFromRoutingKey(msg.RoutingKey)
}

// Close stops the consume loop and closes the connection.
func (c *IngestConsumer) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close amqp channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close amqp connection: %w", err))
		}
	}
	c.logger.Info("consumer stopped")
	return errors.Join(errs...)
}

// consumeFrame ingests a frame from the AMQP queue and records validation
// failures before the frame is dead-lettered.
func (a *App) consumeFrame(ctx context.Context, topic string, payload []byte) error {
	err := a.ingestFrame(ctx, topic, payload)
	if err != nil && errors.Is(err, model.ErrValidation) {
		a.recordIngestionError(ctx, "amqp:"+topic, payload, err)
	}
	return err
}
