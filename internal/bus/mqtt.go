package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QoS 1 gives at-least-once delivery.
const qosAtLeastOnce byte = 1

// MQTTOptions configures an MQTTPublisher.
type MQTTOptions struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTPublisher publishes over MQTT with automatic reconnect. Publishes issued
// while the link is down are queued by the client and sent on reconnect.
type MQTTPublisher struct {
	opts   MQTTOptions
	logger *zap.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTPublisher returns an unconnected publisher. An empty client id gets a
// random suffix so parallel processes never collide.
func NewMQTTPublisher(opts MQTTOptions, logger *zap.Logger) *MQTTPublisher {
	if opts.ClientID == "" {
		opts.ClientID = "greenhouse-" + uuid.NewString()[:8]
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTPublisher{opts: opts, logger: logger.With(zap.String("mqtt_client_id", opts.ClientID))}
}

func (p *MQTTPublisher) Connect(ctx context.Context) error {
	logger := p.logger
	clientOpts := mqtt.NewClientOptions().
		AddBroker(p.opts.BrokerURL).
		SetClientID(p.opts.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(32 * time.Second).
		SetConnectTimeout(p.opts.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", zap.String("broker", p.opts.BrokerURL))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			logger.Info("mqtt reconnecting")
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if err := wait(ctx, token, p.opts.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("connect mqtt %s: %w", p.opts.BrokerURL, err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	token := client.Publish(topic, qosAtLeastOnce, false, payload)
	if err := wait(ctx, token, p.opts.PublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Disconnect() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
