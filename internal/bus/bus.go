// Package bus publishes telemetry frames to the message broker.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotConnected is returned by Publish before Connect succeeds.
var ErrNotConnected = errors.New("bus not connected")

// ErrConfirmTimeout is returned when the broker withholds a publisher confirm.
var ErrConfirmTimeout = errors.New("publisher confirm timed out")

// Publisher delivers payloads at least once.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
}

// RoutingKey maps an MQTT topic onto an AMQP topic-exchange routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// TopicFromRoutingKey reverses RoutingKey.
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// Message is one payload captured by a Recorder.
type Message struct {
	Topic   string
	Payload []byte
}

// Recorder is an in-memory Publisher. Set Err to make Publish fail.
type Recorder struct {
	mu          sync.Mutex
	messages    []Message
	connected   bool
	connects    int
	disconnects int

	Err        error
	ConnectErr error
}

func (r *Recorder) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.ConnectErr != nil {
		return r.ConnectErr
	}
	r.connected = true
	return nil
}

func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if !r.connected {
		return ErrNotConnected
	}
	r.messages = append(r.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (r *Recorder) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	r.disconnects++
}

// Messages returns a copy of every published message.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Connects and Disconnects count lifecycle calls.
func (r *Recorder) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func (r *Recorder) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}
