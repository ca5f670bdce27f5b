package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"greenhouse/go-iot-stack/internal/mqttbroker"
)

func TestRoutingKey(t *testing.T) {
	cases := map[string]string{
		"schedule_1/soil_moisture":      "schedule_1.soil_moisture",
		"/greenhouse/node2/temperature": "greenhouse.node2.temperature",
		"single":                        "single",
	}
	for topic, want := range cases {
		if got := RoutingKey(topic); got != want {
			t.Errorf("RoutingKey(%q) = %q, want %q", topic, got, want)
		}
	}
	if got := TopicFromRoutingKey("schedule_1.leaf_count"); got != "schedule_1/leaf_count" {
		t.Fatalf("TopicFromRoutingKey = %q", got)
	}
}

func TestRecorderRequiresConnect(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	if err := r.Publish(ctx, "t", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := r.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	payload := []byte("x")
	if err := r.Publish(ctx, "t", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	payload[0] = 'y'
	msgs := r.Messages()
	if len(msgs) != 1 || string(msgs[0].Payload) != "x" {
		t.Fatalf("messages = %+v", msgs)
	}
	r.Disconnect()
	if r.Connects() != 1 || r.Disconnects() != 1 {
		t.Fatalf("connects=%d disconnects=%d", r.Connects(), r.Disconnects())
	}
}

func TestMQTTPublisherAgainstEmbeddedBroker(t *testing.T) {
	broker := mqttbroker.New(nil)
	if _, err := broker.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer broker.Stop()

	got := make(chan mqttbroker.PublishMessage, 1)
	broker.SetPublishHandler(func(_ context.Context, msg mqttbroker.PublishMessage) {
		got <- msg
	})

	pub := NewMQTTPublisher(MQTTOptions{
		BrokerURL:      "tcp://" + broker.Addr().String(),
		ConnectTimeout: 3 * time.Second,
		PublishTimeout: 3 * time.Second,
	}, nil)
	ctx := context.Background()
	if err := pub.Publish(ctx, "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pub.Disconnect()

	if err := pub.Publish(ctx, "schedule_1/light_growth", []byte(`{"lux":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Topic != "schedule_1/light_growth" || msg.QoS != 1 {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("broker did not receive publish")
	}
}
