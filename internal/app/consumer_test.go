package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/store"
)

type ackRecorder struct {
	acks, nacks int
	requeued    bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acks++; return nil }

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *ackRecorder) Reject(uint64, bool) error { return nil }

func TestDeliveryTopic(t *testing.T) {
	withHeader := amqp.Delivery{RoutingKey: "schedule_1.soil_moisture", Headers: amqp.Table{"mqtt_topic": "greenhouse/node2/temperature"}}
	if got := deliveryTopic(withHeader); got != "greenhouse/node2/temperature" {
		t.Fatalf("topic = %q", got)
	}
	if got := deliveryTopic(amqp.Delivery{RoutingKey: "schedule_1.leaf_count"}); got != "schedule_1/leaf_count" {
		t.Fatalf("topic = %q", got)
	}
}

func TestProcessAcksOrDeadLetters(t *testing.T) {
	var seen []string
	c := &IngestConsumer{
		cfg: ConsumerConfig{Handler: func(_ context.Context, topic string, payload []byte) error {
			seen = append(seen, topic)
			if string(payload) == "bad" {
				return errors.New("rejected")
			}
			return nil
		}},
		logger: zap.NewNop(),
	}

	good := &ackRecorder{}
	c.process(context.Background(), amqp.Delivery{Acknowledger: good, RoutingKey: "schedule_1.leaf_count", Body: []byte(`{"leaf_count":3}`)})
	if good.acks != 1 || good.nacks != 0 {
		t.Fatalf("good delivery acks=%d nacks=%d", good.acks, good.nacks)
	}

	bad := &ackRecorder{}
	c.process(context.Background(), amqp.Delivery{Acknowledger: bad, RoutingKey: "schedule_1.leaf_count", Body: []byte("bad")})
	if bad.acks != 0 || bad.nacks != 1 || bad.requeued {
		t.Fatalf("bad delivery acks=%d nacks=%d requeued=%v", bad.acks, bad.nacks, bad.requeued)
	}
	if len(seen) != 2 || seen[0] != "schedule_1/leaf_count" {
		t.Fatalf("handler topics = %v", seen)
	}
}

func TestNewIngestConsumerRequiresHandler(t *testing.T) {
	if _, err := NewIngestConsumer(ConsumerConfig{URL: "amqp://localhost"}); err == nil {
		t.Fatalf("missing handler accepted")
	}
}

func TestProcessRequeuesWhenStoreUnavailable(t *testing.T) {
	c := &IngestConsumer{
		cfg: ConsumerConfig{
			RetryDelay: 10 * time.Millisecond,
			Handler: func(context.Context, string, []byte) error {
				return fmt.Errorf("ingest schedule_1/soil_moisture: insert soil reading: %w", store.ErrUnavailable)
			},
		},
		logger: zap.NewNop(),
	}
	rec := &ackRecorder{}
	c.process(context.Background(), amqp.Delivery{Acknowledger: rec, RoutingKey: "schedule_1.soil_moisture"})
	if rec.nacks != 1 || !rec.requeued {
		t.Fatalf("nacks=%d requeued=%v", rec.nacks, rec.requeued)
	}
}

func TestRunReportsClosedDeliveryChannel(t *testing.T) {
	lost := make(chan error, 1)
	c := &IngestConsumer{
		cfg: ConsumerConfig{
			Queue:   "greenhouse.ingest",
			Handler: func(context.Context, string, []byte) error { return nil },
			OnLost:  func(err error) { lost <- err },
		},
		logger: zap.NewNop(),
	}
	msgs := make(chan amqp.Delivery)
	close(msgs)
	c.run(context.Background(), msgs)
	select {
	case err := <-lost:
		if err == nil {
			t.Fatalf("nil error reported")
		}
	default:
		t.Fatalf("closed channel not reported")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.run(ctx, make(chan amqp.Delivery))
	if len(lost) != 0 {
		t.Fatalf("cancelled run reported a lost channel")
	}
}
