package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeConfirm struct {
	done  chan struct{}
	acked bool
}

func (f *fakeConfirm) Done() <-chan struct{} { return f.done }
func (f *fakeConfirm) Acked() bool           { return f.acked }

func TestAwaitConfirmTimesOutWhenWithheld(t *testing.T) {
	dc := &fakeConfirm{done: make(chan struct{})}
	started := time.Now()
	err := awaitConfirm(context.Background(), dc, 50*time.Millisecond, "schedule_1.soil_moisture")
	if !errors.Is(err, ErrConfirmTimeout) {
		t.Fatalf("expected ErrConfirmTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("confirm wait took %s", elapsed)
	}
}

func TestAwaitConfirmAckAndNack(t *testing.T) {
	acked := &fakeConfirm{done: make(chan struct{}), acked: true}
	close(acked.done)
	if err := awaitConfirm(context.Background(), acked, time.Second, "k"); err != nil {
		t.Fatalf("acked confirm: %v", err)
	}

	nacked := &fakeConfirm{done: make(chan struct{})}
	close(nacked.done)
	if err := awaitConfirm(context.Background(), nacked, time.Second, "k"); err == nil || errors.Is(err, ErrConfirmTimeout) {
		t.Fatalf("nacked confirm: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := awaitConfirm(ctx, &fakeConfirm{done: make(chan struct{})}, time.Second, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled wait: %v", err)
	}
}

func TestAMQPPublisherDefaultsAndUnconnectedPublish(t *testing.T) {
	p := NewAMQPPublisher(AMQPOptions{URL: "amqp://localhost", Exchange: "greenhouse.telemetry"}, nil)
	if p.opts.PublishTimeout != 5*time.Second || p.opts.ConnectTimeout != 20*time.Second {
		t.Fatalf("timeouts = %s / %s", p.opts.PublishTimeout, p.opts.ConnectTimeout)
	}
	if err := p.Publish(context.Background(), "schedule_1/leaf_count", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := NewAMQPPublisher(AMQPOptions{}, nil).Connect(context.Background()); err == nil {
		t.Fatalf("empty url accepted")
	}
}
