package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"greenhouse/go-iot-stack/internal/bus"
	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/serialport"
)

var fixedNow = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func noSleep(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }

type openerStub struct {
	devs  []*serialport.Fake
	calls int
}

func (o *openerStub) open() (serialport.Device, error) {
	o.calls++
	if len(o.devs) == 0 {
		return nil, errors.New("no such port")
	}
	dev := o.devs[0]
	o.devs = o.devs[1:]
	return dev, nil
}

func newSerialPublisher(t *testing.T, class model.DeviceClass, rec *bus.Recorder, devs ...*serialport.Fake) (*SerialPublisher, *openerStub) {
	t.Helper()
	stub := &openerStub{devs: devs}
	p, err := NewSerial(SerialConfig{Class: class}, stub.open, rec, nil)
	if err != nil {
		t.Fatalf("NewSerial: %v", err)
	}
	p.now = func() time.Time { return fixedNow }
	p.sleep = noSleep
	return p, stub
}

func connected(t *testing.T) *bus.Recorder {
	t.Helper()
	rec := &bus.Recorder{}
	if err := rec.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return rec
}

func TestStepPublishesStampedFrame(t *testing.T) {
	rec := connected(t)
	dev := serialport.NewFake()
	p, _ := newSerialPublisher(t, model.ClassVentilation, rec, dev)
	p.openSerial()

	dev.Feed("System ready\r\nTemp: 24.5C | Humidity: 60.2% | Fan: auto\r\n")
	for i := 0; i < 3; i++ {
		if err := p.Step(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "greenhouse/node2/temperature" {
		t.Fatalf("topic = %q", msgs[0].Topic)
	}
	var got map[string]any
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got["node_id"] != "temperature_node" || got["location"] != "greenhouse_section_2" {
		t.Fatalf("identity = %v / %v", got["node_id"], got["location"])
	}
	if got["timestamp"] != "2025-06-01T12:30:00.000000Z" {
		t.Fatalf("timestamp = %v", got["timestamp"])
	}
	if got["fan_status"] != "AUTO" || got["temperature"] != 24.5 {
		t.Fatalf("payload = %v", got)
	}
}

func TestLightGrowthPairPublishesOnSeparator(t *testing.T) {
	rec := connected(t)
	dev := serialport.NewFake()
	p, _ := newSerialPublisher(t, model.ClassLightGrowth, rec, dev)
	p.openSerial()

	dev.Feed("Light: 25 (DARK) | LEDs: ON (78%)\nPlant 1: 12.5 cm (Vegetative) | Plant 2: No reading\n---\n")
	for i := 0; i < 3; i++ {
		if err := p.Step(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Topic != "schedule_1/light_growth" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestPublishFailuresDegradeTransport(t *testing.T) {
	rec := connected(t)
	rec.Err = errors.New("broker unreachable")
	first, second := serialport.NewFake(), serialport.NewFake()
	p, stub := newSerialPublisher(t, model.ClassVentilation, rec, first, second)
	p.openSerial()

	for i := 1; i <= 10; i++ {
		first.Feed("Temp: 22.0C | Humidity: 50.0% | Fan: off\n")
		err := p.Step(context.Background())
		if err == nil {
			t.Fatalf("step %d: expected publish error", i)
		}
		if degraded := errors.Is(err, ErrTransportDegraded); degraded != (i == 10) {
			t.Fatalf("step %d: degraded = %v", i, degraded)
		}
	}

	p.Reconnect(context.Background())
	if !first.Closed() {
		t.Fatalf("serial device not closed during reconnect")
	}
	if stub.calls != 2 || p.dev != second {
		t.Fatalf("serial not reopened (calls=%d)", stub.calls)
	}
	if rec.Disconnects() != 1 || rec.Connects() != 2 {
		t.Fatalf("bus not cycled: connects=%d disconnects=%d", rec.Connects(), rec.Disconnects())
	}
	if p.errors.count != 0 {
		t.Fatalf("error streak not reset: %d", p.errors.count)
	}
}

func TestSuccessfulPublishResetsStreak(t *testing.T) {
	rec := connected(t)
	dev := serialport.NewFake()
	p, _ := newSerialPublisher(t, model.ClassVentilation, rec, dev)
	p.openSerial()

	rec.Err = errors.New("timeout")
	for i := 0; i < 9; i++ {
		dev.Feed("Temp: 22.0C | Humidity: 50.0% | Fan: off\n")
		_ = p.Step(context.Background())
	}
	rec.Err = nil
	dev.Feed("Temp: 22.0C | Humidity: 50.0% | Fan: off\n")
	if err := p.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if p.errors.count != 0 {
		t.Fatalf("streak = %d after success", p.errors.count)
	}
}

func TestSerialErrorsAreCounted(t *testing.T) {
	rec := connected(t)
	dev := serialport.NewFake()
	dev.ReadErr = errors.New("device unplugged")
	p, _ := newSerialPublisher(t, model.ClassSoil, rec, dev)
	p.openSerial()

	err := p.Step(context.Background())
	if !errors.Is(err, errSerial) {
		t.Fatalf("expected serial failure, got %v", err)
	}
	if p.errors.count != 1 {
		t.Fatalf("streak = %d", p.errors.count)
	}
}

func TestMissingDeviceCountsAsSerialFailure(t *testing.T) {
	rec := connected(t)
	p, _ := newSerialPublisher(t, model.ClassSoil, rec)
	p.openSerial()
	if err := p.Step(context.Background()); !errors.Is(err, errSerial) {
		t.Fatalf("expected serial failure without a device, got %v", err)
	}
}

func TestSerialRunClosesOnShutdown(t *testing.T) {
	rec := &bus.Recorder{}
	dev := serialport.NewFake()
	p, _ := newSerialPublisher(t, model.ClassVentilation, rec, dev)

	ctx, cancel := context.WithCancel(context.Background())
	dev.Feed("Temp: 22.0C | Humidity: 50.0% | Fan: off\n")
	p.sleep = func(context.Context, time.Duration) bool {
		cancel()
		return false
	}

	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !dev.Closed() {
		t.Fatalf("serial device left open")
	}
	if rec.Disconnects() != 1 {
		t.Fatalf("bus not disconnected")
	}
	if len(rec.Messages()) != 1 {
		t.Fatalf("published %d frames", len(rec.Messages()))
	}
}

func TestNewSerialRejectsLeafClass(t *testing.T) {
	if _, err := NewSerial(SerialConfig{Class: model.ClassLeafCount}, (&openerStub{}).open, &bus.Recorder{}, nil); err == nil {
		t.Fatalf("expected error for a class without a line parser")
	}
}
