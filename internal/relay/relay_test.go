package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"greenhouse/go-iot-stack/internal/model"
	"greenhouse/go-iot-stack/internal/serialport"
)

// memStore is an in-memory CommandStore with the same cursor rules as the SQL store.
type memStore struct {
	mu       sync.Mutex
	commands []model.Command
	cursors  map[string]int64
	status   map[string]string
	advances []int64

	registerErr error
	fetchErr    error
	advanceErr  error
}

func newMemStore() *memStore {
	return &memStore{cursors: map[string]int64{}, status: map[string]string{}}
}

func (m *memStore) enqueue(cmd model.Command) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd.ID = int64(len(m.commands) + 1)
	if cmd.Status == "" {
		cmd.Status = model.StatusSuccess
	}
	m.commands = append(m.commands, cmd)
	return cmd.ID
}

func (m *memStore) Register(_ context.Context, deviceID string, _ model.DeviceClass, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return 0, m.registerErr
	}
	m.status[deviceID] = model.DeviceOnline
	return m.cursors[deviceID], nil
}

func (m *memStore) FetchPending(_ context.Context, deviceID string, t model.CommandType, cursor int64, limit int) ([]model.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	floor := cursor
	if stored := m.cursors[deviceID]; stored > floor {
		floor = stored
	}
	var out []model.Command
	for _, c := range m.commands {
		if c.ID > floor && c.Type == t && c.Status == model.StatusSuccess {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AdvanceCursor(_ context.Context, deviceID string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return m.advanceErr
	}
	if _, ok := m.status[deviceID]; !ok {
		return errors.New("device not registered")
	}
	if cursor > m.cursors[deviceID] {
		m.cursors[deviceID] = cursor
	}
	m.advances = append(m.advances, cursor)
	return nil
}

func (m *memStore) Touch(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return m.fetchErr
	}
	return nil
}

func (m *memStore) MarkOffline(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[deviceID] = model.DeviceOffline
	return nil
}

func (m *memStore) cursor(deviceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[deviceID]
}

func watering(sector, duration int) model.Command {
	cmd, err := model.NewWateringCommand(sector, duration)
	if err != nil {
		panic(err)
	}
	return cmd
}

func fakeOpener(devs ...serialport.Device) (serialport.Opener, *int) {
	calls := 0
	return func() (serialport.Device, error) {
		calls++
		if len(devs) == 0 {
			return nil, errors.New("no such port")
		}
		d := devs[0]
		if len(devs) > 1 {
			devs = devs[1:]
		}
		return d, nil
	}, &calls
}

func newTestRelay(t *testing.T, cfg Config, st CommandStore, open serialport.Opener) *Relay {
	t.Helper()
	if cfg.DeviceID == "" {
		cfg.DeviceID = "pi-soil"
	}
	if cfg.Class == "" {
		cfg.Class = model.ClassSoil
	}
	r, err := New(cfg, st, open, nil)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	r.Initialize()
	if err := r.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func wateringReplies(line string) string {
	if strings.HasPrefix(line, "WATER_SECTOR_") {
		return "MANUAL_WATERING_STARTED"
	}
	return ""
}

func TestPollOnceAdvancesCursorPerCommand(t *testing.T) {
	st := newMemStore()
	for i := 1; i <= 3; i++ {
		st.enqueue(watering(i, 10))
	}
	st.enqueue(model.Command{Type: model.CommandFan, Action: model.ActionOn})

	dev := serialport.NewFake()
	dev.Reply = wateringReplies
	open, _ := fakeOpener(dev)
	r := newTestRelay(t, Config{}, st, open)

	n, err := r.PollOnce(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("poll = %d, %v; want 3", n, err)
	}
	if got := st.advances; len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("cursor must be persisted per command, got %v", got)
	}
	if r.Cursor() != 3 {
		t.Fatalf("local cursor = %d", r.Cursor())
	}

	written := dev.Written()
	want := []string{"STATUS", "WATER_SECTOR_1_10", "WATER_SECTOR_2_10", "WATER_SECTOR_3_10"}
	if strings.Join(written, ",") != strings.Join(want, ",") {
		t.Fatalf("written = %v, want %v", written, want)
	}

	n, err = r.PollOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second poll = %d, %v", n, err)
	}
}

func TestRegisterResumesFromStoredCursor(t *testing.T) {
	st := newMemStore()
	st.enqueue(watering(1, 5))
	second := st.enqueue(watering(2, 5))
	st.cursors["pi-soil"] = 1

	dev := serialport.NewFake()
	dev.Reply = wateringReplies
	open, _ := fakeOpener(dev)
	r := newTestRelay(t, Config{}, st, open)

	if r.Cursor() != 1 {
		t.Fatalf("cursor = %d, want stored 1", r.Cursor())
	}
	if _, err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	written := dev.Written()
	if len(written) != 2 || written[1] != "WATER_SECTOR_2_5" {
		t.Fatalf("written = %v", written)
	}
	if r.Cursor() != second {
		t.Fatalf("cursor = %d, want %d", r.Cursor(), second)
	}
}

func TestRejectStopsBatchAndRetries(t *testing.T) {
	st := newMemStore()
	st.enqueue(watering(1, 10))
	st.enqueue(watering(2, 10))
	st.enqueue(watering(3, 10))

	rejectSector2 := true
	dev := serialport.NewFake()
	dev.Reply = func(line string) string {
		if line == "WATER_SECTOR_2_10" && rejectSector2 {
			return "ERROR: pump busy"
		}
		return wateringReplies(line)
	}
	open, _ := fakeOpener(dev)
	r := newTestRelay(t, Config{}, st, open)

	n, err := r.PollOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("poll = %d, %v; want 1", n, err)
	}
	if r.Cursor() != 1 || st.cursor("pi-soil") != 1 {
		t.Fatalf("cursor = %d/%d, want 1", r.Cursor(), st.cursor("pi-soil"))
	}
	for _, line := range dev.Written() {
		if line == "WATER_SECTOR_3_10" {
			t.Fatalf("commands after a rejection must wait for the retry")
		}
	}

	rejectSector2 = false
	n, err = r.PollOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("retry poll = %d, %v; want 2", n, err)
	}
	if r.Cursor() != 3 {
		t.Fatalf("cursor = %d, want 3", r.Cursor())
	}
}

func TestAckPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy AckPolicy
		want   int64
	}{
		{AckLenient, 1},
		{AckStrict, 0},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			st := newMemStore()
			st.enqueue(watering(1, 10))

			dev := serialport.NewFake()
			open, _ := fakeOpener(dev)
			r := newTestRelay(t, Config{AckPolicy: tc.policy}, st, open)

			if _, err := r.PollOnce(context.Background()); err != nil {
				t.Fatalf("poll: %v", err)
			}
			if r.Cursor() != tc.want {
				t.Fatalf("cursor = %d, want %d", r.Cursor(), tc.want)
			}
		})
	}
}

func TestCrashBeforePersistRedispatches(t *testing.T) {
	st := newMemStore()
	id := st.enqueue(watering(2, 20))

	first := serialport.NewFake()
	first.Reply = wateringReplies
	open, _ := fakeOpener(first)
	r := newTestRelay(t, Config{}, st, open)

	st.advanceErr = errors.New("connection reset")
	if _, err := r.PollOnce(context.Background()); err == nil {
		t.Fatalf("expected persist failure")
	}
	if r.Cursor() != 0 {
		t.Fatalf("local cursor moved without a persisted cursor: %d", r.Cursor())
	}

	// restart: a fresh relay against the same store
	st.advanceErr = nil
	second := serialport.NewFake()
	second.Reply = wateringReplies
	open2, _ := fakeOpener(second)
	restarted := newTestRelay(t, Config{}, st, open2)

	n, err := restarted.PollOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("poll after restart = %d, %v", n, err)
	}
	if got := second.Written(); len(got) != 2 || got[1] != "WATER_SECTOR_2_20" {
		t.Fatalf("command not re-dispatched: %v", got)
	}
	if st.cursor("pi-soil") != id {
		t.Fatalf("stored cursor = %d, want %d", st.cursor("pi-soil"), id)
	}
}

func TestCursorNeverDecreases(t *testing.T) {
	st := newMemStore()
	for i := 0; i < 12; i++ {
		st.enqueue(watering(i%3+1, i%60+1))
	}

	calls := 0
	dev := serialport.NewFake()
	dev.Reply = func(line string) string {
		if line == "STATUS" {
			return "OK"
		}
		calls++
		if calls%4 == 0 {
			return "INVALID"
		}
		return "MANUAL_WATERING_STARTED"
	}
	open, _ := fakeOpener(dev)
	r := newTestRelay(t, Config{Limit: 3}, st, open)

	last := r.Cursor()
	for i := 0; i < 10; i++ {
		if _, err := r.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if r.Cursor() < last {
			t.Fatalf("cursor decreased from %d to %d", last, r.Cursor())
		}
		last = r.Cursor()
	}
	for i, c := range st.advances {
		if i > 0 && c <= st.advances[i-1] {
			t.Fatalf("advance sequence not increasing: %v", st.advances)
		}
	}
	if last != 12 {
		t.Fatalf("cursor = %d, want 12", last)
	}
}

func TestMalformedCommandIsSkipped(t *testing.T) {
	st := newMemStore()
	st.enqueue(model.Command{Type: model.CommandWatering})
	st.enqueue(watering(1, 3))

	dev := serialport.NewFake()
	dev.Reply = wateringReplies
	open, _ := fakeOpener(dev)
	r := newTestRelay(t, Config{}, st, open)

	n, err := r.PollOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if got := dev.Written(); len(got) != 2 || got[1] != "WATER_SECTOR_1_3" {
		t.Fatalf("written = %v", got)
	}
}

func TestDegradedModeDoesNotAdvance(t *testing.T) {
	st := newMemStore()
	st.enqueue(watering(1, 10))

	open, calls := fakeOpener()
	r := newTestRelay(t, Config{FailureThreshold: 2}, st, open)
	if *calls != 1 {
		t.Fatalf("opener calls = %d", *calls)
	}

	outcome, err := r.Dispatch(watering(1, 10))
	if outcome != Failed || !errors.Is(err, ErrNoSerial) {
		t.Fatalf("dispatch = %s, %v", outcome, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.PollOnce(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if r.Cursor() != 0 || st.cursor("pi-soil") != 0 {
		t.Fatalf("degraded relay must not advance")
	}
	if *calls < 2 {
		t.Fatalf("expected reopen attempts, opener calls = %d", *calls)
	}
}

func TestSerialReopenAfterFailureStreak(t *testing.T) {
	st := newMemStore()
	st.enqueue(watering(1, 10))

	broken := serialport.NewFake()
	healthy := serialport.NewFake()
	healthy.Reply = wateringReplies
	open, calls := fakeOpener(broken, healthy)
	r := newTestRelay(t, Config{FailureThreshold: 2}, st, open)
	broken.WriteErr = errors.New("i/o error")

	for i := 0; i < 2; i++ {
		if n, _ := r.PollOnce(context.Background()); n != 0 {
			t.Fatalf("poll %d completed a command on a broken port", i)
		}
	}
	if *calls != 2 || !broken.Closed() {
		t.Fatalf("expected broken port closed and reopened, calls = %d", *calls)
	}

	n, err := r.PollOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("poll after reopen = %d, %v", n, err)
	}
}

func TestStoreFailureStreakBacksOff(t *testing.T) {
	st := newMemStore()
	dev := serialport.NewFake()
	open, _ := fakeOpener(dev)
	r := newTestRelay(t, Config{FailureThreshold: 2, PollInterval: 10 * time.Millisecond}, st, open)

	st.fetchErr = errors.New("db down")
	if _, err := r.PollOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if d := r.extraDelay(); d != 0 {
		t.Fatalf("single failure must not back off, got %s", d)
	}
	if _, err := r.PollOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if d := r.extraDelay(); d <= 0 {
		t.Fatalf("expected backoff after streak, got %s", d)
	}

	st.fetchErr = nil
	if _, err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if d := r.extraDelay(); d != 0 {
		t.Fatalf("backoff must reset after recovery, got %s", d)
	}
}

func TestRunLifecycle(t *testing.T) {
	st := newMemStore()
	st.enqueue(model.Command{Type: model.CommandFan, Action: ""})

	dev := serialport.NewFake()
	dev.Reply = func(line string) string {
		switch line {
		case "STATUS":
			return "FAN:OFF TEMP:22.1"
		case "FAN_AUTO":
			return "FAN_AUTO_OK"
		}
		return ""
	}
	open, _ := fakeOpener(dev)
	r, err := New(Config{DeviceID: "pi-vent", Class: model.ClassVentilation, PollInterval: 5 * time.Millisecond}, st, open, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for st.cursor("pi-vent") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("command never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}

	if r.State() != StateOffline {
		t.Fatalf("state = %s", r.State())
	}
	if !dev.Closed() {
		t.Fatalf("serial not closed on shutdown")
	}
	st.mu.Lock()
	status := st.status["pi-vent"]
	st.mu.Unlock()
	if status != model.DeviceOffline {
		t.Fatalf("status = %s", status)
	}
}

func TestNewRejectsLeafCountClass(t *testing.T) {
	if _, err := New(Config{DeviceID: "x", Class: model.ClassLeafCount}, newMemStore(), nil, nil); err == nil {
		t.Fatalf("leaf_count nodes do not consume commands")
	}
}

func TestParseAckPolicy(t *testing.T) {
	if p, err := ParseAckPolicy(""); err != nil || p != AckLenient {
		t.Fatalf("default = %s, %v", p, err)
	}
	if p, err := ParseAckPolicy("STRICT"); err != nil || p != AckStrict {
		t.Fatalf("strict = %s, %v", p, err)
	}
	if _, err := ParseAckPolicy("maybe"); err == nil {
		t.Fatalf("expected error")
	}
}

// advanceAfter lets the first n cursor writes through, then fails.
type advanceAfter struct {
	*memStore
	n int
}

func (a *advanceAfter) AdvanceCursor(ctx context.Context, deviceID string, cursor int64) error {
	if a.n == 0 {
		return errors.New("disk I/O error")
	}
	a.n--
	return a.memStore.AdvanceCursor(ctx, deviceID, cursor)
}

func TestFailedCycleReportsZeroProcessed(t *testing.T) {
	mem := newMemStore()
	first := mem.enqueue(watering(1, 10))
	mem.enqueue(watering(2, 10))
	st := &advanceAfter{memStore: mem, n: 1}

	dev := serialport.NewFake()
	dev.Reply = wateringReplies
	open, _ := fakeOpener(dev)
	r := newTestRelay(t, Config{}, st, open)

	n, err := r.PollOnce(context.Background())
	if err == nil {
		t.Fatalf("expected persist failure")
	}
	if n != 0 {
		t.Fatalf("failed cycle reported %d processed", n)
	}
	if r.Cursor() != first || mem.cursor("pi-soil") != first {
		t.Fatalf("cursor = %d / %d, want %d", r.Cursor(), mem.cursor("pi-soil"), first)
	}
}

// chattyDevice streams telemetry on every read and never answers STATUS.
type chattyDevice struct {
	mu    sync.Mutex
	reads int
}

func (d *chattyDevice) WriteLine(string) error { return nil }

func (d *chattyDevice) ReadLine(timeout time.Duration) (string, bool, error) {
	pause := 20 * time.Millisecond
	if timeout < pause {
		time.Sleep(timeout)
		return "", false, nil
	}
	time.Sleep(pause)
	d.mu.Lock()
	d.reads++
	d.mu.Unlock()
	return "SOIL:512 TEMP:22.4", true, nil
}

func (d *chattyDevice) BytesAvailable() (bool, error) { return true, nil }
func (d *chattyDevice) Close() error                  { return nil }

func TestStartupStatusIsBoundedByReplyTimeout(t *testing.T) {
	dev := &chattyDevice{}
	open := func() (serialport.Device, error) { return dev, nil }
	r, err := New(Config{DeviceID: "pi-soil", Class: model.ClassSoil, ReplyTimeout: 100 * time.Millisecond}, newMemStore(), open, nil)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	started := time.Now()
	r.Initialize()
	if elapsed := time.Since(started); elapsed > 400*time.Millisecond {
		t.Fatalf("initialize took %s", elapsed)
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.reads >= staleLineLimit {
		t.Fatalf("read %d lines past the deadline", dev.reads)
	}
}
