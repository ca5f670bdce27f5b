package serialport

import (
	"testing"
	"time"
)

func TestLineSplitterDropsCRAndSplitsOnLF(t *testing.T) {
	var s lineSplitter
	s.feed([]byte("Temp: 21.0\r\nHumid"))
	s.feed([]byte("ity: 40\r\n"))

	line, ok := s.next()
	if !ok || line != "Temp: 21.0" {
		t.Fatalf("first line = %q, %v", line, ok)
	}
	line, ok = s.next()
	if !ok || line != "Humidity: 40" {
		t.Fatalf("second line = %q, %v", line, ok)
	}
	if _, ok := s.next(); ok {
		t.Fatalf("expected no more lines")
	}
}

func TestLineSplitterKeepsPartialLine(t *testing.T) {
	var s lineSplitter
	s.feed([]byte("Light: 25"))
	if _, ok := s.next(); ok {
		t.Fatalf("partial line must not be returned")
	}
	if !s.buffered() {
		t.Fatalf("partial line must count as buffered input")
	}
}

func TestDecodeDropsInvalidUTF8(t *testing.T) {
	var s lineSplitter
	s.feed([]byte{'F', 'a', 'n', 0xff, 0xfe, ':', ' ', 'O', 'N', '\n'})
	line, _ := s.next()
	if line != "Fan: ON" {
		t.Fatalf("line = %q", line)
	}
}

func TestLineSplitterBoundsLineLength(t *testing.T) {
	var s lineSplitter
	long := make([]byte, maxLine+100)
	for i := range long {
		long[i] = 'x'
	}
	s.feed(append(long, '\n'))
	line, _ := s.next()
	if len(line) != maxLine {
		t.Fatalf("len = %d, want %d", len(line), maxLine)
	}
}

func TestFakeReplies(t *testing.T) {
	f := NewFake()
	f.Reply = func(line string) string {
		if line == "STATUS" {
			return "OK READY"
		}
		return ""
	}

	if err := f.WriteLine("STATUS"); err != nil {
		t.Fatalf("write: %v", err)
	}
	avail, err := f.BytesAvailable()
	if err != nil || !avail {
		t.Fatalf("expected reply to be available: %v %v", avail, err)
	}
	line, ok, err := f.ReadLine(time.Second)
	if err != nil || !ok || line != "OK READY" {
		t.Fatalf("reply = %q %v %v", line, ok, err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.WriteLine("STATUS"); err != ErrClosed {
		t.Fatalf("write after close = %v, want ErrClosed", err)
	}
}
