package serialport

import (
	"errors"
	"sync"
	"time"
)

// Fake is an in-memory Device for tests. Reply maps a written line to the line the
// board would answer with; an empty reply means the board stays silent.
type Fake struct {
	mu      sync.Mutex
	written []string
	input   lineSplitter
	closed  bool

	Reply    func(line string) string
	WriteErr error
	ReadErr  error
}

// NewFake returns an open fake device.
func NewFake() *Fake {
	return &Fake{}
}

// Feed queues raw device output.
func (f *Fake) Feed(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input.feed([]byte(raw))
}

// Written returns every line written so far.
func (f *Fake) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) WriteLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.written = append(f.written, text)
	if f.Reply != nil {
		if reply := f.Reply(text); reply != "" {
			f.input.feed([]byte(reply + "\r\n"))
		}
	}
	return nil
}

func (f *Fake) ReadLine(time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", false, ErrClosed
	}
	if f.ReadErr != nil {
		return "", false, f.ReadErr
	}
	line, ok := f.input.next()
	return line, ok, nil
}

func (f *Fake) BytesAvailable() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	if f.ReadErr != nil {
		return false, f.ReadErr
	}
	return len(f.input.lines) > 0, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake serial already closed")
	}
	f.closed = true
	return nil
}
