// Package serialport provides the line-oriented serial link to edge microcontrollers.
package serialport

import (
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a closed device.
var ErrClosed = errors.New("serial device closed")

// Device is a line-oriented serial connection. Reads are always bounded by a timeout.
type Device interface {
	// WriteLine sends text followed by a newline and waits for the output to drain.
	WriteLine(text string) error
	// ReadLine returns the next complete line; ok is false if none arrived within timeout.
	ReadLine(timeout time.Duration) (line string, ok bool, err error)
	// BytesAvailable reports whether unread input is waiting, without blocking for long.
	BytesAvailable() (bool, error)
	Close() error
}

// Opener opens a Device. It is called again on every reconnect cycle.
type Opener func() (Device, error)

// maxLine bounds one accumulated line; longer input is truncated until the next LF.
const maxLine = 1024

// lineSplitter accumulates raw bytes and yields LF-terminated lines with CR dropped.
type lineSplitter struct {
	partial []byte
	lines   []string
}

func (s *lineSplitter) feed(chunk []byte) {
	for _, b := range chunk {
		switch b {
		case '\n':
			s.lines = append(s.lines, decode(s.partial))
			s.partial = s.partial[:0]
		case '\r':
		default:
			if len(s.partial) < maxLine {
				s.partial = append(s.partial, b)
			}
		}
	}
}

func (s *lineSplitter) next() (string, bool) {
	if len(s.lines) == 0 {
		return "", false
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, true
}

func (s *lineSplitter) buffered() bool {
	return len(s.lines) > 0 || len(s.partial) > 0
}

// decode drops invalid UTF-8 sequences, matching how the boards' noisy output is treated.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}
