package serialport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// availabilityProbe bounds the read used to answer BytesAvailable.
const availabilityProbe = 10 * time.Millisecond

// Port is a Device backed by a host serial port.
type Port struct {
	name string

	mu       sync.Mutex
	port     serial.Port
	splitter lineSplitter
	buf      []byte
}

// Open opens name at the given baud rate, 8N1.
func Open(name string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("reset serial input %s: %w", name, err)
	}
	return &Port{name: name, port: p, buf: make([]byte, 256)}, nil
}

// NewOpener returns an Opener for name at baud.
func NewOpener(name string, baud int) Opener {
	return func() (Device, error) {
		return Open(name, baud)
	}
}

// Name returns the OS device path.
func (p *Port) Name() string { return p.name }

func (p *Port) WriteLine(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return ErrClosed
	}

	if _, err := p.port.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("write serial %s: %w", p.name, err)
	}
	if err := p.port.Drain(); err != nil {
		return fmt.Errorf("drain serial %s: %w", p.name, err)
	}
	return nil
}

func (p *Port) ReadLine(timeout time.Duration) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return "", false, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		if line, ok := p.splitter.next(); ok {
			return line, true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		if err := p.fill(remaining); err != nil {
			return "", false, err
		}
	}
}

func (p *Port) BytesAvailable() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return false, ErrClosed
	}
	if p.splitter.buffered() {
		return true, nil
	}
	if err := p.fill(availabilityProbe); err != nil {
		return false, err
	}
	return p.splitter.buffered(), nil
}

// fill performs one bounded read. A timeout surfaces as zero bytes read.
func (p *Port) fill(timeout time.Duration) error {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("set read timeout %s: %w", p.name, err)
	}
	n, err := p.port.Read(p.buf)
	if err != nil {
		return fmt.Errorf("read serial %s: %w", p.name, err)
	}
	if n > 0 {
		p.splitter.feed(p.buf[:n])
	}
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}
