//go:build !linux && !darwin

package serial

import (
	"fmt"
	"sync"

	bugst "go.bug.st/serial"
)

// bugstPort wraps go.bug.st/serial on platforms without a termios driver
// here (Windows COM ports in particular).
type bugstPort struct {
	mu     sync.Mutex
	port   bugst.Port
	device string
	closed bool
}

func openDevice(cfg Config) (Channel, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch cfg.Parity {
	case OddParity:
		mode.Parity = bugst.OddParity
	case EvenParity:
		mode.Parity = bugst.EvenParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	p, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	_ = p.ResetInputBuffer()
	return &bugstPort{port: p, device: cfg.Device}, nil
}

func (p *bugstPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	port := p.port
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := port.Write(buf[written:])
		if err != nil {
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

func (p *bugstPort) Drain() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	port := p.port
	p.mu.Unlock()
	return port.Drain()
}

func (p *bugstPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.port.Close()
}

func (p *bugstPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *bugstPort) Name() string { return p.device }
