//go:build linux || darwin

package serial

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// termiosPort is a raw-mode tty configured through termios.
type termiosPort struct {
	mu         sync.Mutex
	fd         int
	device     string
	closed     bool
	oldTermios *unix.Termios
}

func openDevice(cfg Config) (Channel, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios
	if err := applyMode(&termios, cfg); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	// Writes should block until the driver accepts them.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	// Drop anything queued before we took the port.
	_ = unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)

	return &termiosPort{fd: fd, device: cfg.Device, oldTermios: oldTermios}, nil
}

// applyMode puts termios into raw mode with the configured line settings and
// no hardware or software flow control.
func applyMode(t *unix.Termios, cfg Config) error {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CREAD | unix.CLOCAL

	switch cfg.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	case 8:
		t.Cflag |= unix.CS8
	default:
		return fmt.Errorf("serial: unsupported data bits %d", cfg.DataBits)
	}
	switch cfg.Parity {
	case NoParity:
	case OddParity:
		t.Cflag |= unix.PARENB | unix.PARODD
	case EvenParity:
		t.Cflag |= unix.PARENB
	default:
		return fmt.Errorf("serial: unsupported parity %d", cfg.Parity)
	}
	switch cfg.StopBits {
	case 1:
	case 2:
		t.Cflag |= unix.CSTOPB
	default:
		return fmt.Errorf("serial: unsupported stop bits %d", cfg.StopBits)
	}

	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		return err
	}
	setSpeed(t, speed)

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1
	return nil
}

func (p *termiosPort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

func (p *termiosPort) Drain() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	if err := drain(fd); err != nil {
		return fmt.Errorf("serial: drain: %w", err)
	}
	return nil
}

func (p *termiosPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

func (p *termiosPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *termiosPort) Name() string { return p.device }

func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}
