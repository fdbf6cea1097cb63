// Package serial opens the byte-stream channels the rotor controller is
// reached through: local serial devices (USB, Bluetooth RFCOMM, COM ports)
// and, for the mock controller, plain TCP.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("serial: not connected")
	ErrClosed       = errors.New("serial: port closed")
	ErrNoDevice     = errors.New("serial: device path required")
)

// TCPPrefix marks a channel identifier as a TCP endpoint instead of a device.
const TCPPrefix = "tcp://"

// Parity mirrors the usual serial parity settings.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// Config holds serial port configuration.
type Config struct {
	// Device path or channel identifier (/dev/rfcomm0, COM5, tcp://127.0.0.1:7001)
	Device string

	// Line settings. The controller expects 115200 8N1.
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits int

	// DialTimeout bounds TCP connects; device opens do not block.
	DialTimeout time.Duration
}

// DefaultConfig returns 115200 baud, 8 data bits, no parity, 1 stop bit.
// Flow control is always off.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		DataBits:    8,
		Parity:      NoParity,
		StopBits:    1,
		DialTimeout: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = d.DataBits
	}
	if c.StopBits == 0 {
		c.StopBits = d.StopBits
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

func (c Config) String() string {
	p := "N"
	switch c.Parity {
	case OddParity:
		p = "O"
	case EvenParity:
		p = "E"
	}
	return fmt.Sprintf("%s@%d %d%s%d", c.Device, c.BaudRate, c.DataBits, p, c.StopBits)
}

// Channel is an open byte stream to the controller.
type Channel interface {
	io.Writer

	// Drain blocks until everything written has left the host.
	Drain() error

	// Close releases the channel. Closing twice is not an error.
	Close() error

	// IsOpen reports whether the channel is usable for writing.
	IsOpen() bool

	// Name returns the channel identifier it was opened with.
	Name() string
}

// Opener opens a channel for a configuration; tests substitute fakes.
type Opener func(cfg Config) (Channel, error)

// Open opens cfg.Device, dispatching tcp:// identifiers to a TCP dial and
// everything else to the platform serial driver.
func Open(cfg Config) (Channel, error) {
	if cfg.Device == "" {
		return nil, ErrNoDevice
	}
	cfg = cfg.withDefaults()
	if IsTCP(cfg.Device) {
		return openTCP(strings.TrimPrefix(cfg.Device, TCPPrefix), cfg.DialTimeout)
	}
	return openDevice(cfg)
}

// IsTCP reports whether the identifier names a TCP endpoint.
func IsTCP(device string) bool {
	return strings.HasPrefix(device, TCPPrefix)
}
