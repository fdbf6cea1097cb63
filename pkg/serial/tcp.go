package serial

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// tcpChannel carries frames to a controller simulator over TCP.
type tcpChannel struct {
	mu     sync.Mutex
	conn   net.Conn
	name   string
	closed bool
}

func openTCP(address string, timeout time.Duration) (*tcpChannel, error) {
	if address == "" {
		return nil, errors.New("serial: TCP address required")
	}
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpChannel{conn: conn, name: TCPPrefix + address}, nil
}

func (c *tcpChannel) Write(buf []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()

	n, err := conn.Write(buf)
	if err != nil {
		return n, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// Drain is a no-op: with Nagle disabled each Write is already on the wire.
func (c *tcpChannel) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *tcpChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *tcpChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *tcpChannel) Name() string { return c.name }
