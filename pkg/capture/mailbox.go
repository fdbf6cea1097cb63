package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Take after Close.
var ErrMailboxClosed = errors.New("capture: mailbox closed")

// Mailbox holds the newest frames for one consumer. When full, a new frame
// evicts the oldest one, which is released and counted as a drop.
type Mailbox struct {
	mu     sync.Mutex
	frames []*Frame
	depth  int
	closed bool
	notify chan struct{}

	delivered uint64
	dropped   uint64
}

// NewMailbox creates a mailbox of the given depth (at least 1).
func NewMailbox(depth int) *Mailbox {
	if depth < 1 {
		depth = 1
	}
	return &Mailbox{depth: depth, notify: make(chan struct{}, 1)}
}

// Put stores f, taking over the caller's reference. It reports whether an
// older frame was dropped to make room.
func (m *Mailbox) Put(f *Frame) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		f.Release()
		return false
	}
	var evicted *Frame
	if len(m.frames) == m.depth {
		evicted = m.frames[0]
		m.frames = m.frames[1:]
		m.dropped++
	}
	m.frames = append(m.frames, f)
	m.mu.Unlock()

	if evicted != nil {
		evicted.Release()
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return evicted != nil
}

// Take blocks until a frame is available, the mailbox is closed or ctx is
// done. The caller owns one reference to the returned frame.
func (m *Mailbox) Take(ctx context.Context) (*Frame, error) {
	for {
		m.mu.Lock()
		if len(m.frames) > 0 {
			f := m.frames[0]
			m.frames[0] = nil
			m.frames = m.frames[1:]
			m.delivered++
			m.mu.Unlock()
			return f, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, ErrMailboxClosed
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		}
	}
}

// Close releases pending frames and wakes Take.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.frames
	m.frames = nil
	m.mu.Unlock()

	for _, f := range pending {
		f.Release()
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Stats returns delivered and dropped counts.
func (m *Mailbox) Stats() (delivered, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered, m.dropped
}

// Broadcast offers f to every mailbox and releases the caller's reference.
// It returns how many older frames were evicted.
func Broadcast(f *Frame, boxes ...*Mailbox) int {
	drops := 0
	for _, b := range boxes {
		f.Retain()
		if b.Put(f) {
			drops++
		}
	}
	f.Release()
	return drops
}
