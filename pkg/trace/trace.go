// Package trace records every device event (frames written, frames
// dropped, state changes) to a binary log for offline inspection.
//
// A trace file is the magic "HAPTRC01" followed by records. Each record
// is an 8-byte little-endian timestamp (unix nanoseconds), a 4-byte
// little-endian payload length and a CBOR payload. The first record is
// the session Header; the rest are Events.
package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
)

const (
	Magic = "HAPTRC01"

	// maxRecord bounds a record payload when reading.
	maxRecord = 1 << 20
)

var ErrBadMagic = errors.New("trace: not a trace file")

// Kind is the event type.
type Kind string

const (
	KindSent    Kind = "sent"
	KindDropped Kind = "dropped"
	KindState   Kind = "state"
)

// Header opens a trace.
type Header struct {
	Session string `cbor:"1,keyasint" json:"session"`
	Started int64  `cbor:"2,keyasint" json:"started"`
	Host    string `cbor:"3,keyasint,omitempty" json:"host,omitempty"`
	Version string `cbor:"4,keyasint,omitempty" json:"version,omitempty"`
}

// Event is one recorded device event.
type Event struct {
	Kind    Kind   `cbor:"1,keyasint" json:"kind"`
	Device  string `cbor:"2,keyasint" json:"device"`
	At      int64  `cbor:"3,keyasint" json:"at"`
	Frame   []byte `cbor:"4,keyasint,omitempty" json:"frame,omitempty"`
	Force   bool   `cbor:"5,keyasint,omitempty" json:"force,omitempty"`
	Reason  string `cbor:"6,keyasint,omitempty" json:"reason,omitempty"`
	Error   string `cbor:"7,keyasint,omitempty" json:"error,omitempty"`
	Channel string `cbor:"8,keyasint,omitempty" json:"channel,omitempty"`
	From    string `cbor:"9,keyasint,omitempty" json:"from,omitempty"`
	To      string `cbor:"10,keyasint,omitempty" json:"to,omitempty"`
}

// Time returns At as a time.
func (e Event) Time() time.Time { return time.Unix(0, e.At) }

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Recorder writes a trace; it implements device.Observer.
type Recorder struct {
	mu      sync.Mutex
	c       io.Closer
	w       *bufio.Writer
	header  Header
	events  uint64
	failed  bool
	logger  *log.Logger
	nowFunc func() time.Time
}

// Create starts a trace file at path, creating parent directories.
func Create(path, version string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRecorder(f, version)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorder writes the magic and session header to w. w is closed by
// Close when it is an io.Closer.
func NewRecorder(w io.Writer, version string) (*Recorder, error) {
	host, _ := os.Hostname()
	r := &Recorder{
		w:       bufio.NewWriterSize(w, 64*1024),
		logger:  log.GetLogger("trace"),
		nowFunc: time.Now,
		header: Header{
			Session: uuid.NewString(),
			Started: time.Now().UnixNano(),
			Host:    host,
			Version: version,
		},
	}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	if _, err := r.w.WriteString(Magic); err != nil {
		return nil, err
	}
	if err := r.writeRecord(r.header.Started, r.header); err != nil {
		return nil, err
	}
	return r, r.w.Flush()
}

// Session returns the session id written in the header.
func (r *Recorder) Session() string { return r.header.Session }

// Events returns the number of events recorded.
func (r *Recorder) Events() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

func (r *Recorder) writeRecord(ts int64, v any) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(ts))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	_, err = r.w.Write(payload)
	return err
}

// Record appends one event and flushes it.
func (r *Recorder) Record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("trace: recorder is closed")
	}
	if e.At == 0 {
		e.At = r.nowFunc().UnixNano()
	}
	err := r.writeRecord(e.At, e)
	if err == nil {
		err = r.w.Flush()
	}
	if err != nil {
		if !r.failed {
			r.logger.WithError(err).Error("trace write failed, further errors suppressed")
			r.failed = true
		}
		return err
	}
	r.events++
	return nil
}

// FrameResult implements device.Observer.
func (r *Recorder) FrameResult(id string, res device.Result) {
	e := Event{
		Kind:    KindSent,
		Device:  id,
		At:      res.At.UnixNano(),
		Frame:   append([]byte(nil), res.Frame[:]...),
		Force:   res.Force,
		Channel: res.Channel,
	}
	if !res.Sent {
		e.Kind = KindDropped
		e.Reason = string(res.Reason)
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
	}
	r.Record(e)
}

// StateChanged implements device.Observer.
func (r *Recorder) StateChanged(id string, from, to device.State) {
	r.Record(Event{Kind: KindState, Device: id, From: from.String(), To: to.String()})
}

// Close flushes and closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Flush()
	r.w = nil
	if r.c != nil {
		if cerr := r.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads a trace.
type Reader struct {
	r      *bufio.Reader
	header Header
}

// NewReader checks the magic and reads the header.
func NewReader(rd io.Reader) (*Reader, error) {
	r := &Reader{r: bufio.NewReader(rd)}
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r.r, magic); err != nil || string(magic) != Magic {
		return nil, ErrBadMagic
	}
	if _, err := r.next(&r.header); err != nil {
		return nil, fmt.Errorf("trace: header: %w", err)
	}
	return r, nil
}

// Header returns the session header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next event, or io.EOF at the end. A record cut short
// by a crash yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	var e Event
	_, err := r.next(&e)
	return e, err
}

func (r *Reader) next(v any) (int64, error) {
	var meta [12]byte
	if _, err := io.ReadFull(r.r, meta[:]); err != nil {
		return 0, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	if size > maxRecord {
		return 0, fmt.Errorf("trace: record of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if err := cbor.Unmarshal(payload, v); err != nil {
		return 0, fmt.Errorf("trace: decode record: %w", err)
	}
	return ts, nil
}
