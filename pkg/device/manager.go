// Package device owns the serial channel to one rotor controller: it finds
// and opens the channel, keeps the connection state machine and writes
// frames one at a time with the controller's mandatory pacing.
package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/discovery"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
	"github.com/rehakomoon/VRCHapticsLite/pkg/protocol"
	"github.com/rehakomoon/VRCHapticsLite/pkg/serial"
)

var (
	ErrNoChannels = errors.New("device: no serial channels found")
	ErrClosed     = errors.New("device: manager closed")
)

// Config configures one controller connection.
type Config struct {
	// ID names the device in logs, metrics and config ([device <id>]).
	ID string
	// Name is the Bluetooth name substring used to pick a channel.
	Name string
	// Channel, when set, is used as is and discovery is skipped.
	Channel string

	BaudRate     int
	Interval     time.Duration
	RetryBackoff time.Duration

	// AutoSetup starts a background setup when a frame arrives while
	// uninitialized.
	AutoSetup bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithOpener replaces serial.Open.
func WithOpener(open serial.Opener) Option {
	return func(m *Manager) { m.open = open }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// Manager serialises all traffic to one controller.
type Manager struct {
	cfg       Config
	disc      discovery.Discoverer
	open      serial.Opener
	observers []Observer
	logger    *log.Logger

	mu         sync.Mutex
	state      State
	changed    chan struct{}
	ch         serial.Channel
	chName     string
	everOpened bool
	closed     bool
	stats      Stats
	pending    []func()

	// notifyMu keeps observer calls from overlapping.
	notifyMu sync.Mutex

	life       context.Context
	stop       context.CancelFunc
	bgSetup    atomic.Bool
	bgDone     sync.WaitGroup
	sleepAfter func(time.Duration)
}

// New creates a manager in the Uninitialized state. Nothing is opened
// until Setup or a forced Send.
func New(cfg Config, disc discovery.Discoverer, opts ...Option) *Manager {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	life, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		disc:       disc,
		open:       serial.Open,
		logger:     log.GetLogger("device"),
		changed:    make(chan struct{}),
		stats:      Stats{Dropped: make(map[Reason]uint64)},
		life:       life,
		stop:       stop,
		sleepAfter: time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the configured device id.
func (m *Manager) ID() string {
	return m.cfg.ID
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Channel returns the identifier of the last opened channel.
func (m *Manager) Channel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chName
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Dropped = make(map[Reason]uint64, len(m.stats.Dropped))
	for k, v := range m.stats.Dropped {
		s.Dropped[k] = v
	}
	return s
}

// setStateLocked changes state, wakes waiters and queues the observer call.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	from := m.state
	m.state = s
	m.stats.LastStateTime = time.Now()
	close(m.changed)
	m.changed = make(chan struct{})

	id := m.cfg.ID
	for _, o := range m.observers {
		o := o
		m.pending = append(m.pending, func() { o.StateChanged(id, from, s) })
	}
}

// unlock releases mu and runs queued observer calls.
func (m *Manager) unlock() {
	calls := m.pending
	m.pending = nil
	if len(calls) == 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.notifyMu.Lock()
	for _, fn := range calls {
		fn()
	}
	m.notifyMu.Unlock()
}

// waitLocked blocks until the state changes or ctx is done. mu is held on
// entry and on return.
func (m *Manager) waitLocked(ctx context.Context) error {
	changed := m.changed
	m.unlock()
	select {
	case <-changed:
		m.mu.Lock()
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		return ctx.Err()
	}
}

// Setup (re)connects: it closes the current channel, discovers the target
// channel and opens it, retrying every RetryBackoff until ctx is done. A
// call while another setup is connecting returns nil immediately.
func (m *Manager) Setup(ctx context.Context) error {
	m.mu.Lock()
	for m.state == Sending {
		if err := m.waitLocked(ctx); err != nil {
			m.unlock()
			return err
		}
	}
	if m.closed {
		m.unlock()
		return ErrClosed
	}
	if m.state == Connecting {
		m.unlock()
		return nil
	}
	m.setStateLocked(Connecting)
	m.stats.Setups++
	old, oldName := m.ch, m.chName
	m.ch = nil
	m.unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			err = herrors.DeviceError(herrors.ErrDeviceClose, m.cfg.ID, oldName, err)
			m.failSetup(err)
			return err
		}
	}

	name, err := m.resolve()
	if err != nil {
		m.failSetup(err)
		return err
	}

	ch, err := m.openWithRetry(ctx, name)
	if err != nil {
		m.failSetup(err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.setStateLocked(Uninitialized)
		m.unlock()
		ch.Close()
		return ErrClosed
	}
	m.ch = ch
	m.chName = name
	m.everOpened = true
	m.stats.LastChannel = name
	m.setStateLocked(Ready)
	m.unlock()

	m.logger.WithFields(log.Fields{"device": m.cfg.ID, "channel": name}).Info("ready")
	return nil
}

func (m *Manager) failSetup(err error) {
	m.mu.Lock()
	m.stats.LastError = err.Error()
	m.setStateLocked(Uninitialized)
	m.unlock()
	m.logger.WithField("device", m.cfg.ID).WithError(err).Warn("setup failed")
}

// resolve picks the channel: the configured one, else the channel of the
// named pairing, else the first listed channel.
func (m *Manager) resolve() (string, error) {
	if m.cfg.Channel != "" {
		return m.cfg.Channel, nil
	}
	channels, err := m.disc.ListChannels()
	if err != nil {
		return "", herrors.Wrap(err, herrors.ErrDiscovery, "list channels").SetSection(m.cfg.ID)
	}
	if len(channels) == 0 {
		return "", herrors.DeviceError(herrors.ErrDeviceNotFound, m.cfg.ID, "", ErrNoChannels)
	}
	name, ok, err := m.disc.ResolveNamedChannel(m.cfg.Name)
	if err != nil {
		m.logger.WithField("device", m.cfg.ID).WithError(err).Warn("name lookup failed, using first channel")
	}
	if ok {
		return name, nil
	}
	m.logger.WithFields(log.Fields{"device": m.cfg.ID, "name": m.cfg.Name, "channel": channels[0]}).
		Debug("no paired device matched, using first channel")
	return channels[0], nil
}

func (m *Manager) serialConfig(name string) serial.Config {
	cfg := serial.DefaultConfig()
	cfg.Device = name
	cfg.BaudRate = m.cfg.BaudRate
	return cfg
}

func (m *Manager) openWithRetry(ctx context.Context, name string) (serial.Channel, error) {
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		ch, err := m.open(m.serialConfig(name))
		if err == nil {
			return ch, nil
		}
		err = herrors.DeviceError(herrors.ErrDeviceOpen, m.cfg.ID, name, err)
		m.mu.Lock()
		m.stats.OpenFailures++
		m.stats.LastError = err.Error()
		m.mu.Unlock()
		m.logger.WithFields(log.Fields{"device": m.cfg.ID, "attempt": attempt}).WithError(err).Warn("open failed")

		timer.Reset(m.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Send writes one frame. Unless force is set, the frame is dropped when
// the manager is not Ready. A forced frame waits out Connecting and
// Sending (bounded by ctx) and triggers the first setup if none ran yet.
func (m *Manager) Send(ctx context.Context, intensities []byte, force bool) Result {
	res := Result{Force: force, At: time.Now()}

	frame, err := protocol.EncodeFrame(intensities)
	if err != nil {
		res.Err = herrors.Wrap(err, herrors.ErrProtocolEncode, "encode frame")
		return m.finish(res, ReasonEncode)
	}
	res.Frame = frame

	m.mu.Lock()
	if m.closed {
		m.unlock()
		return m.finish(res, ReasonClosed)
	}

	if !force {
		if m.state != Ready {
			startSetup := m.state == Uninitialized && m.cfg.AutoSetup
			m.unlock()
			if startSetup {
				m.setupInBackground()
			}
			return m.finish(res, ReasonNotReady)
		}
	} else {
		if err := m.awaitIdleLocked(ctx); err != nil {
			m.unlock()
			res.Err = err
			return m.finish(res, ReasonCancelled)
		}
		if !m.everOpened {
			m.unlock()
			if err := m.Setup(ctx); err != nil {
				res.Err = err
			}
			m.mu.Lock()
			if err := m.awaitIdleLocked(ctx); err != nil {
				m.unlock()
				res.Err = err
				return m.finish(res, ReasonCancelled)
			}
		}
		if m.ch == nil || m.state != Ready {
			m.unlock()
			return m.finish(res, ReasonNoChannel)
		}
	}

	m.setStateLocked(Sending)
	ch, name := m.ch, m.chName
	m.unlock()
	res.Channel = name

	reason := m.transmit(ch, name, frame[:], &res)

	m.mu.Lock()
	m.setStateLocked(Ready)
	m.unlock()
	return m.finish(res, reason)
}

func (m *Manager) awaitIdleLocked(ctx context.Context) error {
	for m.state == Connecting || m.state == Sending {
		if err := m.waitLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// transmit runs in the Sending state, so it owns the channel.
func (m *Manager) transmit(ch serial.Channel, name string, frame []byte, res *Result) Reason {
	if !ch.IsOpen() {
		reopened, err := m.open(m.serialConfig(name))
		if err != nil {
			res.Err = herrors.DeviceError(herrors.ErrDeviceOpen, m.cfg.ID, name, err)
			m.mu.Lock()
			m.stats.OpenFailures++
			m.mu.Unlock()
			return ReasonReopenFailed
		}
		m.mu.Lock()
		m.ch = reopened
		m.mu.Unlock()
		ch = reopened
		m.logger.WithFields(log.Fields{"device": m.cfg.ID, "channel": name}).Info("channel reopened")
	}

	_, err := ch.Write(frame)
	if err == nil {
		err = ch.Drain()
	}
	if err != nil {
		res.Err = herrors.DeviceError(herrors.ErrDeviceWrite, m.cfg.ID, name, err)
		ch.Close()
		return ReasonWriteFailed
	}

	res.Sent = true
	m.sleepAfter(m.cfg.Interval)
	return ReasonNone
}

func (m *Manager) finish(res Result, reason Reason) Result {
	res.Reason = reason

	m.mu.Lock()
	if res.Sent {
		m.stats.Sent++
		m.stats.LastSendAt = res.At
	} else {
		m.stats.Dropped[reason]++
		if res.Err != nil {
			m.stats.LastError = res.Err.Error()
		}
	}
	m.unlock()

	if res.Err != nil && reason != ReasonCancelled {
		m.logDrop(reason, res.Err)
	}

	if len(m.observers) > 0 {
		m.notifyMu.Lock()
		for _, o := range m.observers {
			o.FrameResult(m.cfg.ID, res)
		}
		m.notifyMu.Unlock()
	}
	return res
}

// logDrop logs a failed send: channel failures at warn, anything else
// (an encode error) at error.
func (m *Manager) logDrop(reason Reason, err error) {
	entry := m.logger.WithFields(log.Fields{"device": m.cfg.ID, "reason": string(reason)})
	var he *herrors.HostError
	if errors.As(err, &he) {
		entry = entry.WithFields(log.Fields(he.Fields()))
	}
	entry = entry.WithError(err)
	if herrors.IsDevice(err) {
		entry.Warn("frame dropped")
		return
	}
	entry.Error("frame dropped")
}

// setupInBackground starts at most one background setup bound to the
// manager's lifetime.
func (m *Manager) setupInBackground() {
	if !m.bgSetup.CompareAndSwap(false, true) {
		return
	}
	m.bgDone.Add(1)
	go func() {
		defer m.bgDone.Done()
		defer m.bgSetup.Store(false)
		defer func() {
			if err := herrors.FromPanic(recover()); err != nil {
				m.logger.WithError(err).Error("background setup panicked")
			}
		}()
		m.Setup(m.life)
	}()
}

// Start runs Setup in the background; the manager's lifetime bounds it.
func (m *Manager) Start() {
	m.setupInBackground()
}

// Close cancels any setup, waits out an in-flight frame and closes the
// channel. Later sends are dropped.
func (m *Manager) Close() error {
	m.stop()

	m.mu.Lock()
	if m.closed {
		m.unlock()
		return nil
	}
	m.closed = true
	for m.state == Sending {
		m.waitLocked(context.Background())
	}
	ch, name := m.ch, m.chName
	m.ch = nil
	if m.state != Connecting {
		m.setStateLocked(Uninitialized)
	}
	m.unlock()

	m.bgDone.Wait()

	if ch != nil {
		if err := ch.Close(); err != nil {
			return herrors.DeviceError(herrors.ErrDeviceClose, m.cfg.ID, name, err)
		}
	}
	return nil
}
