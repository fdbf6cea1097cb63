// Package bridge turns captured frames into actuator frames for one
// module: it crops the module's region, samples it into a grid, maps the
// grid onto the module's point sets and hands the intensities to a device.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/capture"
	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
	"github.com/rehakomoon/VRCHapticsLite/pkg/pool"
	"github.com/rehakomoon/VRCHapticsLite/pkg/sampler"
	"github.com/rehakomoon/VRCHapticsLite/pkg/settings"
)

// Sender delivers one intensity vector; device.Manager implements it.
// Send must not edit the module it is sending for from the calling
// goroutine.
type Sender interface {
	Send(ctx context.Context, intensities []byte, force bool) device.Result
}

// Output is the last intensity vector of one point set.
type Output struct {
	Position string `json:"position"`
	Values   []int  `json:"values"`
}

// Preview is the last processed frame of a module.
type Preview struct {
	Module     string          `json:"module"`
	Seq        uint64          `json:"seq"`
	At         time.Time       `json:"at"`
	Enabled    bool            `json:"enabled"`
	Power      int             `json:"power"`
	Region     settings.Region `json:"region"`
	GridWidth  int             `json:"grid_width"`
	GridHeight int             `json:"grid_height"`
	Cells      []color.State   `json:"cells"`
	AllValid   bool            `json:"all_valid"`
	Outputs    []Output        `json:"outputs"`
	// Forced marks the zero frame sent on disable.
	Forced bool `json:"forced,omitempty"`
}

// Stats counts what happened to the frames a bridge saw.
type Stats struct {
	Frames  uint64 `json:"frames"`
	Skipped uint64 `json:"skipped"`
	Invalid uint64 `json:"invalid"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Observer is told about every processed frame.
type Observer interface {
	ModuleFrame(p Preview)
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.observers = append(b.observers, o) }
}

// WithForceTimeout bounds the zero frame sent on disable. Default 5s.
func WithForceTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.forceTimeout = d }
}

// Bridge processes frames for one module.
type Bridge struct {
	name         string
	params       Parameters
	module       *settings.Module
	colors       *settings.Colors
	sender       Sender
	forceTimeout time.Duration
	observers    []Observer
	logger       *log.Logger

	// sendMu orders frame sends against the neutral frame: once OnDisabled
	// holds it no powered vector can follow.
	sendMu sync.Mutex

	mu      sync.Mutex
	preview Preview
	stats   Stats
}

// New creates a bridge for module using the given layout.
func New(params Parameters, module *settings.Module, colors *settings.Colors, sender Sender, opts ...Option) *Bridge {
	b := &Bridge{
		name:         module.GetName(),
		params:       params,
		module:       module,
		colors:       colors,
		sender:       sender,
		forceTimeout: 5 * time.Second,
		logger:       log.GetLogger("bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.preview = Preview{
		Module:     b.name,
		GridWidth:  params.GridWidth,
		GridHeight: params.GridHeight,
		Outputs:    outputs(params.PointSets, ZeroIntensities(params.PointSets)),
	}
	return b
}

// Name returns the module name.
func (b *Bridge) Name() string { return b.name }

// Parameters returns the fixed layout.
func (b *Bridge) Parameters() Parameters { return b.params }

// Module returns the live settings.
func (b *Bridge) Module() *settings.Module { return b.module }

// Preview returns the last processed frame.
func (b *Bridge) Preview() Preview {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preview
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// OnFrame processes one captured frame. A zero-area region or a region
// entirely outside the frame produces nothing. The grid is sampled even
// while disabled so the preview stays live, but frames are only sent
// while enabled; an invalid grid sends zeros.
func (b *Bridge) OnFrame(ctx context.Context, f *capture.Frame) error {
	snap := b.module.Snapshot()
	r := snap.Region
	if r.Empty() {
		b.count(func(s *Stats) { s.Frames++; s.Skipped++ })
		return nil
	}

	x, y, w, h := f.Clip(r.X, r.Y, r.Width, r.Height)
	if w == 0 || h == 0 {
		b.count(func(s *Stats) { s.Frames++; s.Skipped++ })
		return nil
	}
	buf := pool.GetBuffer(w * h * capture.BytesPerPixel)
	buf, w, h = f.Crop(x, y, w, h, buf)
	defer pool.PutBuffer(buf)

	grid, err := sampler.Sample(buf, w, h, b.params.GridWidth, b.params.GridHeight, b.colors.Ranges())
	if err != nil {
		b.count(func(s *Stats) { s.Frames++; s.Skipped++ })
		return herrors.Wrap(err, herrors.ErrFrameInvalid, "sample region").SetSection(b.name)
	}

	vectors := MapIntensities(grid, b.params.PointSets, snap.Power, snap.Enabled)

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	enabled := snap.Enabled
	var sent, dropped uint64
	for _, v := range vectors {
		if !enabled {
			break
		}
		// A disable that landed since the snapshot already sent zeros.
		if enabled = b.module.Snapshot().Enabled; !enabled {
			break
		}
		if res := b.sender.Send(ctx, v, false); res.Sent {
			sent++
		} else {
			dropped++
		}
	}
	if !enabled {
		vectors = ZeroIntensities(b.params.PointSets)
	}

	p := Preview{
		Module:     b.name,
		Seq:        f.Seq,
		At:         f.Time,
		Enabled:    enabled,
		Power:      snap.Power,
		Region:     r,
		GridWidth:  grid.Width,
		GridHeight: grid.Height,
		Cells:      grid.Cells,
		AllValid:   grid.AllValid,
		Outputs:    outputs(b.params.PointSets, vectors),
	}
	b.publish(p, func(s *Stats) {
		s.Frames++
		if !grid.AllValid {
			s.Invalid++
		}
		s.Sent += sent
		s.Dropped += dropped
	})
	return nil
}

// OnDisabled force-sends the neutral frame for every point set.
func (b *Bridge) OnDisabled(ctx context.Context) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	zeros := ZeroIntensities(b.params.PointSets)
	var sent, dropped uint64
	for _, v := range zeros {
		res := b.sender.Send(ctx, v, true)
		if res.Sent {
			sent++
			continue
		}
		dropped++
		b.logger.WithFields(log.Fields{"module": b.name, "reason": string(res.Reason)}).
			WithError(res.Err).Warn("neutral frame not delivered")
	}

	b.mu.Lock()
	p := b.preview
	b.mu.Unlock()
	p.Enabled = false
	p.At = time.Now()
	p.Outputs = outputs(b.params.PointSets, zeros)
	p.Forced = true
	b.publish(p, func(s *Stats) {
		s.Sent += sent
		s.Dropped += dropped
	})
}

// Attach subscribes to module edits so that disabling the module sends the
// neutral frame before the edit returns. The returned func detaches.
func (b *Bridge) Attach() func() {
	return b.module.Subscribe(func(c settings.Change) {
		if !c.Disabled() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.forceTimeout)
		defer cancel()
		b.logger.WithField("module", b.name).Info("disabled, sending neutral frame")
		b.OnDisabled(ctx)
	})
}

// Shutdown sends the neutral frame if the module is still enabled.
func (b *Bridge) Shutdown(ctx context.Context) {
	if b.module.Snapshot().Enabled {
		b.OnDisabled(ctx)
	}
}

// Run processes frames from mb until ctx is done or mb is closed.
func (b *Bridge) Run(ctx context.Context, mb *capture.Mailbox) error {
	for {
		f, err := mb.Take(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrMailboxClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := b.OnFrame(ctx, f); err != nil {
			b.logger.WithField("module", b.name).WithError(err).Warn("frame skipped")
		}
		f.Release()
	}
}

func (b *Bridge) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

func (b *Bridge) publish(p Preview, fn func(*Stats)) {
	b.mu.Lock()
	b.preview = p
	fn(&b.stats)
	b.mu.Unlock()
	for _, o := range b.observers {
		o.ModuleFrame(p)
	}
}

func outputs(sets []PointSet, vectors [][]byte) []Output {
	out := make([]Output, len(sets))
	for i, ps := range sets {
		vals := make([]int, len(vectors[i]))
		for j, v := range vectors[i] {
			vals[j] = int(v)
		}
		out[i] = Output{Position: ps.Position, Values: vals}
	}
	return out
}
