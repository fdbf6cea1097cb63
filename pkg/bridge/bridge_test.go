package bridge

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/capture"
	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/config"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	"github.com/rehakomoon/VRCHapticsLite/pkg/discovery"
	"github.com/rehakomoon/VRCHapticsLite/pkg/protocol"
	"github.com/rehakomoon/VRCHapticsLite/pkg/sampler"
	"github.com/rehakomoon/VRCHapticsLite/pkg/serial"
	"github.com/rehakomoon/VRCHapticsLite/pkg/settings"
)

var (
	red  = color.Range{MinR: 150, MaxR: 255, MinG: 0, MaxG: 50, MinB: 0, MaxB: 50}
	dark = color.Range{MinR: 0, MaxR: 40, MinG: 0, MaxG: 40, MinB: 0, MaxB: 40}
)

type sendCall struct {
	intensities []byte
	force       bool
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	drop  bool
}

func (s *fakeSender) Send(ctx context.Context, intensities []byte, force bool) device.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{append([]byte(nil), intensities...), force})
	if s.drop && !force {
		return device.Result{Reason: device.ReasonNotReady, Force: force}
	}
	return device.Result{Sent: true, Force: force}
}

func (s *fakeSender) Calls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

type previewRecorder struct {
	mu       sync.Mutex
	previews []Preview
}

func (r *previewRecorder) ModuleFrame(p Preview) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previews = append(r.previews, p)
}

// bgraFrame fills a w x h frame with one color.
func bgraFrame(w, h int, r, g, b uint8) *capture.Frame {
	pix := make([]byte, w*h*capture.BytesPerPixel)
	for i := 0; i < len(pix); i += capture.BytesPerPixel {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = b, g, r, 255
	}
	return capture.NewFrame(1, w, h, pix, nil)
}

func setPixel(f *capture.Frame, x, y int, r, g, b uint8) {
	off := (y*f.Width + x) * capture.BytesPerPixel
	f.Pix[off], f.Pix[off+1], f.Pix[off+2] = b, g, r
}

func newModule(enabled bool, power, x, y, w, h int) *settings.Module {
	return settings.NewModule(config.ModuleConfig{
		Name: "rotor", Enabled: enabled, Power: power, X: x, Y: y, Width: w, Height: h,
	})
}

func quadParams(t *testing.T) Parameters {
	p, err := NewParameters(2, 2, []PointSet{{
		Position: "all",
		Points:   []Point{{0, 0}, {1, 0}, {0, 1}, {1, 1}},
	}})
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	return p
}

func TestMapIntensities(t *testing.T) {
	grid := sampler.Grid{
		Width: 1, Height: 2,
		Cells:    []color.State{color.Active, color.Inactive},
		AllValid: true,
	}
	sets := RotorParameters().PointSets

	got := MapIntensities(grid, sets, 80, true)
	if len(got) != 1 || !bytes.Equal(got[0], []byte{80, 0}) {
		t.Fatalf("got %v want [[80 0]]", got)
	}

	for _, tt := range []struct {
		name    string
		valid   bool
		enabled bool
	}{
		{"disabled", true, false},
		{"invalid", false, true},
		{"both", false, false},
	} {
		g := grid
		g.AllValid = tt.valid
		got := MapIntensities(g, sets, 100, tt.enabled)
		if !bytes.Equal(got[0], []byte{0, 0}) {
			t.Fatalf("%s: got %v want zeros", tt.name, got)
		}
	}
}

func TestMapIntensitiesRepeatedPoints(t *testing.T) {
	grid := sampler.Grid{Width: 2, Height: 1, Cells: []color.State{color.Inactive, color.Active}, AllValid: true}
	sets := []PointSet{
		{Position: "left", Points: []Point{{1, 0}, {1, 0}, {0, 0}}},
		{Position: "right", Points: []Point{{0, 0}}},
	}
	got := MapIntensities(grid, sets, 42, true)
	if !bytes.Equal(got[0], []byte{42, 42, 0}) || !bytes.Equal(got[1], []byte{0}) {
		t.Fatalf("got %v", got)
	}
}

func TestNewParametersValidates(t *testing.T) {
	tooMany := make([]Point, protocol.FRAME_PAYLOAD_MAX+1)
	tests := []struct {
		name string
		w, h int
		sets []PointSet
	}{
		{"zero grid", 0, 2, nil},
		{"point outside", 1, 2, []PointSet{{Position: "p", Points: []Point{{1, 0}}}}},
		{"negative point", 1, 2, []PointSet{{Position: "p", Points: []Point{{0, -1}}}}},
		{"too many points", 1, 1, []PointSet{{Position: "p", Points: tooMany}}},
	}
	for _, tt := range tests {
		if _, err := NewParameters(tt.w, tt.h, tt.sets); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestParametersFromConfig(t *testing.T) {
	p, err := ParametersFromConfig(config.ModuleConfig{
		GridWidth: 1, GridHeight: 2, PointSets: config.RotorPointSets(),
	})
	if err != nil {
		t.Fatalf("ParametersFromConfig: %v", err)
	}
	want := RotorParameters()
	if p.GridWidth != want.GridWidth || p.GridHeight != want.GridHeight {
		t.Fatalf("grid got %dx%d want %dx%d", p.GridWidth, p.GridHeight, want.GridWidth, want.GridHeight)
	}
	if len(p.PointSets) != 1 || p.PointSets[0].Position != "main" || len(p.PointSets[0].Points) != 2 {
		t.Fatalf("point sets got %+v", p.PointSets)
	}
	if p.PointSets[0].Points[1] != (Point{0, 1}) {
		t.Fatalf("second point got %+v want {0 1}", p.PointSets[0].Points[1])
	}
}

func TestOnFrameSendsMappedIntensities(t *testing.T) {
	s := &fakeSender{}
	rec := &previewRecorder{}
	b := New(quadParams(t), newModule(true, 80, 0, 0, 4, 4), settings.NewColors(red, dark), s, WithObserver(rec))

	if err := b.OnFrame(context.Background(), bgraFrame(4, 4, 200, 0, 0)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("sends got %d want 1", len(calls))
	}
	if !bytes.Equal(calls[0].intensities, []byte{80, 80, 80, 80}) || calls[0].force {
		t.Fatalf("send got %+v", calls[0])
	}
	p := b.Preview()
	if !p.AllValid || len(p.Cells) != 4 || p.Outputs[0].Values[3] != 80 {
		t.Fatalf("preview got %+v", p)
	}
	if len(rec.previews) != 1 {
		t.Fatalf("observer calls got %d want 1", len(rec.previews))
	}
	if st := b.Stats(); st.Frames != 1 || st.Sent != 1 {
		t.Fatalf("stats got %+v", st)
	}
}

func TestOnFrameCropsRegion(t *testing.T) {
	s := &fakeSender{}
	// The region covers the right half of an 8x4 frame; only that half is red.
	f := bgraFrame(8, 4, 10, 10, 10)
	for y := 0; y < 4; y++ {
		for x := 4; x < 8; x++ {
			setPixel(f, x, y, 200, 0, 0)
		}
	}
	b := New(RotorParameters(), newModule(true, 50, 4, 0, 4, 4), settings.NewColors(red, dark), s)
	if err := b.OnFrame(context.Background(), f); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	if calls := s.Calls(); len(calls) != 1 || !bytes.Equal(calls[0].intensities, []byte{50, 50}) {
		t.Fatalf("sends got %+v", calls)
	}
}

func TestOnFrameIndeterminateSendsZeros(t *testing.T) {
	s := &fakeSender{}
	f := bgraFrame(4, 4, 200, 0, 0)
	// (3,3) is the sample point of cell (1,1) in a 2x2 grid over 4x4.
	setPixel(f, 3, 3, 100, 200, 100)
	b := New(quadParams(t), newModule(true, 80, 0, 0, 4, 4), settings.NewColors(red, dark), s)
	if err := b.OnFrame(context.Background(), f); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	calls := s.Calls()
	if len(calls) != 1 || !bytes.Equal(calls[0].intensities, []byte{0, 0, 0, 0}) {
		t.Fatalf("sends got %+v want one zero frame", calls)
	}
	if st := b.Stats(); st.Invalid != 1 {
		t.Fatalf("invalid got %d want 1", st.Invalid)
	}
}

func TestOnFrameSkips(t *testing.T) {
	tests := []struct {
		name string
		mod  *settings.Module
	}{
		{"zero width", newModule(true, 80, 0, 0, 0, 4)},
		{"zero height", newModule(true, 80, 0, 0, 4, 0)},
		{"outside frame", newModule(true, 80, 10, 10, 4, 4)},
	}
	for _, tt := range tests {
		s := &fakeSender{}
		b := New(RotorParameters(), tt.mod, settings.NewColors(red, dark), s)
		if err := b.OnFrame(context.Background(), bgraFrame(4, 4, 200, 0, 0)); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(s.Calls()) != 0 {
			t.Fatalf("%s: sent %d frames", tt.name, len(s.Calls()))
		}
		if st := b.Stats(); st.Skipped != 1 {
			t.Fatalf("%s: skipped got %d want 1", tt.name, st.Skipped)
		}
	}
}

func TestOnFrameDisabledUpdatesPreviewOnly(t *testing.T) {
	s := &fakeSender{}
	b := New(RotorParameters(), newModule(false, 80, 0, 0, 4, 4), settings.NewColors(red, dark), s)
	if err := b.OnFrame(context.Background(), bgraFrame(4, 4, 200, 0, 0)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	if len(s.Calls()) != 0 {
		t.Fatalf("disabled module sent %d frames", len(s.Calls()))
	}
	p := b.Preview()
	if p.Enabled || !p.AllValid || p.Cells[0] != color.Active {
		t.Fatalf("preview got %+v", p)
	}
	if p.Outputs[0].Values[0] != 0 {
		t.Fatalf("disabled outputs got %v want zeros", p.Outputs[0].Values)
	}
}

func TestOnFrameCountsDrops(t *testing.T) {
	s := &fakeSender{drop: true}
	b := New(RotorParameters(), newModule(true, 80, 0, 0, 4, 4), settings.NewColors(red, dark), s)
	b.OnFrame(context.Background(), bgraFrame(4, 4, 200, 0, 0))
	if st := b.Stats(); st.Dropped != 1 || st.Sent != 0 {
		t.Fatalf("stats got %+v", st)
	}
}

func TestDisableSendsForcedZeros(t *testing.T) {
	s := &fakeSender{}
	mod := newModule(true, 80, 0, 0, 4, 4)
	b := New(quadParams(t), mod, settings.NewColors(red, dark), s)
	detach := b.Attach()
	defer detach()

	if err := mod.SetPower(60); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if len(s.Calls()) != 0 {
		t.Fatalf("power change sent a frame")
	}

	mod.SetEnabled(false)
	calls := s.Calls()
	if len(calls) != 1 {
		t.Fatalf("sends got %d want 1", len(calls))
	}
	if !calls[0].force || !bytes.Equal(calls[0].intensities, []byte{0, 0, 0, 0}) {
		t.Fatalf("send got %+v want forced zeros", calls[0])
	}
	if p := b.Preview(); !p.Forced || p.Enabled {
		t.Fatalf("preview got %+v", p)
	}

	// Re-enabling sends nothing by itself.
	mod.SetEnabled(true)
	if len(s.Calls()) != 1 {
		t.Fatalf("enable sent a frame")
	}
}

// disablingSender turns the module off from another goroutine while the
// first powered vector is being sent, and returns once the edit is visible.
type disablingSender struct {
	fakeSender
	mod  *settings.Module
	once sync.Once
	done chan struct{}
}

func (s *disablingSender) Send(ctx context.Context, intensities []byte, force bool) device.Result {
	res := s.fakeSender.Send(ctx, intensities, force)
	if !force {
		s.once.Do(func() {
			go func() {
				s.mod.SetEnabled(false)
				close(s.done)
			}()
			for s.mod.Snapshot().Enabled {
				time.Sleep(time.Millisecond)
			}
		})
	}
	return res
}

func TestDisableDuringFrameEndsWithNeutral(t *testing.T) {
	params, err := NewParameters(1, 2, []PointSet{
		{Position: "top", Points: []Point{{0, 0}}},
		{Position: "bottom", Points: []Point{{0, 1}}},
	})
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	mod := newModule(true, 80, 0, 0, 4, 4)
	s := &disablingSender{mod: mod, done: make(chan struct{})}
	b := New(params, mod, settings.NewColors(red, dark), s)
	detach := b.Attach()
	defer detach()

	if err := b.OnFrame(context.Background(), bgraFrame(4, 4, 200, 0, 0)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("disable did not complete")
	}

	calls := s.Calls()
	if len(calls) != 3 {
		t.Fatalf("sends got %+v want one powered then two forced", calls)
	}
	if calls[0].force || !bytes.Equal(calls[0].intensities, []byte{80}) {
		t.Fatalf("first send got %+v", calls[0])
	}
	for i, c := range calls[1:] {
		if !c.force || !bytes.Equal(c.intensities, []byte{0}) {
			t.Fatalf("send %d got %+v want forced zero", i+1, c)
		}
	}
	if p := b.Preview(); p.Enabled || !p.Forced {
		t.Fatalf("preview got %+v want the neutral frame last", p)
	}
}

func TestOnFrameOversizedRegion(t *testing.T) {
	s := &fakeSender{}
	b := New(RotorParameters(), newModule(true, 80, 0, 0, 1<<16, 1<<16), settings.NewColors(red, dark), s)
	f := bgraFrame(4, 4, 200, 0, 0)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err := b.OnFrame(context.Background(), f)
	runtime.ReadMemStats(&after)
	if err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
		t.Fatalf("a 4x4 frame allocated %d bytes", grew)
	}
	if calls := s.Calls(); len(calls) != 1 || !bytes.Equal(calls[0].intensities, []byte{80, 80}) {
		t.Fatalf("sends got %+v", calls)
	}
}

func TestShutdownOnlyWhenEnabled(t *testing.T) {
	s := &fakeSender{}
	b := New(RotorParameters(), newModule(false, 80, 0, 0, 4, 4), settings.NewColors(red, dark), s)
	b.Shutdown(context.Background())
	if len(s.Calls()) != 0 {
		t.Fatalf("disabled module sent on shutdown")
	}
	b.Module().SetEnabled(true)
	b.Shutdown(context.Background())
	if calls := s.Calls(); len(calls) != 1 || !calls[0].force {
		t.Fatalf("sends got %+v want one forced", calls)
	}
}

func TestRunProcessesMailbox(t *testing.T) {
	s := &fakeSender{}
	b := New(RotorParameters(), newModule(true, 30, 0, 0, 4, 4), settings.NewColors(red, dark), s)
	mb := capture.NewMailbox(1)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), mb) }()

	mb.Put(bgraFrame(4, 4, 200, 0, 0))
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("frame not processed")
		}
		time.Sleep(time.Millisecond)
	}
	mb.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

type wireChannel struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *wireChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}
func (c *wireChannel) Drain() error { return nil }
func (c *wireChannel) Close() error { return nil }
func (c *wireChannel) IsOpen() bool { return true }
func (c *wireChannel) Name() string { return "COM5" }

func (c *wireChannel) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func TestEndToEndFrameBytes(t *testing.T) {
	wire := &wireChannel{}
	mgr := device.New(device.Config{ID: "rotor", Channel: "COM5", Interval: time.Millisecond},
		&discovery.Static{}, device.WithOpener(func(serial.Config) (serial.Channel, error) { return wire, nil }))
	defer mgr.Close()
	if err := mgr.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	b := New(quadParams(t), newModule(true, 80, 0, 0, 4, 4), settings.NewColors(red, dark), mgr)
	if err := b.OnFrame(context.Background(), bgraFrame(4, 4, 200, 0, 0)); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}

	got := wire.Bytes()
	if len(got) != protocol.FRAME_LEN {
		t.Fatalf("wire got %d bytes want %d", len(got), protocol.FRAME_LEN)
	}
	if !bytes.Equal(got[2:6], []byte{204, 204, 204, 204}) {
		t.Fatalf("payload got % x want cc cc cc cc", got[2:6])
	}
	if got[18] != protocol.Sum8(got[:18]) {
		t.Fatalf("checksum got %#x want %#x", got[18], protocol.Sum8(got[:18]))
	}
}
