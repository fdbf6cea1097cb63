// Package capture reads raw BGRA frames from an external capture process
// and hands the latest one to each consumer.
package capture

import (
	"sync/atomic"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/pool"
)

// BytesPerPixel is the BGRA stride.
const BytesPerPixel = 4

// Frame is one captured image, row-major BGRA with a top-left origin.
// Frames are shared between consumers and reference counted; the pixel
// buffer goes back to its pool when the last reference is released.
type Frame struct {
	Seq    uint64
	Width  int
	Height int
	Pix    []byte
	Time   time.Time

	refs atomic.Int32
	pool *pool.FramePool
}

// NewFrame wraps pix as a frame with one reference. p may be nil.
func NewFrame(seq uint64, width, height int, pix []byte, p *pool.FramePool) *Frame {
	f := &Frame{Seq: seq, Width: width, Height: height, Pix: pix, Time: time.Now(), pool: p}
	f.refs.Store(1)
	return f
}

// Retain adds a reference.
func (f *Frame) Retain() {
	f.refs.Add(1)
}

// Release drops a reference.
func (f *Frame) Release() {
	if n := f.refs.Add(-1); n == 0 && f.pool != nil {
		f.pool.Put(f.Pix)
		f.Pix = nil
	}
}

// Clip clamps the w x h rectangle at (x, y) to the frame. A rectangle that
// misses the frame comes back with zero width and height.
func (f *Frame) Clip(x, y, w, h int) (int, int, int, int) {
	if x < 0 {
		w += x
		x = 0
	}
	if y < 0 {
		h += y
		y = 0
	}
	if w > f.Width-x {
		w = f.Width - x
	}
	if h > f.Height-y {
		h = f.Height - y
	}
	if w <= 0 || h <= 0 {
		return x, y, 0, 0
	}
	return x, y, w, h
}

// Crop copies the w x h rectangle at (x, y) into dst, clamped to the frame
// bounds, and returns the buffer with the clamped size. A rectangle outside
// the frame yields zero width or height. dst is grown when too small.
func (f *Frame) Crop(x, y, w, h int, dst []byte) ([]byte, int, int) {
	x, y, w, h = f.Clip(x, y, w, h)
	if w == 0 || h == 0 {
		return dst[:0], 0, 0
	}

	n := w * h * BytesPerPixel
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	rowBytes := w * BytesPerPixel
	stride := f.Width * BytesPerPixel
	for row := 0; row < h; row++ {
		src := (y+row)*stride + x*BytesPerPixel
		copy(dst[row*rowBytes:(row+1)*rowBytes], f.Pix[src:src+rowBytes])
	}
	return dst, w, h
}
