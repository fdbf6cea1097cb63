// Package sampler decimates a captured BGRA region into a grid of color
// classifications.
package sampler

import (
	"errors"
	"math"

	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
)

// BytesPerPixel is the BGRA pixel stride of captured region buffers.
const BytesPerPixel = 4

var (
	ErrEmptyRegion = errors.New("sampler: region has zero area")
	ErrEmptyGrid   = errors.New("sampler: grid dimensions must be at least 1")
	ErrShortBuffer = errors.New("sampler: buffer smaller than region")
)

// Grid is the classification of every sample point plus the frame verdict.
// Cells are row-major: Cells[y*Width+x].
type Grid struct {
	Width    int
	Height   int
	Cells    []color.State
	AllValid bool
}

// At returns the state of cell (x, y).
func (g Grid) At(x, y int) color.State {
	return g.Cells[y*g.Width+x]
}

// ActiveCount returns the number of Active cells.
func (g Grid) ActiveCount() int {
	n := 0
	for _, c := range g.Cells {
		if c == color.Active {
			n++
		}
	}
	return n
}

// Coordinates returns the sample offsets for n evenly divided slices of
// extent pixels: round(extent*(i+0.5)/n), clamped to [0, extent-1].
// Rounding is half to even.
func Coordinates(extent, n int) []int {
	out := make([]int, n)
	for i := range out {
		v := int(math.RoundToEven(float64(extent) * (float64(i) + 0.5) / float64(n)))
		if v > extent-1 {
			v = extent - 1
		}
		if v < 0 {
			v = 0
		}
		out[i] = v
	}
	return out
}

// Sample classifies the pixel at the center of each grid cell of a
// width x height BGRA region buffer (row-major, top-left origin).
func Sample(buf []byte, width, height, gridW, gridH int, ranges color.Ranges) (Grid, error) {
	if width <= 0 || height <= 0 {
		return Grid{}, ErrEmptyRegion
	}
	if gridW < 1 || gridH < 1 {
		return Grid{}, ErrEmptyGrid
	}
	if len(buf) < width*height*BytesPerPixel {
		return Grid{}, ErrShortBuffer
	}

	xs := Coordinates(width, gridW)
	ys := Coordinates(height, gridH)

	g := Grid{
		Width:    gridW,
		Height:   gridH,
		Cells:    make([]color.State, gridW*gridH),
		AllValid: true,
	}
	for j, y := range ys {
		row := y * width
		for i, x := range xs {
			off := (row + x) * BytesPerPixel
			st := ranges.Classify(buf[off+2], buf[off+1], buf[off])
			if st == color.Indeterminate {
				g.AllValid = false
			}
			g.Cells[j*gridW+i] = st
		}
	}
	return g, nil
}
