package sampler

import (
	"testing"

	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
)

var testRanges = color.Ranges{
	Active:   color.Range{MinR: 150, MaxR: 255, MinG: 0, MaxG: 50, MinB: 0, MaxB: 50},
	Inactive: color.Range{MinR: 0, MaxR: 40, MinG: 0, MaxG: 40, MinB: 0, MaxB: 40},
}

// fill returns a w x h BGRA buffer of one color.
func fill(w, h int, r, g, b uint8) []byte {
	buf := make([]byte, w*h*BytesPerPixel)
	for i := 0; i < len(buf); i += BytesPerPixel {
		buf[i], buf[i+1], buf[i+2], buf[i+3] = b, g, r, 0xff
	}
	return buf
}

func setPixel(buf []byte, w, x, y int, r, g, b uint8) {
	off := (y*w + x) * BytesPerPixel
	buf[off], buf[off+1], buf[off+2] = b, g, r
}

func TestCoordinates(t *testing.T) {
	tests := []struct {
		extent, n int
		want      []int
	}{
		{4, 2, []int{1, 3}},
		{4, 1, []int{2}},
		{10, 1, []int{5}},
		{1, 3, []int{0, 0, 0}},
		{2, 2, []int{0, 1}},
		{3, 2, []int{1, 2}},
		{100, 4, []int{12, 38, 62, 88}},
	}
	for _, tt := range tests {
		got := Coordinates(tt.extent, tt.n)
		if len(got) != len(tt.want) {
			t.Fatalf("Coordinates(%d,%d) got %v want %v", tt.extent, tt.n, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Coordinates(%d,%d) got %v want %v", tt.extent, tt.n, got, tt.want)
				break
			}
		}
	}
}

func TestCoordinatesStayInBounds(t *testing.T) {
	for extent := 1; extent <= 40; extent++ {
		for n := 1; n <= 50; n++ {
			for _, v := range Coordinates(extent, n) {
				if v < 0 || v >= extent {
					t.Fatalf("Coordinates(%d,%d) produced %d", extent, n, v)
				}
			}
		}
	}
}

func TestSampleUniformActive(t *testing.T) {
	for _, size := range [][4]int{{4, 4, 2, 2}, {7, 3, 7, 3}, {33, 17, 5, 4}, {1, 1, 1, 1}} {
		w, h, gw, gh := size[0], size[1], size[2], size[3]
		g, err := Sample(fill(w, h, 200, 0, 0), w, h, gw, gh, testRanges)
		if err != nil {
			t.Fatalf("Sample %v: %v", size, err)
		}
		if !g.AllValid {
			t.Fatalf("Sample %v: expected all valid", size)
		}
		if g.ActiveCount() != gw*gh {
			t.Fatalf("Sample %v: active cells got %d want %d", size, g.ActiveCount(), gw*gh)
		}
	}
}

func TestSampleReadsCellCenters(t *testing.T) {
	// 4x4 inactive region; grid 2x2 samples (1,1) (3,1) (1,3) (3,3).
	buf := fill(4, 4, 0, 0, 0)
	setPixel(buf, 4, 3, 1, 200, 10, 10)
	setPixel(buf, 4, 0, 0, 200, 10, 10) // not a sample point

	g, err := Sample(buf, 4, 4, 2, 2, testRanges)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if g.At(1, 0) != color.Active {
		t.Fatalf("cell (1,0) got %v want active", g.At(1, 0))
	}
	for _, c := range [][2]int{{0, 0}, {0, 1}, {1, 1}} {
		if g.At(c[0], c[1]) != color.Inactive {
			t.Fatalf("cell %v got %v want inactive", c, g.At(c[0], c[1]))
		}
	}
	if !g.AllValid {
		t.Fatal("expected all valid")
	}
}

func TestSampleIndeterminateInvalidatesFrame(t *testing.T) {
	buf := fill(4, 4, 200, 0, 0)
	setPixel(buf, 4, 1, 3, 90, 90, 90)

	g, err := Sample(buf, 4, 4, 2, 2, testRanges)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if g.AllValid {
		t.Fatal("expected frame to be invalid")
	}
	if g.At(0, 1) != color.Indeterminate {
		t.Fatalf("cell (0,1) got %v", g.At(0, 1))
	}
}

func TestSampleGuards(t *testing.T) {
	if _, err := Sample(nil, 0, 4, 1, 1, testRanges); err != ErrEmptyRegion {
		t.Fatalf("got %v want ErrEmptyRegion", err)
	}
	if _, err := Sample(fill(2, 2, 0, 0, 0), 2, 2, 0, 1, testRanges); err != ErrEmptyGrid {
		t.Fatalf("got %v want ErrEmptyGrid", err)
	}
	if _, err := Sample(make([]byte, 10), 2, 2, 1, 1, testRanges); err != ErrShortBuffer {
		t.Fatalf("got %v want ErrShortBuffer", err)
	}
}
