package color

import "testing"

var (
	red  = Range{MinR: 150, MaxR: 255, MinG: 0, MaxG: 50, MinB: 0, MaxB: 50}
	dark = Range{MinR: 0, MaxR: 40, MinG: 0, MaxG: 40, MinB: 0, MaxB: 40}
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b uint8
		want    State
	}{
		{"active interior", 200, 0, 0, Active},
		{"active lower bound", 150, 0, 0, Active},
		{"active upper bound", 255, 50, 50, Active},
		{"inactive", 10, 10, 10, Inactive},
		{"inactive bound", 40, 40, 40, Inactive},
		{"just outside active", 149, 51, 0, Indeterminate},
		{"neither", 100, 200, 100, Indeterminate},
	}
	for _, tt := range tests {
		if got := Classify(tt.r, tt.g, tt.b, red, dark); got != tt.want {
			t.Errorf("%s: Classify(%d,%d,%d) got %v want %v", tt.name, tt.r, tt.g, tt.b, got, tt.want)
		}
	}
}

func TestClassifyOverlapPrefersActive(t *testing.T) {
	all := Range{MaxR: 255, MaxG: 255, MaxB: 255}
	if got := Classify(10, 10, 10, all, dark); got != Active {
		t.Fatalf("overlap got %v want active", got)
	}
	if got := (Ranges{Active: dark, Inactive: all}).Classify(200, 0, 0); got != Inactive {
		t.Fatalf("got %v want inactive", got)
	}
}

func TestClassifyActiveRangeExhaustive(t *testing.T) {
	for r := 150; r <= 255; r += 5 {
		for g := 0; g <= 50; g += 5 {
			for b := 0; b <= 50; b += 5 {
				if got := Classify(uint8(r), uint8(g), uint8(b), red, dark); got != Active {
					t.Fatalf("(%d,%d,%d) got %v want active", r, g, b, got)
				}
			}
		}
	}
}

func TestInvertedRangeNeverMatches(t *testing.T) {
	inverted := Range{MinR: 200, MaxR: 100, MaxG: 255, MaxB: 255}
	if inverted.Valid() {
		t.Fatal("inverted range reported valid")
	}
	for r := 0; r < 256; r++ {
		if got := Classify(uint8(r), 0, 0, inverted, inverted); got != Indeterminate {
			t.Fatalf("r=%d got %v want indeterminate", r, got)
		}
	}
}
