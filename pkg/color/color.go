// Package color classifies sampled pixels against the configured active and
// inactive color ranges.
package color

import "fmt"

// State is the classification of one sampled pixel.
type State uint8

const (
	Indeterminate State = iota
	Active
	Inactive
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	default:
		return "indeterminate"
	}
}

// MarshalText encodes the state name, so grids read well as JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = Active
	case "inactive":
		*s = Inactive
	case "indeterminate":
		*s = Indeterminate
	default:
		return fmt.Errorf("color: unknown state %q", text)
	}
	return nil
}

// Range is an inclusive per-channel RGB box.
type Range struct {
	MinR uint8 `json:"min_r"`
	MaxR uint8 `json:"max_r"`
	MinG uint8 `json:"min_g"`
	MaxG uint8 `json:"max_g"`
	MinB uint8 `json:"min_b"`
	MaxB uint8 `json:"max_b"`
}

// Contains reports whether r, g and b all lie within the range.
func (cr Range) Contains(r, g, b uint8) bool {
	return r >= cr.MinR && r <= cr.MaxR &&
		g >= cr.MinG && g <= cr.MaxG &&
		b >= cr.MinB && b <= cr.MaxB
}

// Valid reports whether every channel has min <= max. An invalid range is
// still usable; it just never matches.
func (cr Range) Valid() bool {
	return cr.MinR <= cr.MaxR && cr.MinG <= cr.MaxG && cr.MinB <= cr.MaxB
}

func (cr Range) String() string {
	return fmt.Sprintf("r[%d..%d] g[%d..%d] b[%d..%d]", cr.MinR, cr.MaxR, cr.MinG, cr.MaxG, cr.MinB, cr.MaxB)
}

// Ranges pairs the two ranges a classification needs.
type Ranges struct {
	Active   Range `json:"active"`
	Inactive Range `json:"inactive"`
}

// Classify returns Active when the pixel is inside active, otherwise Inactive
// when inside inactive, otherwise Indeterminate. Overlaps resolve to Active.
func Classify(r, g, b uint8, active, inactive Range) State {
	if active.Contains(r, g, b) {
		return Active
	}
	if inactive.Contains(r, g, b) {
		return Inactive
	}
	return Indeterminate
}

// Classify is shorthand for Classify(r, g, b, rs.Active, rs.Inactive).
func (rs Ranges) Classify(r, g, b uint8) State {
	return Classify(r, g, b, rs.Active, rs.Inactive)
}
