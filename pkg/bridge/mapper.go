package bridge

import (
	"fmt"

	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/config"
	"github.com/rehakomoon/VRCHapticsLite/pkg/protocol"
	"github.com/rehakomoon/VRCHapticsLite/pkg/sampler"
)

// Point is a grid cell, X counting columns and Y rows from the top left.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PointSet maps one logical actuator group to an ordered list of cells.
// Output byte i drives actuator i of the group.
type PointSet struct {
	Position string  `json:"position"`
	Points   []Point `json:"points"`
}

// Parameters is the fixed sampling layout of a module.
type Parameters struct {
	GridWidth  int
	GridHeight int
	PointSets  []PointSet
}

// NewParameters validates a layout: the grid is at least 1x1, every point
// lies inside it and no PointSet has more points than a frame carries.
func NewParameters(gridW, gridH int, sets []PointSet) (Parameters, error) {
	if gridW < 1 || gridH < 1 {
		return Parameters{}, fmt.Errorf("bridge: grid %dx%d must be at least 1x1", gridW, gridH)
	}
	for _, ps := range sets {
		if len(ps.Points) > protocol.FRAME_PAYLOAD_MAX {
			return Parameters{}, fmt.Errorf("bridge: point set %q has %d points, max %d",
				ps.Position, len(ps.Points), protocol.FRAME_PAYLOAD_MAX)
		}
		for _, p := range ps.Points {
			if p.X < 0 || p.X >= gridW || p.Y < 0 || p.Y >= gridH {
				return Parameters{}, fmt.Errorf("bridge: point set %q: point (%d,%d) outside %dx%d grid",
					ps.Position, p.X, p.Y, gridW, gridH)
			}
		}
	}
	return Parameters{GridWidth: gridW, GridHeight: gridH, PointSets: sets}, nil
}

// RotorParameters is the two-actuator rotor layout: a 1x2 grid read top
// then bottom.
func RotorParameters() Parameters {
	return Parameters{
		GridWidth:  1,
		GridHeight: 2,
		PointSets:  []PointSet{{Position: "main", Points: []Point{{0, 0}, {0, 1}}}},
	}
}

// ParametersFromConfig converts a parsed [module] layout.
func ParametersFromConfig(mc config.ModuleConfig) (Parameters, error) {
	sets := make([]PointSet, 0, len(mc.PointSets))
	for _, ps := range mc.PointSets {
		pts := make([]Point, len(ps.Points))
		for i, p := range ps.Points {
			pts[i] = Point{X: p.X, Y: p.Y}
		}
		sets = append(sets, PointSet{Position: ps.Position, Points: pts})
	}
	return NewParameters(mc.GridWidth, mc.GridHeight, sets)
}

// MapIntensities turns a grid into one intensity vector per PointSet. A
// disabled module or a grid with any indeterminate cell maps to zeros;
// otherwise active cells get power and everything else 0.
func MapIntensities(grid sampler.Grid, sets []PointSet, power int, enabled bool) [][]byte {
	if !enabled || !grid.AllValid {
		return ZeroIntensities(sets)
	}
	out := make([][]byte, len(sets))
	for i, ps := range sets {
		v := make([]byte, len(ps.Points))
		for j, p := range ps.Points {
			if grid.At(p.X, p.Y) == color.Active {
				v[j] = byte(power)
			}
		}
		out[i] = v
	}
	return out
}

// ZeroIntensities is the neutral frame for every PointSet.
func ZeroIntensities(sets []PointSet) [][]byte {
	out := make([][]byte, len(sets))
	for i, ps := range sets {
		out[i] = make([]byte, len(ps.Points))
	}
	return out
}
