package settings

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/config"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
)

// Colors is the active/inactive range pair shared by every module.
type Colors struct {
	mu     sync.RWMutex
	ranges color.Ranges

	obs observers[color.Ranges]
}

// NewColors creates live ranges.
func NewColors(active, inactive color.Range) *Colors {
	return &Colors{ranges: color.Ranges{Active: active, Inactive: inactive}}
}

// Ranges returns the current pair.
func (c *Colors) Ranges() color.Ranges {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ranges
}

// Subscribe registers fn for every change.
func (c *Colors) Subscribe(fn func(color.Ranges)) func() {
	return c.obs.add(fn)
}

// Set replaces one side; which is "active" or "inactive".
func (c *Colors) Set(which string, r color.Range) error {
	c.mu.Lock()
	switch which {
	case "active":
		c.ranges.Active = r
	case "inactive":
		c.ranges.Inactive = r
	default:
		c.mu.Unlock()
		return herrors.ConfigSectionError("color " + which)
	}
	cur := c.ranges
	c.mu.Unlock()
	c.obs.notify(cur)
	return nil
}

// GetName implements config.Module.
func (c *Colors) GetName() string { return "color" }

// CanReload implements config.Reloadable.
func (c *Colors) CanReload() bool { return true }

// Reload handles both [color active] and [color inactive].
func (c *Colors) Reload(sec *config.Section) error {
	which := sec.Suffix()
	cur := c.Ranges()
	def := cur.Active
	if which == "inactive" {
		def = cur.Inactive
	}
	r, err := config.ParseColorRange(sec, def)
	if err != nil {
		return err
	}
	return c.Set(which, r)
}

// Persist writes both ranges into an autosave config.
func (c *Colors) Persist(ac *config.AutosaveConfig) {
	rs := c.Ranges()
	for which, r := range map[string]color.Range{"active": rs.Active, "inactive": rs.Inactive} {
		section := "color " + which
		for opt, v := range map[string]uint8{
			"min_r": r.MinR, "max_r": r.MaxR,
			"min_g": r.MinG, "max_g": r.MaxG,
			"min_b": r.MinB, "max_b": r.MaxB,
		} {
			ac.SetOption(section, opt, fmt.Sprint(v))
		}
	}
}

// ParseWhich normalises "Active"/"inactive" style names.
func ParseWhich(s string) (string, error) {
	switch w := strings.ToLower(strings.TrimSpace(s)); w {
	case "active", "inactive":
		return w, nil
	}
	return "", herrors.ConfigSectionError("color " + s)
}
