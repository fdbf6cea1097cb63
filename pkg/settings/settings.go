// Package settings holds the live, editable state of each module and of
// the shared color ranges. Frame processing reads snapshots; edits come
// from config reloads and the status RPC, and observers see every change
// synchronously.
package settings

import (
	"fmt"
	"sync"

	"github.com/rehakomoon/VRCHapticsLite/pkg/config"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
)

// Region is a rectangle of the captured frame.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports a zero-area region.
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Snapshot is a consistent copy of a module's live values.
type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Power   int    `json:"power"`
	Region  Region `json:"region"`
}

// Change is delivered to observers after a module is edited.
type Change struct {
	Module string
	Prev   Snapshot
	Cur    Snapshot
}

// Disabled reports an enabled true -> false transition.
func (c Change) Disabled() bool {
	return c.Prev.Enabled && !c.Cur.Enabled
}

type observers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (o *observers[T]) add(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	fns := make([]func(T), 0, len(o.fns))
	for i := 0; i < o.next; i++ {
		if fn, ok := o.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Module is the live state of one [module <name>].
type Module struct {
	name string

	// edit serialises writers so observers see changes in order.
	edit sync.Mutex
	mu   sync.RWMutex
	cur  Snapshot

	obs observers[Change]
}

// NewModule builds live state from the parsed config.
func NewModule(cfg config.ModuleConfig) *Module {
	return &Module{
		name: cfg.Name,
		cur: Snapshot{
			Enabled: cfg.Enabled,
			Power:   cfg.Power,
			Region:  Region{X: cfg.X, Y: cfg.Y, Width: cfg.Width, Height: cfg.Height},
		},
	}
}

// GetName implements config.Module.
func (m *Module) GetName() string { return m.name }

func (m *Module) section() string { return "module " + m.name }

// Snapshot returns the current values.
func (m *Module) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Subscribe registers fn for every change; the returned func unsubscribes.
func (m *Module) Subscribe(fn func(Change)) func() {
	return m.obs.add(fn)
}

func (m *Module) update(apply func(s *Snapshot)) {
	m.edit.Lock()
	defer m.edit.Unlock()

	m.mu.Lock()
	prev := m.cur
	apply(&m.cur)
	cur := m.cur
	m.mu.Unlock()

	if prev != cur {
		m.obs.notify(Change{Module: m.name, Prev: prev, Cur: cur})
	}
}

// SetEnabled switches the module on or off.
func (m *Module) SetEnabled(enabled bool) {
	m.update(func(s *Snapshot) { s.Enabled = enabled })
}

// SetPower sets the intensity for active cells, 0..100.
func (m *Module) SetPower(power int) error {
	if power < 0 || power > 100 {
		return herrors.ConfigValidationError(m.section(), "power", fmt.Sprintf("power %d outside 0..100", power))
	}
	m.update(func(s *Snapshot) { s.Power = power })
	return nil
}

// SetRegion moves the capture region. Zero width or height pauses sampling.
func (m *Module) SetRegion(r Region) error {
	if r.X < 0 || r.Y < 0 || r.Width < 0 || r.Height < 0 {
		return herrors.ConfigValidationError(m.section(), "region", fmt.Sprintf("negative region %+v", r))
	}
	m.update(func(s *Snapshot) { s.Region = r })
	return nil
}

// CanReload implements config.Reloadable.
func (m *Module) CanReload() bool { return true }

// Reload applies enabled, power and region from a changed section. Grid
// and point changes are ignored until restart.
func (m *Module) Reload(sec *config.Section) error {
	var mc config.ModuleConfig
	if err := config.ParseModuleLive(sec, &mc); err != nil {
		return err
	}
	m.update(func(s *Snapshot) {
		*s = Snapshot{
			Enabled: mc.Enabled,
			Power:   mc.Power,
			Region:  Region{X: mc.X, Y: mc.Y, Width: mc.Width, Height: mc.Height},
		}
	})
	return nil
}

// Persist writes the live values into an autosave config.
func (m *Module) Persist(ac *config.AutosaveConfig) {
	s := m.Snapshot()
	section := m.section()
	ac.SetOption(section, "enabled", fmt.Sprint(s.Enabled))
	ac.SetOption(section, "power", fmt.Sprint(s.Power))
	ac.SetOption(section, "x", fmt.Sprint(s.Region.X))
	ac.SetOption(section, "y", fmt.Sprint(s.Region.Y))
	ac.SetOption(section, "width", fmt.Sprint(s.Region.Width))
	ac.SetOption(section, "height", fmt.Sprint(s.Region.Height))
}
