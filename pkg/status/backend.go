package status

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rehakomoon/VRCHapticsLite/pkg/bridge"
	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/config"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	herrors "github.com/rehakomoon/VRCHapticsLite/pkg/errors"
	"github.com/rehakomoon/VRCHapticsLite/pkg/settings"
)

// Controller is what the RPC methods act on.
type Controller interface {
	Status() Status
	SetEnabled(module string, enabled bool) error
	SetPower(module string, power int) error
	SetRegion(module string, r settings.Region) error
	SetColor(which string, r color.Range) error
	// SaveSettings persists live values and returns the file written.
	SaveSettings() (string, error)
}

// ModuleStatus is one module in a status reply.
type ModuleStatus struct {
	Name     string            `json:"name"`
	Device   string            `json:"device"`
	Settings settings.Snapshot `json:"settings"`
	Preview  bridge.Preview    `json:"preview"`
	Stats    bridge.Stats      `json:"stats"`
}

// DeviceStatus is one device in a status reply.
type DeviceStatus struct {
	ID      string       `json:"id"`
	State   device.State `json:"state"`
	Channel string       `json:"channel"`
	Stats   device.Stats `json:"stats"`
}

// Status is the full daemon state.
type Status struct {
	Session string         `json:"session"`
	Uptime  float64        `json:"uptime"`
	Colors  color.Ranges   `json:"colors"`
	Modules []ModuleStatus `json:"modules"`
	Devices []DeviceStatus `json:"devices"`
}

// Backend is the daemon's Controller.
type Backend struct {
	session  string
	start    time.Time
	colors   *settings.Colors
	autosave *config.AutosaveConfig

	mu      sync.RWMutex
	bridges map[string]*bridge.Bridge
	devOf   map[string]string
	devices map[string]*device.Manager

	saveMu sync.Mutex
}

// NewBackend creates a backend. autosave may be nil, which disables
// save_settings.
func NewBackend(colors *settings.Colors, autosave *config.AutosaveConfig) *Backend {
	return &Backend{
		session:  uuid.NewString(),
		start:    time.Now(),
		colors:   colors,
		autosave: autosave,
		bridges:  make(map[string]*bridge.Bridge),
		devOf:    make(map[string]string),
		devices:  make(map[string]*device.Manager),
	}
}

// Session identifies this daemon run.
func (b *Backend) Session() string { return b.session }

// AddModule registers a module bridge and the device it drives.
func (b *Backend) AddModule(br *bridge.Bridge, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bridges[br.Name()] = br
	b.devOf[br.Name()] = deviceID
}

// AddDevice registers a device manager.
func (b *Backend) AddDevice(m *device.Manager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[m.ID()] = m
}

func (b *Backend) module(name string) (*settings.Module, error) {
	b.mu.RLock()
	br, ok := b.bridges[name]
	b.mu.RUnlock()
	if !ok {
		return nil, herrors.ConfigSectionError("module " + name)
	}
	return br.Module(), nil
}

// Status implements Controller. Modules and devices are sorted by name.
func (b *Backend) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Status{
		Session: b.session,
		Uptime:  time.Since(b.start).Seconds(),
		Colors:  b.colors.Ranges(),
		Modules: make([]ModuleStatus, 0, len(b.bridges)),
		Devices: make([]DeviceStatus, 0, len(b.devices)),
	}
	for _, name := range sortedNames(b.bridges) {
		br := b.bridges[name]
		st.Modules = append(st.Modules, ModuleStatus{
			Name:     name,
			Device:   b.devOf[name],
			Settings: br.Module().Snapshot(),
			Preview:  br.Preview(),
			Stats:    br.Stats(),
		})
	}
	for _, id := range sortedNames(b.devices) {
		m := b.devices[id]
		st.Devices = append(st.Devices, DeviceStatus{
			ID:      id,
			State:   m.State(),
			Channel: m.Channel(),
			Stats:   m.Stats(),
		})
	}
	return st
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetEnabled implements Controller.
func (b *Backend) SetEnabled(module string, enabled bool) error {
	m, err := b.module(module)
	if err != nil {
		return err
	}
	m.SetEnabled(enabled)
	return nil
}

// SetPower implements Controller.
func (b *Backend) SetPower(module string, power int) error {
	m, err := b.module(module)
	if err != nil {
		return err
	}
	return m.SetPower(power)
}

// SetRegion implements Controller.
func (b *Backend) SetRegion(module string, r settings.Region) error {
	m, err := b.module(module)
	if err != nil {
		return err
	}
	return m.SetRegion(r)
}

// SetColor implements Controller.
func (b *Backend) SetColor(which string, r color.Range) error {
	w, err := settings.ParseWhich(which)
	if err != nil {
		return err
	}
	return b.colors.Set(w, r)
}

// SaveSettings implements Controller.
func (b *Backend) SaveSettings() (string, error) {
	if b.autosave == nil {
		return "", fmt.Errorf("settings are not backed by a config file")
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.RLock()
	for _, br := range b.bridges {
		br.Module().Persist(b.autosave)
	}
	b.mu.RUnlock()
	b.colors.Persist(b.autosave)

	if err := b.autosave.SaveChanges(""); err != nil {
		return "", err
	}
	return b.autosave.OriginalPath(), nil
}
