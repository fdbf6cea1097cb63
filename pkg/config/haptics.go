package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
)

const (
	// DefaultDeviceName is the bluetooth name hint of the rotor controller.
	DefaultDeviceName = "HakoDev_waki"
	DefaultBaudRate   = 115200
	DefaultInterval   = 10 * time.Millisecond
	DefaultBackoff    = time.Second
	DefaultFrameQueue = 1
	// MaxPoints is the largest point set one packet can carry.
	MaxPoints = 16

	PresetRotor  = "rotor"
	PresetCustom = "custom"
)

// Point is one grid cell address.
type Point struct {
	X, Y int
}

// PointSetConfig is one named, ordered list of grid cells.
type PointSetConfig struct {
	Position string
	Points   []Point
}

// HapticsConfig holds [haptics].
type HapticsConfig struct {
	FrameQueue   int
	ForceTimeout time.Duration
}

// LogConfig holds [log].
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// DeviceConfig holds one [device <name>] section.
type DeviceConfig struct {
	ID           string
	Name         string
	Channel      string
	BaudRate     int
	Interval     time.Duration
	RetryBackoff time.Duration
	AutoSetup    bool
}

// DiscoveryConfig holds [discovery].
type DiscoveryConfig struct {
	Mode     string
	Channels []string
	// Names maps a channel to its paired device name in static mode.
	Names map[string]string
}

// ModuleConfig holds one [module <name>] section.
type ModuleConfig struct {
	Name       string
	Enabled    bool
	Power      int
	X, Y       int
	Width      int
	Height     int
	Device     string
	Preset     string
	GridWidth  int
	GridHeight int
	PointSets  []PointSetConfig
}

// CaptureConfig holds [capture].
type CaptureConfig struct {
	Source string
	Width  int
	Height int
	FPS    int
	Loop   bool
}

// MQTTConfig holds [mqtt]; an empty Broker disables telemetry.
type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	QoS         int
}

// Haptics is the fully parsed bridge configuration.
type Haptics struct {
	Core          HapticsConfig
	Log           LogConfig
	Active        color.Range
	Inactive      color.Range
	Devices       []DeviceConfig
	Discovery     DiscoveryConfig
	Modules       []ModuleConfig
	Capture       CaptureConfig
	MetricsAddr   string
	MQTT          MQTTConfig
	StatusAddr    string
	TracePath     string
	ColorWarnings []string
}

// Device returns the device with the given id.
func (h *Haptics) Device(id string) (DeviceConfig, bool) {
	for _, d := range h.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// DefaultActiveRange is a saturated red.
var DefaultActiveRange = color.Range{MinR: 200, MaxR: 255, MinG: 0, MaxG: 60, MinB: 0, MaxB: 60}

// DefaultInactiveRange is a dark grey band.
var DefaultInactiveRange = color.Range{MinR: 0, MaxR: 60, MinG: 0, MaxG: 60, MinB: 0, MaxB: 60}

// RotorPointSets is the rotor layout: a 1x2 grid read top then bottom.
func RotorPointSets() []PointSetConfig {
	return []PointSetConfig{{Position: "main", Points: []Point{{0, 0}, {0, 1}}}}
}

// ParseHaptics reads the whole schema from cfg. Missing sections take
// defaults; a config without any [module] or [device] gets the rotor
// module bound to a default device.
func ParseHaptics(cfg *Config) (*Haptics, error) {
	h := &Haptics{}
	var err error

	if h.Core, err = parseCore(cfg.GetSectionOptional("haptics")); err != nil {
		return nil, err
	}
	if h.Log, err = parseLog(cfg.GetSectionOptional("log")); err != nil {
		return nil, err
	}
	if h.Active, err = ParseColorRange(cfg.GetSectionOptional("color active"), DefaultActiveRange); err != nil {
		return nil, err
	}
	if h.Inactive, err = ParseColorRange(cfg.GetSectionOptional("color inactive"), DefaultInactiveRange); err != nil {
		return nil, err
	}
	if !h.Active.Valid() {
		h.ColorWarnings = append(h.ColorWarnings, "[color active] has min > max and never matches")
	}
	if !h.Inactive.Valid() {
		h.ColorWarnings = append(h.ColorWarnings, "[color inactive] has min > max and never matches")
	}

	for _, sec := range cfg.GetPrefixSections("device ") {
		d, err := ParseDevice(sec)
		if err != nil {
			return nil, err
		}
		h.Devices = append(h.Devices, d)
	}
	if len(h.Devices) == 0 {
		h.Devices = []DeviceConfig{defaultDevice("rotor")}
	}

	if h.Discovery, err = parseDiscovery(cfg.GetSectionOptional("discovery")); err != nil {
		return nil, err
	}

	for _, sec := range cfg.GetPrefixSections("module ") {
		m, err := ParseModule(sec)
		if err != nil {
			return nil, err
		}
		if m.Device == "" {
			m.Device = h.Devices[0].ID
		}
		if _, ok := h.Device(m.Device); !ok {
			return nil, NewConfigError(sec.GetName(), "device", fmt.Sprintf("unknown device '%s'", m.Device))
		}
		h.Modules = append(h.Modules, m)
	}
	if len(h.Modules) == 0 {
		h.Modules = []ModuleConfig{{
			Name: "rotor", Power: 100, Device: h.Devices[0].ID,
			Preset: PresetRotor, GridWidth: 1, GridHeight: 2, PointSets: RotorPointSets(),
		}}
	}

	if h.Capture, err = parseCapture(cfg.GetSectionOptional("capture")); err != nil {
		return nil, err
	}
	if sec := cfg.GetSectionOptional("metrics"); sec != nil {
		h.MetricsAddr, _ = sec.Get("address", "")
	}
	if h.MQTT, err = parseMQTT(cfg.GetSectionOptional("mqtt")); err != nil {
		return nil, err
	}
	if sec := cfg.GetSectionOptional("status"); sec != nil {
		h.StatusAddr, _ = sec.Get("address", "")
	}
	if sec := cfg.GetSectionOptional("trace"); sec != nil {
		h.TracePath, _ = sec.Get("path", "")
	}
	return h, nil
}

func parseCore(sec *Section) (HapticsConfig, error) {
	c := HapticsConfig{FrameQueue: DefaultFrameQueue, ForceTimeout: 5 * time.Second}
	if sec == nil {
		return c, nil
	}
	var err error
	if c.FrameQueue, err = sec.GetIntWithBounds("frame_queue", 1, 64, DefaultFrameQueue); err != nil {
		return c, err
	}
	if c.ForceTimeout, err = sec.GetDuration("force_timeout", c.ForceTimeout); err != nil {
		return c, err
	}
	return c, nil
}

func parseLog(sec *Section) (LogConfig, error) {
	c := LogConfig{Level: "info", Format: "text", MaxSizeMB: 10, MaxBackups: 5}
	if sec == nil {
		return c, nil
	}
	var err error
	if c.Level, err = sec.GetChoice("level", []string{"debug", "info", "warn", "warning", "error"}, c.Level); err != nil {
		return c, err
	}
	if c.Format, err = sec.GetChoice("format", []string{"text", "json"}, c.Format); err != nil {
		return c, err
	}
	c.File, _ = sec.Get("file", "")
	if c.MaxSizeMB, err = sec.GetIntWithBounds("max_size_mb", 1, 1024, c.MaxSizeMB); err != nil {
		return c, err
	}
	if c.MaxBackups, err = sec.GetIntWithBounds("max_backups", 0, 100, c.MaxBackups); err != nil {
		return c, err
	}
	return c, nil
}

// ParseColorRange reads min_r..max_b from sec, each 0..255, falling back to
// def per option.
func ParseColorRange(sec *Section, def color.Range) (color.Range, error) {
	if sec == nil {
		return def, nil
	}
	r := def
	fields := []struct {
		opt string
		dst *uint8
	}{
		{"min_r", &r.MinR}, {"max_r", &r.MaxR},
		{"min_g", &r.MinG}, {"max_g", &r.MaxG},
		{"min_b", &r.MinB}, {"max_b", &r.MaxB},
	}
	for _, f := range fields {
		v, err := sec.GetIntWithBounds(f.opt, 0, 255, int(*f.dst))
		if err != nil {
			return def, err
		}
		*f.dst = uint8(v)
	}
	return r, nil
}

func defaultDevice(id string) DeviceConfig {
	return DeviceConfig{
		ID:           id,
		Name:         DefaultDeviceName,
		BaudRate:     DefaultBaudRate,
		Interval:     DefaultInterval,
		RetryBackoff: DefaultBackoff,
	}
}

// ParseDevice reads a [device <id>] section.
func ParseDevice(sec *Section) (DeviceConfig, error) {
	id := sec.Suffix()
	if id == "" {
		return DeviceConfig{}, NewConfigError(sec.GetName(), "", "device section needs a name")
	}
	d := defaultDevice(id)
	var err error
	d.Name, _ = sec.Get("name", d.Name)
	d.Channel, _ = sec.Get("channel", "")
	if d.BaudRate, err = sec.GetIntWithBounds("baud", 1200, 4000000, d.BaudRate); err != nil {
		return d, err
	}
	if d.Interval, err = sec.GetDuration("interval_ms", d.Interval); err != nil {
		return d, err
	}
	if d.RetryBackoff, err = sec.GetDuration("retry_backoff_ms", d.RetryBackoff); err != nil {
		return d, err
	}
	if d.RetryBackoff <= 0 {
		return d, ErrInvalidValue(sec.GetName(), "retry_backoff_ms", "0", "positive duration")
	}
	if d.AutoSetup, err = sec.GetBool("auto_setup", false); err != nil {
		return d, err
	}
	return d, nil
}

func parseDiscovery(sec *Section) (DiscoveryConfig, error) {
	d := DiscoveryConfig{Mode: "host", Names: map[string]string{}}
	if sec == nil {
		return d, nil
	}
	var err error
	if d.Mode, err = sec.GetChoice("mode", []string{"host", "static"}, d.Mode); err != nil {
		return d, err
	}
	d.Channels, _ = sec.GetList("channels", ",", nil)
	names, _ := sec.GetList("names", ",", nil)
	for _, entry := range names {
		idx := strings.LastIndex(entry, "=")
		if idx <= 0 || idx == len(entry)-1 {
			return d, ErrInvalidValue(sec.GetName(), "names", entry, "channel=name")
		}
		d.Names[strings.TrimSpace(entry[:idx])] = strings.TrimSpace(entry[idx+1:])
	}
	if d.Mode == "static" && len(d.Channels) == 0 {
		return d, ErrMissingOption(sec.GetName(), "channels")
	}
	return d, nil
}

// ParseModule reads a [module <name>] section.
func ParseModule(sec *Section) (ModuleConfig, error) {
	name := sec.Suffix()
	if name == "" {
		return ModuleConfig{}, NewConfigError(sec.GetName(), "", "module section needs a name")
	}
	m := ModuleConfig{Name: name}
	var err error
	if err = ParseModuleLive(sec, &m); err != nil {
		return m, err
	}
	m.Device, _ = sec.Get("device", "")
	if m.Preset, err = sec.GetChoice("preset", []string{PresetRotor, PresetCustom}, PresetRotor); err != nil {
		return m, err
	}

	if m.Preset == PresetRotor {
		m.GridWidth, m.GridHeight = 1, 2
		m.PointSets = RotorPointSets()
		return m, nil
	}

	if m.GridWidth, err = sec.GetIntWithBounds("grid_width", 1, 1024); err != nil {
		return m, err
	}
	if m.GridHeight, err = sec.GetIntWithBounds("grid_height", 1, 1024); err != nil {
		return m, err
	}
	for _, opt := range sec.GetPrefixOptions("points_") {
		raw, _ := sec.Get(opt)
		points, err := parsePoints(raw)
		if err != nil {
			return m, WrapError(sec.GetName(), opt, err)
		}
		if len(points) > MaxPoints {
			return m, NewConfigError(sec.GetName(), opt, fmt.Sprintf("%d points, at most %d allowed", len(points), MaxPoints))
		}
		for _, p := range points {
			if p.X >= m.GridWidth || p.Y >= m.GridHeight {
				return m, NewConfigError(sec.GetName(), opt, fmt.Sprintf("point %d:%d outside %dx%d grid", p.X, p.Y, m.GridWidth, m.GridHeight))
			}
		}
		m.PointSets = append(m.PointSets, PointSetConfig{Position: strings.TrimPrefix(opt, "points_"), Points: points})
	}
	if len(m.PointSets) == 0 {
		return m, ErrMissingOption(sec.GetName(), "points_<position>")
	}
	return m, nil
}

// ParseModuleLive reads the options of a module that may change while
// running: enabled, power and the capture region.
func ParseModuleLive(sec *Section, m *ModuleConfig) error {
	var err error
	if m.Enabled, err = sec.GetBool("enabled", false); err != nil {
		return err
	}
	if m.Power, err = sec.GetIntWithBounds("power", 0, 100, 100); err != nil {
		return err
	}
	if m.X, err = sec.GetIntWithBounds("x", 0, 1<<16, 0); err != nil {
		return err
	}
	if m.Y, err = sec.GetIntWithBounds("y", 0, 1<<16, 0); err != nil {
		return err
	}
	if m.Width, err = sec.GetIntWithBounds("width", 0, 1<<16, 0); err != nil {
		return err
	}
	if m.Height, err = sec.GetIntWithBounds("height", 0, 1<<16, 0); err != nil {
		return err
	}
	return nil
}

// parsePoints parses "x:y, x:y, ...".
func parsePoints(raw string) ([]Point, error) {
	var points []Point
	for _, item := range splitList(raw, ",") {
		xs, ys, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid point '%s', expected x:y", item)
		}
		x, errX := strconv.Atoi(strings.TrimSpace(xs))
		y, errY := strconv.Atoi(strings.TrimSpace(ys))
		if errX != nil || errY != nil || x < 0 || y < 0 {
			return nil, fmt.Errorf("invalid point '%s', expected x:y", item)
		}
		points = append(points, Point{X: x, Y: y})
	}
	return points, nil
}

// FormatPoints is the inverse of parsePoints.
func FormatPoints(points []Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%d:%d", p.X, p.Y)
	}
	return strings.Join(parts, ", ")
}

func parseCapture(sec *Section) (CaptureConfig, error) {
	c := CaptureConfig{Source: "-", FPS: 60}
	if sec == nil {
		return c, nil
	}
	var err error
	c.Source, _ = sec.Get("source", c.Source)
	if c.Width, err = sec.GetIntWithBounds("width", 1, 1<<16); err != nil {
		return c, err
	}
	if c.Height, err = sec.GetIntWithBounds("height", 1, 1<<16); err != nil {
		return c, err
	}
	if c.FPS, err = sec.GetIntWithBounds("fps", 0, 1000, c.FPS); err != nil {
		return c, err
	}
	if c.Loop, err = sec.GetBool("loop", false); err != nil {
		return c, err
	}
	return c, nil
}

func parseMQTT(sec *Section) (MQTTConfig, error) {
	c := MQTTConfig{TopicPrefix: "haptics"}
	if sec == nil {
		return c, nil
	}
	var err error
	c.Broker, _ = sec.Get("broker", "")
	c.TopicPrefix, _ = sec.Get("topic_prefix", c.TopicPrefix)
	c.ClientID, _ = sec.Get("client_id", "")
	if c.QoS, err = sec.GetIntWithBounds("qos", 0, 2, 0); err != nil {
		return c, err
	}
	return c, nil
}
