package config

import (
	"strings"
	"testing"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
)

func TestParseHapticsDefaults(t *testing.T) {
	cfg, _ := LoadString("")
	h, err := ParseHaptics(cfg)
	if err != nil {
		t.Fatalf("ParseHaptics: %v", err)
	}

	if len(h.Devices) != 1 || h.Devices[0].Name != DefaultDeviceName {
		t.Fatalf("devices got %+v", h.Devices)
	}
	d := h.Devices[0]
	if d.BaudRate != 115200 || d.Interval != 10*time.Millisecond || d.RetryBackoff != time.Second {
		t.Fatalf("device defaults got %+v", d)
	}
	if len(h.Modules) != 1 {
		t.Fatalf("modules got %+v", h.Modules)
	}
	m := h.Modules[0]
	if m.GridWidth != 1 || m.GridHeight != 2 || m.Device != d.ID {
		t.Fatalf("rotor module got %+v", m)
	}
	if len(m.PointSets) != 1 || m.PointSets[0].Position != "main" || FormatPoints(m.PointSets[0].Points) != "0:0, 0:1" {
		t.Fatalf("rotor points got %+v", m.PointSets)
	}
	if h.Core.ForceTimeout != 5*time.Second || h.Core.FrameQueue != 1 {
		t.Fatalf("core got %+v", h.Core)
	}
	if h.Discovery.Mode != "host" {
		t.Fatalf("discovery got %+v", h.Discovery)
	}
}

func TestParseHapticsFull(t *testing.T) {
	cfg, err := LoadString(`
[haptics]
force_timeout: 2s

[log]
level: debug
format: json

[color active]
min_r: 250
max_r: 255

[color inactive]
min_g: 9
max_g: 3

[device waist]
name: HakoDev
channel: tcp://127.0.0.1:9000
interval_ms: 20
auto_setup: yes

[discovery]
mode: static
channels: COM3, COM4
names: COM3=HakoDev_waki, COM4=Other

[module grid]
enabled: true
power: 60
x: 10
y: 20
width: 30
height: 40
device: waist
preset: custom
grid_width: 3
grid_height: 2
points_left: 0:0, 0:1
points_right: 2:0, 2:1

[capture]
source: frames.raw
width: 640
height: 480
loop: true

[mqtt]
broker: tcp://localhost:1883
qos: 1
`)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	h, err := ParseHaptics(cfg)
	if err != nil {
		t.Fatalf("ParseHaptics: %v", err)
	}

	if h.Core.ForceTimeout != 2*time.Second {
		t.Errorf("force_timeout got %v", h.Core.ForceTimeout)
	}
	if h.Log.Level != "debug" || h.Log.Format != "json" {
		t.Errorf("log got %+v", h.Log)
	}
	wantActive := color.Range{MinR: 250, MaxR: 255, MinG: 0, MaxG: 60, MinB: 0, MaxB: 60}
	if h.Active != wantActive {
		t.Errorf("active got %v", h.Active)
	}
	if len(h.ColorWarnings) != 1 || !strings.Contains(h.ColorWarnings[0], "inactive") {
		t.Errorf("warnings got %v", h.ColorWarnings)
	}

	d, ok := h.Device("waist")
	if !ok || d.Channel != "tcp://127.0.0.1:9000" || d.Interval != 20*time.Millisecond || !d.AutoSetup {
		t.Errorf("device got %+v", d)
	}
	if h.Discovery.Mode != "static" || len(h.Discovery.Channels) != 2 || h.Discovery.Names["COM3"] != "HakoDev_waki" {
		t.Errorf("discovery got %+v", h.Discovery)
	}

	m := h.Modules[0]
	if m.Name != "grid" || !m.Enabled || m.Power != 60 || m.X != 10 || m.Height != 40 {
		t.Errorf("module got %+v", m)
	}
	if len(m.PointSets) != 2 || m.PointSets[0].Position != "left" || m.PointSets[1].Points[1] != (Point{2, 1}) {
		t.Errorf("point sets got %+v", m.PointSets)
	}
	if h.Capture.Source != "frames.raw" || h.Capture.Width != 640 || !h.Capture.Loop {
		t.Errorf("capture got %+v", h.Capture)
	}
	if h.MQTT.QoS != 1 || h.MQTT.TopicPrefix != "haptics" {
		t.Errorf("mqtt got %+v", h.MQTT)
	}
}

func TestParseHapticsErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"power range", "[module a]\npower: 101\n", "power"},
		{"color range", "[color active]\nmax_r: 256\n", "max_r"},
		{"unknown device", "[module a]\ndevice: nope\n", "unknown device"},
		{"point outside grid", "[module a]\npreset: custom\ngrid_width: 1\ngrid_height: 1\npoints_main: 1:0\n", "outside"},
		{"bad point", "[module a]\npreset: custom\ngrid_width: 1\ngrid_height: 1\npoints_main: 0-0\n", "x:y"},
		{"no points", "[module a]\npreset: custom\ngrid_width: 1\ngrid_height: 1\n", "points_"},
		{"too many points", "[module a]\npreset: custom\ngrid_width: 17\ngrid_height: 1\npoints_main: " +
			"0:0,1:0,2:0,3:0,4:0,5:0,6:0,7:0,8:0,9:0,10:0,11:0,12:0,13:0,14:0,15:0,16:0\n", "at most 16"},
		{"static without channels", "[discovery]\nmode: static\n", "channels"},
		{"bad names", "[discovery]\nnames: COM3\n", "channel=name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(tt.data)
			if err != nil {
				t.Fatalf("LoadString: %v", err)
			}
			_, err = ParseHaptics(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
