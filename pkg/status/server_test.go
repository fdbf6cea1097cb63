package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rehakomoon/VRCHapticsLite/pkg/bridge"
	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/config"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	"github.com/rehakomoon/VRCHapticsLite/pkg/discovery"
	"github.com/rehakomoon/VRCHapticsLite/pkg/settings"
)

type fakeSender struct {
	mu     sync.Mutex
	forced int
}

func (s *fakeSender) Send(ctx context.Context, intensities []byte, force bool) device.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if force {
		s.forced++
	}
	return device.Result{Sent: true, Force: force}
}

func (s *fakeSender) Forced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

var testRanges = color.Ranges{
	Active:   color.Range{MinR: 150, MaxR: 255, MaxG: 50, MaxB: 50},
	Inactive: color.Range{MaxR: 40, MaxG: 40, MaxB: 40},
}

func newBackend(t *testing.T, ac *config.AutosaveConfig) (*Backend, *fakeSender) {
	t.Helper()
	colors := settings.NewColors(testRanges.Active, testRanges.Inactive)
	b := NewBackend(colors, ac)
	mod := settings.NewModule(config.ModuleConfig{Name: "rotor", Enabled: true, Power: 80, Width: 4, Height: 4})
	sender := &fakeSender{}
	br := bridge.New(bridge.RotorParameters(), mod, colors, sender)
	t.Cleanup(br.Attach())
	b.AddModule(br, "rotor")
	mgr := device.New(device.Config{ID: "rotor", Channel: "COM5"}, &discovery.Static{})
	t.Cleanup(func() { mgr.Close() })
	b.AddDevice(mgr)
	return b, sender
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func call(t *testing.T, h http.Handler, method string, params any) rpcReply {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		body["params"] = params
	}
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader(data))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var reply rpcReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("%s: bad reply %q: %v", method, w.Body.String(), err)
	}
	return reply
}

func TestSetAndGetStatus(t *testing.T) {
	b, _ := newBackend(t, nil)
	h := New(Config{}, b).Handler()

	if r := call(t, h, "set_power", map[string]any{"module": "rotor", "power": 40}); r.Error != nil {
		t.Fatalf("set_power: %+v", r.Error)
	}
	if r := call(t, h, "set_region", map[string]any{"module": "rotor", "x": 10, "y": 20, "width": 30, "height": 40}); r.Error != nil {
		t.Fatalf("set_region: %+v", r.Error)
	}

	r := call(t, h, "get_status", nil)
	if r.Error != nil {
		t.Fatalf("get_status: %+v", r.Error)
	}
	var st Status
	if err := json.Unmarshal(r.Result, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(st.Modules) != 1 || st.Modules[0].Settings.Power != 40 {
		t.Fatalf("modules got %+v", st.Modules)
	}
	if st.Modules[0].Settings.Region != (settings.Region{X: 10, Y: 20, Width: 30, Height: 40}) {
		t.Fatalf("region got %+v", st.Modules[0].Settings.Region)
	}
	if len(st.Devices) != 1 || st.Devices[0].ID != "rotor" {
		t.Fatalf("devices got %+v", st.Devices)
	}
	if !strings.Contains(string(r.Result), `"state":"uninitialized"`) {
		t.Fatalf("device state not rendered as text: %s", r.Result)
	}
	if st.Session != b.Session() {
		t.Fatalf("session got %q want %q", st.Session, b.Session())
	}
}

func TestSetEnabledFalseSendsNeutralFrame(t *testing.T) {
	b, sender := newBackend(t, nil)
	h := New(Config{}, b).Handler()

	if r := call(t, h, "set_enabled", map[string]any{"module": "rotor", "enabled": false}); r.Error != nil {
		t.Fatalf("set_enabled: %+v", r.Error)
	}
	if sender.Forced() != 1 {
		t.Fatalf("forced sends got %d want 1", sender.Forced())
	}
}

func TestSetColor(t *testing.T) {
	b, _ := newBackend(t, nil)
	h := New(Config{}, b).Handler()

	r := call(t, h, "set_color", map[string]any{"which": "Active", "min_r": 100, "max_r": 255, "min_g": 0, "max_g": 10, "min_b": 0, "max_b": 10})
	if r.Error != nil {
		t.Fatalf("set_color: %+v", r.Error)
	}
	want := color.Range{MinR: 100, MaxR: 255, MaxG: 10, MaxB: 10}
	if got := b.Status().Colors.Active; got != want {
		t.Fatalf("active got %v want %v", got, want)
	}

	r = call(t, h, "set_color", map[string]any{"which": "active", "min_r": 200, "max_r": 100})
	if r.Error == nil || r.Error.Code != codeInvalidParams {
		t.Fatalf("inverted range got %+v", r.Error)
	}
	r = call(t, h, "set_color", map[string]any{"which": "active", "max_r": 300})
	if r.Error == nil || r.Error.Code != codeInvalidParams {
		t.Fatalf("out of range value got %+v", r.Error)
	}
}

func TestRPCErrors(t *testing.T) {
	b, _ := newBackend(t, nil)
	h := New(Config{}, b).Handler()

	tests := []struct {
		method string
		params any
		code   int
	}{
		{"no_such_method", nil, codeMethodNotFound},
		{"set_power", nil, codeInvalidParams},
		{"set_power", map[string]any{"module": "rotor"}, codeInvalidParams},
		{"set_power", map[string]any{"module": "rotor", "power": 101}, codeInvalidParams},
		{"set_enabled", map[string]any{"module": "nope", "enabled": true}, codeInvalidParams},
		{"set_region", map[string]any{"module": "rotor", "x": -1}, codeInvalidParams},
		{"set_color", map[string]any{"which": "border", "min_r": 0}, codeInvalidParams},
		{"save_settings", nil, codeServerError},
		{"subscribe", nil, codeServerError},
	}
	for _, tt := range tests {
		r := call(t, h, tt.method, tt.params)
		if r.Error == nil || r.Error.Code != tt.code {
			t.Errorf("%s %v: got %+v want code %d", tt.method, tt.params, r.Error, tt.code)
		}
	}
}

func TestSaveSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hapticd.cfg")
	if err := os.WriteFile(path, []byte("[module rotor]\nenabled: true\npower: 80\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ac, err := config.LoadAutosave(path)
	if err != nil {
		t.Fatalf("LoadAutosave: %v", err)
	}
	b, _ := newBackend(t, ac)
	h := New(Config{}, b).Handler()

	call(t, h, "set_power", map[string]any{"module": "rotor", "power": 35})
	r := call(t, h, "save_settings", nil)
	if r.Error != nil {
		t.Fatalf("save_settings: %+v", r.Error)
	}
	if !strings.Contains(string(r.Result), "hapticd.cfg") {
		t.Fatalf("result got %s", r.Result)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"[module rotor]", "power: 35", "[color active]", "min_r: 150"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("saved config missing %q:\n%s", want, data)
		}
	}
	reloaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload saved config: %v", err)
	}
	power, err := reloaded.GetSectionOptional("module rotor").GetInt("power", 0)
	if err != nil || power != 35 {
		t.Fatalf("reloaded power got %d (%v) want 35", power, err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, method string) rpcReply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var r rpcReply
		if err := conn.ReadJSON(&r); err != nil {
			t.Fatalf("waiting for %s: %v", method, err)
		}
		if r.Method == method || (method == "" && r.Method == "") {
			return r
		}
	}
}

func TestWebsocketSubscribe(t *testing.T) {
	b, _ := newBackend(t, nil)
	s := New(Config{}, b)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop(context.Background())

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/websocket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "server.connection.identify", "params": map[string]any{"client_name": "test"}, "id": 1}); err != nil {
		t.Fatal(err)
	}
	r := readUntil(t, conn, "")
	if r.Error != nil || !strings.Contains(string(r.Result), "session") {
		t.Fatalf("identify got %+v %s", r.Error, r.Result)
	}

	if err := conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "subscribe", "id": 2}); err != nil {
		t.Fatal(err)
	}
	if r := readUntil(t, conn, ""); r.Error != nil {
		t.Fatalf("subscribe: %+v", r.Error)
	}

	s.ModuleFrame(bridge.Preview{Module: "rotor", Seq: 7})
	s.ModuleFrame(bridge.Preview{Module: "rotor", Seq: 8})
	s.broadcastPreviews()
	r = readUntil(t, conn, "notify_module_frame")
	var previews []bridge.Preview
	if err := json.Unmarshal(r.Params, &previews); err != nil {
		t.Fatalf("decode previews: %v", err)
	}
	if len(previews) != 1 || previews[0].Seq != 8 {
		t.Fatalf("previews got %+v want latest only", previews)
	}

	s.StateChanged("rotor", device.Connecting, device.Ready)
	r = readUntil(t, conn, "notify_device_state")
	if !strings.Contains(string(r.Params), `"to":"ready"`) {
		t.Fatalf("state params got %s", r.Params)
	}
}

func TestServerInfo(t *testing.T) {
	b, _ := newBackend(t, nil)
	r := call(t, New(Config{}, b).Handler(), "server.info", nil)
	if r.Error != nil || !strings.Contains(string(r.Result), Version) {
		t.Fatalf("server.info got %+v %s", r.Error, r.Result)
	}
}
